// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/series"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := osutil.RunCmd(time.Minute, dir, "git", args...)
	require.NoError(t, err, "git %v", args)
	return string(out)
}

// makeTestRepo creates a repo with an initial commit on branch main.
func makeTestRepo(t *testing.T) string {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@example.org")
	writeAndCommit(t, dir, "README", "a readme\n", "initial commit")
	return dir
}

func writeAndCommit(t *testing.T, dir, file, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	gitRun(t, dir, "add", file)
	gitRun(t, dir, "commit", "-m", msg)
}

// formatLastPatch returns the last commit as a mail suitable for am.
func formatLastPatch(t *testing.T, dir string) *series.Patch {
	t.Helper()
	raw := gitRun(t, dir, "format-patch", "-1", "--stdout")
	return series.NewPatch(raw, 0)
}

func TestCleanCheck(t *testing.T) {
	dir := makeTestRepo(t)
	_, err := NewTree("test", dir, "", "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("dirty\n"), 0644))
	_, err = NewTree("test", dir, "", "main")
	var notClean *TreeNotCleanError
	require.ErrorAs(t, err, &notClean)
}

func TestApplyAndQuery(t *testing.T) {
	src := makeTestRepo(t)
	writeAndCommit(t, src, "tcp.c", "int x;\n", "net: tcp: add a variable")
	patch := formatLastPatch(t, src)

	dst := makeTestRepo(t)
	tree, err := NewTree("test", dst, "", "main")
	require.NoError(t, err)

	applied, err := tree.IsApplied(patch)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, tree.Apply(patch))

	applied, err = tree.IsApplied(patch)
	require.NoError(t, err)
	assert.True(t, applied)

	head, err := tree.HeadHash()
	require.NoError(t, err)
	assert.True(t, tree.Contains(head))
	assert.False(t, tree.Contains("0000000000000000000000000000000000000000"))

	// Signed-off-by of the committer added by am -s.
	log := gitRun(t, dst, "log", "-1", "--pretty=%B")
	assert.Contains(t, log, "Signed-off-by:")
}

func TestApplyRollback(t *testing.T) {
	src := makeTestRepo(t)
	writeAndCommit(t, src, "tcp.c", "int x;\n", "net: tcp: add a variable")
	patch := formatLastPatch(t, src)

	dst := makeTestRepo(t)
	// Conflicting content makes the patch inapplicable.
	writeAndCommit(t, dst, "tcp.c", "int y;\nint z;\n", "different tcp.c")
	tree, err := NewTree("test", dst, "", "main")
	require.NoError(t, err)
	before, err := tree.HeadHash()
	require.NoError(t, err)

	err = tree.Apply(patch)
	var applyErr *PatchApplyError
	require.ErrorAs(t, err, &applyErr)

	// The failed am was aborted, tree is clean at the old head.
	require.NoError(t, tree.checkClean())
	after, err := tree.HeadHash()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ok, err := tree.CheckApplies(patch)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplySeries(t *testing.T) {
	src := makeTestRepo(t)
	s := series.New(1, "two patches")
	writeAndCommit(t, src, "a.c", "int a;\n", "net: add a")
	s.AddPatch(formatLastPatch(t, src))
	writeAndCommit(t, src, "b.c", "int b;\n", "net: add b")
	s.AddPatch(formatLastPatch(t, src))

	dst := makeTestRepo(t)
	tree, err := NewTree("test", dst, "", "main")
	require.NoError(t, err)

	ok, err := tree.CheckApplies(s)
	require.NoError(t, err)
	assert.True(t, ok)

	applied, err := tree.IsApplied(s)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestWorktreeIsolation(t *testing.T) {
	src := makeTestRepo(t)
	writeAndCommit(t, src, "a.c", "int a;\n", "net: add a")
	patchA := formatLastPatch(t, src)
	writeAndCommit(t, src, "b.c", "int b;\n", "net: add b")
	patchB := formatLastPatch(t, src)

	dst := makeTestRepo(t)
	tree, err := NewTree("test", dst, "", "main")
	require.NoError(t, err)
	wt, err := tree.Worktree("0")
	require.NoError(t, err)

	// A reset of the main checkout between the two applies must not
	// discard the first one from the worker's checkout.
	require.NoError(t, wt.Apply(patchA))
	require.NoError(t, tree.Reset(false))
	require.NoError(t, wt.Apply(patchB))

	applied, err := wt.IsApplied(patchA)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = wt.IsApplied(patchB)
	require.NoError(t, err)
	assert.True(t, applied)

	// The main checkout saw none of it.
	applied, err = tree.IsApplied(patchA)
	require.NoError(t, err)
	assert.False(t, applied)

	// A repeated request reuses the checkout, worktrees don't nest.
	again, err := tree.Worktree("0")
	require.NoError(t, err)
	assert.Equal(t, wt.Dir(), again.Dir())
	_, err = wt.Worktree("1")
	require.Error(t, err)
}

func TestRemotes(t *testing.T) {
	dir := makeTestRepo(t)
	gitRun(t, dir, "remote", "add", "origin", "https://example.org/net.git")
	tree, err := NewTree("test", dir, "", "main")
	require.NoError(t, err)

	remotes, err := tree.Remotes()
	require.NoError(t, err)
	require.Contains(t, remotes, "origin")
	assert.Equal(t, "https://example.org/net.git", remotes["origin"]["fetch"])
	assert.Equal(t, "https://example.org/net.git", remotes["origin"]["push"])
}

func TestPull(t *testing.T) {
	src := makeTestRepo(t)
	writeAndCommit(t, src, "feature.c", "int f;\n", "net: add feature")

	dir := t.TempDir()
	gitRun(t, filepath.Dir(dir), "clone", src, dir)
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@example.org")
	gitRun(t, dir, "reset", "--hard", "HEAD~1")

	tree, err := NewTree("test", dir, "", "main")
	require.NoError(t, err)
	require.NoError(t, tree.Pull(src+" main", false, false))

	applied, err := tree.IsApplied(series.NewPatch("Subject: [PATCH] net: add feature\n", 0))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPullFailure(t *testing.T) {
	dir := makeTestRepo(t)
	tree, err := NewTree("test", dir, "", "main")
	require.NoError(t, err)

	err = tree.Pull("/nonexistent/repo main", false, false)
	var pullErr *PullError
	require.ErrorAs(t, err, &pullErr)
	require.NoError(t, tree.checkClean())
}

func TestResetBranch(t *testing.T) {
	dir := makeTestRepo(t)
	base := strings.TrimSpace(gitRun(t, dir, "rev-parse", "HEAD"))
	// Pin the reset target the way a remote-tracking ref would be.
	tree, err := NewTree("test", dir, "", base)
	require.NoError(t, err)

	writeAndCommit(t, dir, "extra.c", "int e;\n", "temporary commit")
	head, err := tree.HeadHash()
	require.NoError(t, err)
	require.NotEqual(t, base, head)

	require.NoError(t, tree.Reset(false))
	head, err = tree.HeadHash()
	require.NoError(t, err)
	assert.Equal(t, base, head)

	assert.False(t, strings.Contains(gitRun(t, dir, "log", "--oneline"), "temporary commit"))
}
