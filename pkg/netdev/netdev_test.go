// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package netdev

import (
	"fmt"
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
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

func mailWithDiffstat(subject string, files ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %v\n\ncommit message\n---\n", subject)
	for _, file := range files {
		fmt.Fprintf(&b, " %v | 2 +-\n", file)
	}
	fmt.Fprintf(&b, " %d files changed, 2 insertions(+), 2 deletions(-)\n", len(files))
	return b.String()
}

func TestMatchPrefix(t *testing.T) {
	tests := []struct {
		pfx  string
		file string
		want bool
	}{
		{"net/", "net/ipv4/tcp.c", true},
		{"net/", "kernel/net.c", false},
		{"drivers/net/ethernet/", ".../ethernet/intel/ice/ice_main.c", true},
		{"drivers/net/", ".../net/bonding/bond_main.c", true},
		{"drivers/net/", ".../wireless/ath/ath.c", false},
		{"include/net/", "include/net/sock.h", true},
	}
	for _, test := range tests {
		if got := matchPrefix(test.pfx, test.file); got != test.want {
			t.Errorf("matchPrefix(%q, %q) = %v, want %v", test.pfx, test.file, got, test.want)
		}
	}
}

func TestShouldBeLocal(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  Verdict
	}{
		{"pure net", []string{"net/ipv4/tcp.c", "include/net/tcp.h"}, Local},
		{"net plus docs", []string{"net/core/dev.c", "Documentation/networking/x.rst", "MAINTAINERS"}, Local},
		{"mixed", []string{"net/core/dev.c", "kernel/sched/core.c"}, Mixed},
		{"foreign", []string{"kernel/sched/core.c"}, NotLocal},
		{"wireless only", []string{"drivers/net/wireless/ath/ath.c"}, NotLocal},
		{"acceptable only", []string{"MAINTAINERS"}, NotLocal},
		{"dotted", []string{".../ethernet/intel/ice/ice_main.c"}, Local},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			raw := mailWithDiffstat("[PATCH] some change", test.files...)
			assert.Equal(t, test.want, shouldBeLocalFiles(raw))
		})
	}
}

func TestSeriesShouldBeLocal(t *testing.T) {
	s := series.New(1, "")
	s.AddPatch(series.NewPatch(mailWithDiffstat("[PATCH 1/2] a", "net/ipv4/tcp.c"), 0))
	s.AddPatch(series.NewPatch(mailWithDiffstat("[PATCH 2/2] b", "net/core/dev.c", "kernel/fork.c"), 0))
	all, someLocal := SeriesShouldBeLocal(s)
	assert.Equal(t, Mixed, all)
	assert.True(t, someLocal)

	s = series.New(2, "")
	s.AddPatch(series.NewPatch(mailWithDiffstat("[PATCH] c", "fs/ext4/inode.c"), 0))
	all, someLocal = SeriesShouldBeLocal(s)
	assert.Equal(t, NotLocal, all)
	assert.False(t, someLocal)
}

func TestTreeNameDirect(t *testing.T) {
	names := []string{"net-next", "net", "bpf-next", "bpf"}
	tests := []struct {
		subject string
		want    string
	}{
		{"[PATCH net] tcp: fix", "net"},
		{"[PATCH net-next v2 1/3] tcp: add", "net-next"},
		{"[PATCH bpf] bpf: fix verifier", "bpf"},
		{"[PATCH] tcp: fix", ""},
		{"[RFC net-next] tcp: rework", "net-next"},
		{"tcp: no brackets at all", ""},
	}
	for _, test := range tests {
		if got := TreeNameDirect(names, test.subject); got != test.want {
			t.Errorf("TreeNameDirect(%q) = %q, want %q", test.subject, got, test.want)
		}
	}
}

func TestIgnoreMissingTreeName(t *testing.T) {
	s := series.New(1, "")
	s.AddPatch(series.NewPatch(mailWithDiffstat("pull-request: can 2025-01-01", "net/can/raw.c"), 0))
	assert.True(t, SeriesIgnoreMissingTreeName(s))

	s = series.New(2, "")
	s.AddPatch(series.NewPatch(mailWithDiffstat("[PATCH] net: fix", "net/core/dev.c"), 0))
	assert.False(t, SeriesIgnoreMissingTreeName(s))
}

func TestPurePullRouting(t *testing.T) {
	sel := &Selector{
		Names:       []string{"net-next", "net"},
		CurrentTree: "net",
		NextTree:    "net-next",
	}
	s := series.New(1, "pull request: net-next updates")
	s.Title = "pull request: net-next updates"
	s.PullURL = "git://example.org/net-next.git"
	assert.Equal(t, "Pull request for net-next", sel.Determine(s))
	assert.Equal(t, "net-next", s.TreeName)
	assert.Equal(t, series.Ignore, s.TreeMarkExpected)

	s = series.New(2, "pull request: can fixes")
	s.Title = "pull request: can fixes"
	s.PullURL = "git://example.org/can.git"
	assert.Equal(t, "Pull request for net", sel.Determine(s))
	assert.Equal(t, "net", s.TreeName)
}

func TestClearlyMarked(t *testing.T) {
	sel := &Selector{
		Names:       []string{"net-next", "net"},
		CurrentTree: "net",
		NextTree:    "net-next",
	}
	s := series.New(1, "")
	s.Subject = "[PATCH net 1/2] tcp: fix retransmit"
	s.AddPatch(series.NewPatch(mailWithDiffstat("[PATCH net 1/2] tcp: fix retransmit", "net/ipv4/tcp.c"), 0))
	assert.Equal(t, "Clearly marked for net", sel.Determine(s))
	assert.True(t, s.TreeMarked)
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := osutil.RunCmd(time.Minute, dir, "git", args...)
	require.NoError(t, err, "git %v", args)
	return string(out)
}

// makeFixScenario builds a stable tree holding the fixed commit and a
// raw patch mail that fixes it.
func makeFixScenario(t *testing.T) (*vcs.Tree, *series.Series) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@example.org")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "net/ipv4"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net/ipv4/tcp.c"),
		[]byte("int tcp_bug = 1;\n"), 0644))
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "tcp: introduce a knob")
	fixed := strings.TrimSpace(gitRun(t, dir, "rev-parse", "--short=12", "HEAD"))

	// Build the fix in a scratch clone and format it as a mail.
	scratch := t.TempDir()
	gitRun(t, filepath.Dir(scratch), "clone", dir, scratch)
	gitRun(t, scratch, "config", "user.name", "test")
	gitRun(t, scratch, "config", "user.email", "test@example.org")
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "net/ipv4/tcp.c"),
		[]byte("int tcp_bug = 0;\n"), 0644))
	gitRun(t, scratch, "add", "-A")
	gitRun(t, scratch, "commit", "-m",
		fmt.Sprintf("tcp: fix the knob\n\nFixes: %v (\"tcp: introduce a knob\")", fixed))
	raw := gitRun(t, scratch, "format-patch", "-1", "--stdout")

	base := strings.TrimSpace(gitRun(t, dir, "rev-parse", "HEAD"))
	tree, err := vcs.NewTree("net", dir, "", base)
	require.NoError(t, err)

	s := series.New(1, "")
	s.Subject = "[PATCH] tcp: fix the knob"
	s.ReceivedAll = true
	s.AddPatch(series.NewPatch(raw, 0))
	return tree, s
}

func TestGuessFixForStable(t *testing.T) {
	tree, s := makeFixScenario(t)
	sel := &Selector{
		Names:       []string{"net-next", "net"},
		CurrentTree: "net",
		NextTree:    "net-next",
		Trees:       map[string]*vcs.Tree{"net": tree},
	}
	assert.Equal(t, "Guessed tree name to be net", sel.Determine(s))
	assert.Equal(t, "net", s.TreeName)
	assert.Equal(t, series.Expected, s.TreeMarkExpected)
}

func TestSeriesIsAFixFor(t *testing.T) {
	tree, s := makeFixScenario(t)
	fix, err := SeriesIsAFixFor(s, tree)
	require.NoError(t, err)
	assert.True(t, fix)

	// A series without Fixes: tags is not a fix.
	plain := series.New(2, "")
	plain.AddPatch(series.NewPatch(mailWithDiffstat("[PATCH] tcp: cleanup", "net/ipv4/tcp.c"), 0))
	fix, err = SeriesIsAFixFor(plain, tree)
	require.NoError(t, err)
	assert.False(t, fix)
}
