// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package vcs drives a long-lived git clone: fetch/reset, patch
// application with rollback, pulls with rerere-assisted conflict
// resolution, and the commit queries the selector and brancher need.
package vcs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/series"
)

const gitTimeout = 10 * time.Minute

// How far back IsApplied greps for patch titles.
const findPatchDepth = 1000

type PatchApplyError struct {
	Patch string
	Err   error
}

func (err *PatchApplyError) Error() string {
	return fmt.Sprintf("failed to apply %q: %v", err.Patch, err.Err)
}

func (err *PatchApplyError) Unwrap() error { return err.Err }

type PullError struct {
	URL string
	Err error
}

func (err *PullError) Error() string {
	return fmt.Sprintf("failed to pull %q: %v", err.URL, err.Err)
}

func (err *PullError) Unwrap() error { return err.Err }

type TreeNotCleanError struct {
	Name string
}

func (err *TreeNotCleanError) Error() string {
	return fmt.Sprintf("tree %v is not clean", err.Name)
}

// Tree is a named git clone on disk. All operations serialize on an
// internal lock, the working tree holds no modifications at rest.
type Tree struct {
	Name   string
	Branch string

	dir    string
	remote string
	wtID   string
	// Worktrees of one clone share the repository, so they share the
	// lock as well.
	mu *sync.Mutex
}

// NewTree opens an existing clone and asserts it is clean. When branch
// is empty and a remote is configured, <remote>/main is assumed.
func NewTree(name, dir, remote, branch string) (*Tree, error) {
	if remote != "" && branch == "" {
		branch = remote + "/main"
	}
	tree := &Tree{
		Name:   name,
		Branch: branch,
		dir:    osutil.Abs(dir),
		remote: remote,
		mu:     new(sync.Mutex),
	}
	if err := tree.checkClean(); err != nil {
		return nil, err
	}
	return tree, nil
}

// Worktree materializes a linked checkout of the clone under
// <dir>/wt-<id> and returns it as a Tree of its own, so a worker can
// apply and reset without disturbing the main checkout. An existing
// checkout for the same id is reused.
func (tree *Tree) Worktree(id string) (*Tree, error) {
	if tree.wtID != "" {
		return nil, fmt.Errorf("tree %v is already a worktree", tree.Name)
	}
	name := "wt-" + id
	wt := &Tree{
		Name:   tree.Name + "-" + id,
		Branch: tree.Branch,
		dir:    filepath.Join(tree.dir, name),
		remote: tree.remote,
		wtID:   id,
		mu:     tree.mu,
	}
	if !osutil.IsExist(wt.dir) {
		if _, err := tree.git("worktree", "add", name); err != nil {
			return nil, err
		}
	}
	if err := wt.checkClean(); err != nil {
		return nil, err
	}
	return wt, nil
}

func (tree *Tree) Dir() string {
	return tree.dir
}

func (tree *Tree) git(args ...string) (string, error) {
	tree.mu.Lock()
	defer tree.mu.Unlock()
	output, err := osutil.RunCmd(gitTimeout, tree.dir, "git", args...)
	return string(output), err
}

func (tree *Tree) checkClean() error {
	closer := log.OpenSection("checking tree %v", tree.Name)
	defer closer()
	out, err := tree.git("status", "-s", "-u", "no")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return &TreeNotCleanError{Name: tree.Name}
	}
	return nil
}

// Reset discards local state and moves to the configured branch.
// The remote is fetched first unless the tree has none.
func (tree *Tree) Reset(fetch bool) error {
	closer := log.OpenSection("reset tree %v", tree.Name)
	defer closer()
	if fetch && tree.remote != "" {
		if _, err := tree.git("fetch", tree.remote); err != nil {
			return err
		}
	}
	_, err := tree.git("reset", tree.Branch, "--hard")
	return err
}

func (tree *Tree) HeadHash() (string, error) {
	out, err := tree.git("rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// Remotes returns {"origin": {"fetch": url, "push": url}, ...}.
func (tree *Tree) Remotes() (map[string]map[string]string, error) {
	out, err := tree.git("remote", "-v")
	if err != nil {
		return nil, err
	}
	result := make(map[string]map[string]string)
	for _, line := range strings.Split(out, "\n") {
		bits := strings.Fields(line)
		if len(bits) < 3 {
			continue
		}
		info := result[bits[0]]
		if info == nil {
			info = make(map[string]string)
			result[bits[0]] = info
		}
		// The third field is "(fetch)" or "(push)".
		info[strings.Trim(bits[2], "()")] = bits[1]
	}
	return result, nil
}

// Contains reports whether commit is an ancestor of HEAD.
func (tree *Tree) Contains(commit string) bool {
	_, err := tree.git("merge-base", commit, "HEAD", "--is-ancestor")
	return err == nil
}

func (tree *Tree) findPatch(title string) (bool, error) {
	// Search the last N commits, or everything in a short history.
	window := "HEAD"
	start := fmt.Sprintf("HEAD~%d", findPatchDepth)
	if _, err := tree.git("rev-parse", "-q", "--verify", start+"^{commit}"); err == nil {
		window = start + "..HEAD"
	}
	out, err := tree.git("log", "--pretty=format:%h", window,
		"--grep="+title, "--fixed-strings")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// IsApplied reports whether every patch of the thing already appears in
// the recent history, matched by title.
func (tree *Tree) IsApplied(thing series.Appliable) (bool, error) {
	for _, patch := range thing.ApplyList() {
		found, err := tree.findPatch(patch.Title)
		if err != nil || !found {
			return false, err
		}
	}
	return true, nil
}

func (tree *Tree) applyPatch(patch *series.Patch) error {
	file, err := osutil.TempFile("nipa-patch", []byte(patch.Raw))
	if err != nil {
		return err
	}
	defer os.Remove(file)
	closer := log.OpenSection("applying patch %v", patch.Title)
	defer closer()
	if _, err := tree.git("am", "-s", "--", file); err != nil {
		// Best-effort cleanup, the original error is what matters.
		tree.git("am", "--abort")
		return &PatchApplyError{Patch: patch.Title, Err: err}
	}
	return nil
}

// Apply applies a Patch or a Series. On failure the tree is rolled
// back and a PatchApplyError carrying the command error is returned.
func (tree *Tree) Apply(thing series.Appliable) error {
	for _, patch := range thing.ApplyList() {
		if err := tree.applyPatch(patch); err != nil {
			return err
		}
	}
	return nil
}

// CheckApplies resets and test-applies; the tree never keeps partial
// state. Errors other than apply failures are returned as-is.
func (tree *Tree) CheckApplies(thing series.Appliable) (bool, error) {
	if err := tree.Reset(true); err != nil {
		return false, err
	}
	err := tree.Apply(thing)
	if err == nil {
		return true, nil
	}
	var applyErr *PatchApplyError
	if errors.As(err, &applyErr) {
		return false, nil
	}
	return false, err
}

// Pull fetches and merges by URL (the URL may carry a ref after a
// space, as in a pull request line). With trustRerere a merge that the
// rerere cache auto-resolved is committed after verifying no conflict
// markers remain in the working tree.
func (tree *Tree) Pull(url string, reset, trustRerere bool) error {
	closer := log.OpenSection("pulling %v", url)
	defer closer()
	if reset {
		if err := tree.Reset(true); err != nil {
			return err
		}
	}
	args := append([]string{"pull", "--no-edit", "--signoff"}, strings.Fields(url)...)
	_, err := tree.git(args...)
	if err == nil {
		return nil
	}
	if trustRerere {
		if _, diffErr := tree.git("diff", "-s", "--exit-code"); diffErr == nil {
			log.Logf(0, "merge conflict auto-resolved by rerere, committing")
			if _, err := tree.git("commit", "--no-edit", "--signoff"); err == nil {
				return nil
			}
		}
	}
	tree.git("merge", "--abort")
	return &PullError{URL: url, Err: err}
}

// Push pushes a refspec, e.g. "HEAD:branch-name" or ":branch-name" to
// delete.
func (tree *Tree) Push(remote, spec string) error {
	_, err := tree.git("push", remote, spec)
	return err
}

func (tree *Tree) Fetch(remote string) error {
	_, err := tree.git("fetch", remote)
	return err
}

func (tree *Tree) AddRemote(name, url string) error {
	_, err := tree.git("remote", "add", name, url)
	return err
}

// AllBranches lists local and remote-tracking branches, the way
// "git branch -a" names them (remote ones as remotes/<remote>/<name>).
func (tree *Tree) AllBranches() ([]string, error) {
	out, err := tree.git("branch", "-a", "--format=%(refname:lstrip=1)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		branches = append(branches, strings.TrimPrefix(line, "heads/"))
	}
	return branches, nil
}

// NewCommits lists commits on remote/branch that HEAD does not have,
// oldest first.
func (tree *Tree) NewCommits(remote, branch string) ([]string, error) {
	out, err := tree.git("log", "--format=%H", "--reverse",
		fmt.Sprintf("..%v/%v", remote, branch))
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

func (tree *Tree) Checkout(ref string) error {
	_, err := tree.git("checkout", "-q", ref)
	return err
}

// Identical reports whether two refs have no diff between them.
func (tree *Tree) Identical(refA, refB string) bool {
	_, err := tree.git("diff", "--quiet", refA, refB)
	return err == nil
}
