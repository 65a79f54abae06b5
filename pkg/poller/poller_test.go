// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package poller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := osutil.RunCmd(time.Minute, dir, "git", args...)
	require.NoError(t, err, "git %v", args)
	return string(out)
}

func makeRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@example.org")
	commitFile(t, dir, "README", "a readme\n", "initial commit")
	return dir
}

func cloneRepo(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "clone", "-q", src, ".")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@example.org")
	return dir
}

func commitFile(t *testing.T, dir, file, content, msg string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, file)), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	gitRun(t, dir, "add", file)
	gitRun(t, dir, "commit", "-q", "-m", msg)
}

// formatPatch commits one file change in a scratch clone and returns
// the mbox text, with the subject tagged the way posters tag trees.
func formatPatch(t *testing.T, upstream, file, content, title, prefix string) string {
	t.Helper()
	scratch := cloneRepo(t, upstream)
	commitFile(t, scratch, file, content, title)
	return gitRun(t, scratch, "format-patch", "-1", "--stdout", "--subject-prefix", prefix)
}

type fakePatch struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type fakeSeries struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	Date        string      `json:"date"`
	ReceivedAll bool        `json:"received_all"`
	Patches     []fakePatch `json:"patches"`
}

type fakeTracker struct {
	srv *httptest.Server
	// mutable fixtures, read by the handlers
	series []fakeSeries
	mboxes map[int]string
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	ft := &fakeTracker{mboxes: make(map[int]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/projects/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 319, "name": "netdev"}]`)
	})
	mux.HandleFunc("/api/1.1/series/", func(w http.ResponseWriter, r *http.Request) {
		since := r.URL.Query().Get("since")
		var out []fakeSeries
		for _, s := range ft.series {
			// ISO timestamps compare lexically.
			if s.Date >= since {
				out = append(out, s)
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	})
	mux.HandleFunc("/patch/", func(w http.ResponseWriter, r *http.Request) {
		var id int
		require.NoError(t, parsePath(r.URL.Path, "/patch/%d/mbox/", &id))
		mbox, ok := ft.mboxes[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, mbox)
	})
	ft.srv = httptest.NewServer(mux)
	t.Cleanup(ft.srv.Close)
	return ft
}

func parsePath(path, format string, args ...interface{}) error {
	_, err := fmt.Sscanf(path, format, args...)
	return err
}

func trackerClient(t *testing.T, srv *httptest.Server) *patchwork.Client {
	t.Helper()
	ssl := false
	pw, err := patchwork.NewClient(&patchwork.Config{
		Server:  strings.TrimPrefix(srv.URL, "http://"),
		UseSSL:  &ssl,
		Project: "netdev",
	})
	require.NoError(t, err)
	return pw
}

func testConfig(t *testing.T, treeDir string) *Config {
	t.Helper()
	cfg := new(Config)
	cfg.Dirs.Results = t.TempDir()
	cfg.Dirs.Tests = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Dirs.Tests, "series"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Dirs.Tests, "patch"), 0755))
	cfg.Trees = []TreeConfig{{Name: "net", Dir: treeDir, Branch: "main"}}
	cfg.Selector.Current = "net"
	cfg.Selector.Next = "net-next"
	cfg.StatePath = filepath.Join(t.TempDir(), "poller.state")
	return cfg
}

func pinnedNow() time.Time {
	return time.Date(2025, 8, 28, 12, 0, 0, 0, time.UTC)
}

func TestPollerRouting(t *testing.T) {
	treeDir := makeRepo(t)
	ft := newFakeTracker(t)
	ft.mboxes[501] = formatPatch(t, treeDir,
		"net/core/dev.c", "int dev;\n", "net: fix the queue", "PATCH net")
	ft.mboxes[502] = formatPatch(t, treeDir,
		"kernel/foo.c", "int foo;\n", "kernel: tweak alignment", "PATCH")
	ft.series = []fakeSeries{
		{
			ID: 901, Name: "net: fix the queue", Date: "2025-08-28T10:30:00",
			ReceivedAll: true,
			Patches:     []fakePatch{{ID: 501, Name: "[PATCH net] net: fix the queue"}},
		},
		{
			ID: 902, Name: "kernel: tweak alignment", Date: "2025-08-28T11:00:00",
			ReceivedAll: true,
			Patches:     []fakePatch{{ID: 502, Name: "[PATCH] kernel: tweak alignment"}},
		},
	}

	cfg := testConfig(t, treeDir)
	p, err := New(cfg, trackerClient(t, ft.srv))
	require.NoError(t, err)
	p.now = pinnedNow

	p.Start()
	require.NoError(t, p.RunOnce())
	require.NoError(t, p.Stop())

	// The designated series ran in the net tree.
	routedDir := filepath.Join(cfg.Dirs.Results, "901")
	assert.True(t, osutil.IsExist(filepath.Join(routedDir, ".tester_done")))
	assert.True(t, osutil.IsExist(filepath.Join(routedDir, "501")))

	// The foreign series got a routing verdict instead of a test run.
	desc, err := os.ReadFile(filepath.Join(cfg.Dirs.Results, "902", "tree-selection", "desc"))
	require.NoError(t, err)
	assert.Contains(t, string(desc), "Not a local patch")
	assert.True(t, osutil.IsExist(filepath.Join(cfg.Dirs.Results, "902", ".tester_done")))

	// The cursor advanced to the newest event and the state survived.
	state := new(State)
	require.NoError(t, osutil.ReadJSON(cfg.StatePath, state))
	want := &State{
		LastPoll: time.Date(2025, 8, 28, 11, 0, 0, 0, time.UTC).Unix(),
		LastID:   902,
	}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("state mismatch: %v", diff)
	}
}

func TestPollerTesterWorktree(t *testing.T) {
	treeDir := makeRepo(t)
	ft := newFakeTracker(t)
	cfg := testConfig(t, treeDir)
	p, err := New(cfg, trackerClient(t, ft.srv))
	require.NoError(t, err)

	// Routing checks run on the main checkout while a tester may be
	// mid-series, so each tester needs a checkout of its own.
	for name, tester := range p.testers {
		require.Contains(t, p.sel.Trees, name)
		assert.NotEqual(t, p.sel.Trees[name].Dir(), tester.Tree.Dir())
		assert.True(t, osutil.IsExist(tester.Tree.Dir()))
	}
}

func TestPollerRestartIdempotent(t *testing.T) {
	treeDir := makeRepo(t)
	ft := newFakeTracker(t)
	ft.mboxes[501] = formatPatch(t, treeDir,
		"net/core/dev.c", "int dev;\n", "net: fix the queue", "PATCH net")
	ft.series = []fakeSeries{{
		ID: 901, Name: "net: fix the queue", Date: "2025-08-28T10:30:00",
		ReceivedAll: true,
		Patches:     []fakePatch{{ID: 501, Name: "[PATCH net] net: fix the queue"}},
	}}

	cfg := testConfig(t, treeDir)
	pw := trackerClient(t, ft.srv)
	p, err := New(cfg, pw)
	require.NoError(t, err)
	p.now = pinnedNow
	p.Start()
	require.NoError(t, p.RunOnce())
	require.NoError(t, p.Stop())

	done := filepath.Join(cfg.Dirs.Results, "901", ".tester_done")
	info, err := os.Stat(done)
	require.NoError(t, err)

	// A restarted poller re-reads the same event but the done marker
	// stops a second run.
	p2, err := New(cfg, pw)
	require.NoError(t, err)
	p2.now = pinnedNow
	p2.Start()
	require.NoError(t, p2.RunOnce())
	require.NoError(t, p2.Stop())

	info2, err := os.Stat(done)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())
}

func TestPollerIncompleteSeries(t *testing.T) {
	treeDir := makeRepo(t)
	ft := newFakeTracker(t)
	ft.mboxes[501] = formatPatch(t, treeDir,
		"net/core/dev.c", "int dev;\n", "net: fix the queue", "PATCH net")
	ft.series = []fakeSeries{{
		ID: 901, Name: "net: fix the queue", Date: "2025-08-28T10:30:00",
		Patches: []fakePatch{{ID: 501, Name: "[PATCH net] net: fix the queue"}},
	}}

	cfg := testConfig(t, treeDir)
	p, err := New(cfg, trackerClient(t, ft.srv))
	require.NoError(t, err)
	p.now = pinnedNow
	p.Start()

	require.NoError(t, p.RunOnce())
	assert.False(t, osutil.IsExist(filepath.Join(cfg.Dirs.Results, "901")))

	// The last patch arrives and the tracker emits a fresh event.
	ft.series[0].ReceivedAll = true
	ft.series[0].Date = "2025-08-28T11:15:00"
	require.NoError(t, p.RunOnce())
	require.NoError(t, p.Stop())

	assert.True(t, osutil.IsExist(filepath.Join(cfg.Dirs.Results, "901", ".tester_done")))
}

func TestPollerUnknownTree(t *testing.T) {
	treeDir := makeRepo(t)
	ft := newFakeTracker(t)
	ft.mboxes[501] = formatPatch(t, treeDir,
		"net/core/dev.c", "int dev;\n", "bpf: fix the verifier", "PATCH bpf")
	ft.series = []fakeSeries{{
		ID: 903, Name: "bpf: fix the verifier", Date: "2025-08-28T10:45:00",
		ReceivedAll: true,
		Patches:     []fakePatch{{ID: 501, Name: "[PATCH bpf] bpf: fix the verifier"}},
	}}

	cfg := testConfig(t, treeDir)
	p, err := New(cfg, trackerClient(t, ft.srv))
	require.NoError(t, err)
	// The selector knows the bpf designation but no bpf tree is
	// configured locally.
	p.sel.Names = append(p.sel.Names, "bpf")
	p.now = pinnedNow
	p.Start()
	require.NoError(t, p.RunOnce())
	require.NoError(t, p.Stop())

	// Known name, no local tree: the series is left alone entirely.
	assert.False(t, osutil.IsExist(filepath.Join(cfg.Dirs.Results, "903")))
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trees:
  - name: net
    dir: /trees/net
    remote: origin
selector:
  current: net
  next: net-next
`), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "results", cfg.Dirs.Results)
	assert.Equal(t, "poller.state", cfg.StatePath)
	require.Len(t, cfg.Trees, 1)
	assert.Equal(t, "origin", cfg.Trees[0].Remote)

	require.NoError(t, os.WriteFile(path, []byte("selector:\n  current: net\n"), 0644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}
