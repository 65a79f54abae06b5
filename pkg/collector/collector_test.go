// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package collector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/rowstore"
)

func memStore(t *testing.T) *rowstore.Store {
	t.Helper()
	store, err := rowstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestResultFlatten(t *testing.T) {
	run := &Run{
		Results: []*TestResult{
			{Group: "g", Test: "t1", Result: "PASS"},
			{Group: "g", Test: "t2", Result: "fail", Results: []*SubResult{
				{Test: "sub", Result: "pass"},
			}},
		},
	}
	flat := resultFlatten(run)
	require.Len(t, flat, 3)
	assert.Equal(t, rowstore.TestKey{Group: "g", Test: "t1"}, flat[0].key)
	assert.True(t, flat[0].pass)
	assert.Equal(t, rowstore.TestKey{Group: "g", Test: "t2"}, flat[1].key)
	assert.False(t, flat[1].pass)
	assert.Equal(t, rowstore.TestKey{Group: "g", Test: "t2", Subtest: "sub"}, flat[2].key)
	assert.True(t, flat[2].pass)
}

func TestApplyStabilityUnstableSubtest(t *testing.T) {
	store := memStore(t)
	require.NoError(t, store.InsertStability("remote1", "vmksft-net",
		rowstore.TestKey{Group: "net", Test: "ping", Subtest: "b"}, true))
	col := &Collector{store: store}

	run := &Run{
		Remote:   "remote1",
		Executor: "vmksft-net",
		Results: []*TestResult{{
			Group: "net", Test: "ping", Result: "fail", Retry: "fail",
			Results: []*SubResult{
				{Test: "a", Result: "pass", Retry: "pass"},
				{Test: "b", Result: "fail", Retry: "fail"},
			},
		}},
	}
	require.NoError(t, col.applyStability(run, make(unstableCache)))

	require.Len(t, run.Results, 1)
	test := run.Results[0]
	require.Len(t, test.Results, 1)
	assert.Equal(t, "a", test.Results[0].Test)
	// All failing subtests were unstable, so the L1 verdicts flip.
	assert.Equal(t, "pass", test.Result)
	assert.Equal(t, "pass", test.Retry)
}

func TestApplyStabilityCrashesExempt(t *testing.T) {
	store := memStore(t)
	require.NoError(t, store.InsertStability("remote1", "vmksft-net",
		rowstore.TestKey{Group: "net", Test: "flaky"}, true))
	col := &Collector{store: store}

	run := &Run{
		Remote:   "remote1",
		Executor: "vmksft-net",
		Results: []*TestResult{
			{Group: "net", Test: "flaky", Result: "fail",
				Crashes: []string{"a:b:c"}},
			{Group: "net", Test: "flaky", Result: "fail"},
		},
	}
	require.NoError(t, col.applyStability(run, make(unstableCache)))

	// The crashing instance must always be reported, the plain one is
	// filtered.
	require.Len(t, run.Results, 1)
	assert.NotEmpty(t, run.Results[0].Crashes)
}

func TestApplyStabilityWip(t *testing.T) {
	col := &Collector{store: memStore(t)}
	run := &Run{Remote: "remote1", Executor: "vmksft-net"}
	require.NoError(t, col.applyStability(run, make(unstableCache)))
	assert.Nil(t, run.Results)
}

func run1(result string) *Run {
	return &Run{
		Branch:   "net-next-2025-08-28--09-00",
		Remote:   "remote1",
		Executor: "vmksft-net",
		Results: []*TestResult{
			{Group: "net", Test: "ping", Result: result},
		},
	}
}

func TestUpdateStabilityCounters(t *testing.T) {
	store := memStore(t)
	col := &Collector{store: store}
	key := rowstore.TestKey{Group: "net", Test: "ping"}

	require.NoError(t, col.updateStability(run1("pass")))
	stb, err := store.GetStability("remote1", "vmksft-net", key)
	require.NoError(t, err)
	require.True(t, stb.Exists)
	assert.Equal(t, 1, stb.PassCnt)
	assert.Equal(t, 1, stb.PassCur)
	assert.Equal(t, 1, stb.PassSrk)
	assert.Zero(t, stb.FailCnt)

	require.NoError(t, col.updateStability(run1("fail")))
	stb, err = store.GetStability("remote1", "vmksft-net", key)
	require.NoError(t, err)
	assert.Equal(t, 1, stb.PassCnt)
	assert.Zero(t, stb.PassCur)
	assert.Equal(t, 1, stb.PassSrk)
	assert.Equal(t, 1, stb.FailCnt)
	assert.Equal(t, 1, stb.FailCur)
	assert.Empty(t, stb.Passing)

	for i := 0; i < stabilityPassingRuns+1; i++ {
		require.NoError(t, col.updateStability(run1("pass")))
		stb, err = store.GetStability("remote1", "vmksft-net", key)
		require.NoError(t, err)
		// One of the streaks is always dormant.
		assert.Zero(t, stb.PassCur*stb.FailCur)
		assert.GreaterOrEqual(t, stb.PassSrk, stb.PassCur)
	}
	assert.Equal(t, stabilityPassingRuns+1, stb.PassCur)
	assert.NotEmpty(t, stb.Passing)
}

func TestUpdateStabilityAutoignore(t *testing.T) {
	store := memStore(t)
	col := &Collector{store: store}

	run := run1("fail")
	run.Device = json.RawMessage(`{"driver": "mlx5"}`)
	require.NoError(t, col.updateStability(run))

	unstable, err := store.GetUnstable("remote1", "vmksft-net")
	require.NoError(t, err)
	assert.True(t, unstable[rowstore.TestKey{Group: "net", Test: "ping"}])

	// Software runners are not auto-ignored.
	sw := run1("fail")
	sw.Remote = "remote2"
	require.NoError(t, col.updateStability(sw))
	unstable, err = store.GetUnstable("remote2", "vmksft-net")
	require.NoError(t, err)
	assert.Empty(t, unstable)
}

func TestUpdateDeviceInfoDedup(t *testing.T) {
	store := memStore(t)
	col := &Collector{store: store}

	run := run1("pass")
	run.Start = "2025-08-28T09:10:00"
	run.Device = json.RawMessage(`{"driver": "mlx5", "fw": "1.0"}`)
	require.NoError(t, col.updateDeviceInfo(run))
	// Same content, different formatting: no new row.
	run.Device = json.RawMessage(`{"fw":"1.0","driver":"mlx5"}`)
	require.NoError(t, col.updateDeviceInfo(run))
	first, err := store.LastDeviceInfo("remote1", "vmksft-net")
	require.NoError(t, err)

	run.Start = "2025-08-29T09:10:00"
	run.Device = json.RawMessage(`{"driver": "mlx5", "fw": "2.0"}`)
	require.NoError(t, col.updateDeviceInfo(run))
	second, err := store.LastDeviceInfo("remote1", "vmksft-net")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "2.0")
}

func TestJSONSplit(t *testing.T) {
	store := memStore(t)
	require.NoError(t, store.InsertStability("remote1", "vmksft-net",
		rowstore.TestKey{Group: "net", Test: "ping", Subtest: "bad"}, true))
	col := &Collector{store: store}

	run := &Run{
		Branch:   "net-next-2025-08-28--09-00",
		Remote:   "remote1",
		Executor: "vmksft-net",
		Results: []*TestResult{{
			Group: "net", Test: "ping", Result: "fail",
			Results: []*SubResult{
				{Test: "ok", Result: "pass"},
				{Test: "bad", Result: "fail"},
			},
		}},
	}
	wire, err := json.Marshal(run)
	require.NoError(t, err)

	normal, full, err := col.jsonSplit(run)
	require.NoError(t, err)

	var norm Run
	require.NoError(t, json.Unmarshal([]byte(normal), &norm))
	require.Len(t, norm.Results, 1)
	assert.Equal(t, "pass", norm.Results[0].Result)
	assert.Empty(t, norm.Results[0].Results)

	// The archived payload is the pre-filter run, byte for byte.
	require.NotEmpty(t, full)
	plain, err := XzDecompress(full)
	require.NoError(t, err)
	assert.Equal(t, wire, plain)
}

func TestJSONSplitUnchanged(t *testing.T) {
	col := &Collector{store: memStore(t)}

	run := run1("pass")
	normal, full, err := col.jsonSplit(run)
	require.NoError(t, err)
	assert.Empty(t, full)
	assert.Contains(t, normal, `"ping"`)

	wip := &Run{Branch: "b", Remote: "remote1", Executor: "vmksft-net"}
	normal, full, err = col.jsonSplit(wip)
	require.NoError(t, err)
	assert.Empty(t, full)
	assert.Contains(t, normal, `"results":null`)
}

func TestCollectorRunOnce(t *testing.T) {
	finished := "net-next-2025-08-28--09-00"
	pending := "net-next-2025-08-28--12-00"

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	runURL := srv.URL + "/results-abc.json"
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ManifestEntry{
			{URL: &runURL, Branch: finished, Executor: "vmksft-net"},
			{URL: nil, Branch: pending, Executor: "vmksft-net"},
		})
	})
	mux.HandleFunc("/results-abc.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&Run{
			Branch:   finished,
			Executor: "vmksft-net",
			Start:    "2025-08-28T09:10:00",
			End:      "2025-08-28T10:40:00",
			Results: []*TestResult{
				{Group: "net", Test: "ping", Result: "pass"},
			},
		})
	})
	mux.HandleFunc("/branches", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"branch": pending, "date": "2025-08-28T12:00:00"},
		})
	})

	dir := t.TempDir()
	remoteDB := filepath.Join(dir, "remotes.json")
	require.NoError(t, osutil.WriteJSON(remoteDB, []Remote{
		{Name: "rem1", URL: srv.URL + "/manifest"},
	}))

	cfg := new(Config)
	cfg.Input.RemoteDB = remoteDB
	cfg.Input.BranchURL = srv.URL + "/branches"
	cfg.Output.Dir = filepath.Join(dir, "out")
	cfg.Output.Combined = filepath.Join(dir, "combined.json")

	store := memStore(t)
	col, err := New(cfg, store, nil)
	require.NoError(t, err)
	require.NoError(t, col.RunOnce())

	// The run and the manifest got mirrored locally.
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "rem1", "results-abc.json"))
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "rem1", "results.json"))

	res, err := store.GetResult(rowstore.Run{Branch: finished, Remote: "rem1", Executor: "vmksft-net"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "2025-08-28--09-00", res.BranchDate)
	assert.Contains(t, res.Normal, `"ping"`)

	wip, err := store.HasWip(rowstore.Run{Branch: pending, Remote: "rem1", Executor: "vmksft-net"})
	require.NoError(t, err)
	assert.True(t, wip)

	stb, err := store.GetStability("rem1", "vmksft-net", rowstore.TestKey{Group: "net", Test: "ping"})
	require.NoError(t, err)
	require.True(t, stb.Exists)
	assert.Equal(t, 1, stb.PassCnt)

	var combined []*Run
	require.NoError(t, osutil.ReadJSON(cfg.Output.Combined, &combined))
	require.Len(t, combined, 2)
	for _, run := range combined {
		assert.Equal(t, "rem1", run.Remote)
		if run.Branch == pending {
			assert.Nil(t, run.Results)
			assert.Equal(t, "2025-08-28T12:00:00Z", run.Start)
			assert.Equal(t, "2025-08-28T14:58:00Z", run.End)
		} else {
			require.Len(t, run.Results, 1)
		}
	}

	// A second tick must not re-ingest anything.
	require.NoError(t, col.RunOnce())
	stb, err = store.GetStability("rem1", "vmksft-net", rowstore.TestKey{Group: "net", Test: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, stb.PassCnt)
}
