// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package collector ingests run results from the remote executors,
// maintains per-test stability counters and publishes the combined
// view the dashboards read.
package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/ulikunitz/xz"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/rowstore"
	"github.com/linux-netdev/nipa-go/pkg/stat"
)

var statIngested = stat.New("runs ingested", "Finished runs persisted to the row store",
	stat.Prometheus("nipa_collector_runs_ingested"))

type Config struct {
	RefreshSeconds int `yaml:"refresh"`
	Input          struct {
		RemoteDB  string `yaml:"remote_db"`
		BranchURL string `yaml:"branch_url"`
	} `yaml:"input"`
	Output struct {
		Dir      string `yaml:"dir"`
		URLPfx   string `yaml:"url_pfx"`
		Combined string `yaml:"combined"`
	} `yaml:"output"`
	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Remote is one executor endpoint from the remote_db file.
type Remote struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ManifestEntry is one row of a remote's results.json. URL is null
// while the run is still executing.
type ManifestEntry struct {
	URL      *string `json:"url"`
	Branch   string  `json:"branch"`
	Executor string  `json:"executor"`
}

// SubResult is a second-level (subtest) case within a test.
type SubResult struct {
	Test   string `json:"test"`
	Result string `json:"result"`
	Retry  string `json:"retry,omitempty"`
	Link   string `json:"link,omitempty"`
}

// TestResult is one first-level case of a run.
type TestResult struct {
	Group   string       `json:"group"`
	Test    string       `json:"test"`
	Result  string       `json:"result"`
	Link    string       `json:"link,omitempty"`
	Retry   string       `json:"retry,omitempty"`
	Crashes []string     `json:"crashes,omitempty"`
	Results []*SubResult `json:"results,omitempty"`
}

// Run is one run payload, either fetched from a remote or synthesized
// for a branch the executor is still working on (Results == nil).
type Run struct {
	Branch   string          `json:"branch"`
	Remote   string          `json:"remote,omitempty"`
	Executor string          `json:"executor"`
	Start    string          `json:"start,omitempty"`
	End      string          `json:"end,omitempty"`
	Results  []*TestResult   `json:"results"`
	Link     string          `json:"link,omitempty"`
	Device   json.RawMessage `json:"device,omitempty"`
}

type remoteState struct {
	dir  string
	seen map[string]bool
	wip  map[string]bool
}

type Collector struct {
	cfg     *Config
	store   *rowstore.Store
	life    *lifetime.Lifetime
	remotes []Remote
	seen    map[string]*remoteState
	// fetched really means "combined view needs a rebuild".
	fetched bool
}

func New(cfg *Config, store *rowstore.Store, life *lifetime.Lifetime) (*Collector, error) {
	var remotes []Remote
	if err := osutil.ReadJSON(cfg.Input.RemoteDB, &remotes); err != nil {
		return nil, fmt.Errorf("failed to load remote db: %w", err)
	}
	return &Collector{
		cfg:     cfg,
		store:   store,
		life:    life,
		remotes: remotes,
		fetched: true,
	}, nil
}

func httpJSON(url string, v interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %v: %v", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON at %v: %w", url, err)
	}
	return nil
}

// buildSeen scans the local mirror directories to recover which runs
// have already been ingested.
func (col *Collector) buildSeen() error {
	col.seen = make(map[string]*remoteState)
	for _, remote := range col.remotes {
		state := &remoteState{
			dir:  filepath.Join(col.cfg.Output.Dir, remote.Name),
			seen: make(map[string]bool),
			wip:  make(map[string]bool),
		}
		col.seen[remote.Name] = state
		if err := osutil.MkdirAll(state.dir); err != nil {
			return err
		}

		var manifest []ManifestEntry
		err := osutil.ReadJSON(filepath.Join(state.dir, "results.json"), &manifest)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return err
		}
		for _, entry := range manifest {
			if entry.URL == nil || *entry.URL == "" {
				state.wip[entry.Branch] = true
				continue
			}
			if osutil.IsExist(filepath.Join(state.dir, filepath.Base(*entry.URL))) {
				state.seen[entry.Branch] = true
			}
		}
	}
	return nil
}

// branchSuffix is the timestamp part of a branch name, used as the
// sortable branch_date column.
func branchSuffix(branch string) string {
	if len(branch) <= 17 {
		return branch
	}
	return branch[len(branch)-17:]
}

func (col *Collector) insertWip(remote Remote, entry ManifestEntry) error {
	info, err := col.store.BranchInfo(entry.Branch)
	if err != nil {
		return err
	}
	var branchInfo struct {
		Date string `json:"date"`
	}
	if info != "" {
		if err := json.Unmarshal([]byte(info), &branchInfo); err != nil {
			return err
		}
	}
	run := rowstore.Run{Branch: entry.Branch, Remote: remote.Name, Executor: entry.Executor}
	return col.store.InsertWip(run, branchSuffix(entry.Branch), branchInfo.Date)
}

// flatRow is one flattened test outcome for the stability update.
type flatRow struct {
	key  rowstore.TestKey
	pass bool
}

func resultFlatten(run *Run) []flatRow {
	var flat []flatRow
	for _, test := range run.Results {
		key := rowstore.TestKey{Group: test.Group, Test: test.Test}
		flat = append(flat, flatRow{key: key, pass: isPass(test.Result)})
		for _, sub := range test.Results {
			key.Subtest = sub.Test
			flat = append(flat, flatRow{key: key, pass: isPass(sub.Result)})
		}
	}
	return flat
}

func isPass(result string) bool {
	return strings.EqualFold(result, "pass")
}

// stabilityPassingRuns is how many consecutive passes a test needs to
// reach before it is considered stable: 5 clean days for hardware
// runners testing ~3 branches a day.
const stabilityPassingRuns = 15

func (col *Collector) updateStability(run *Run) error {
	autoignore := len(run.Device) != 0
	now := time.Now().UTC()

	for _, row := range resultFlatten(run) {
		stb, err := col.store.GetStability(run.Remote, run.Executor, row.key)
		if err != nil {
			return err
		}
		if !stb.Exists {
			if err := col.store.InsertStability(run.Remote, run.Executor, row.key, autoignore); err != nil {
				return err
			}
		}
		if row.pass {
			stb.FailCur = 0
			stb.PassCnt++
			stb.PassCur++
			stb.PassSrk = max(stb.PassSrk, stb.PassCur)
		} else {
			stb.PassCur = 0
			stb.FailCnt++
			stb.FailCur++
			stb.FailSrk = max(stb.FailSrk, stb.FailCur)
		}
		if stb.PassCur > stabilityPassingRuns && stb.Passing == "" {
			log.Logf(0, "test reached stability: %v %v %v", run.Remote, row.key.Test, row.key.Subtest)
			stb.Passing = now.Format(time.RFC3339)
		}
		if err := col.store.UpdateStability(run.Remote, run.Executor, row.key, stb, now); err != nil {
			return err
		}
	}
	return nil
}

// canonicalDevice renders the device payload in a stable form so the
// history dedup does not depend on remote-side formatting.
func canonicalDevice(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (col *Collector) updateDeviceInfo(run *Run) error {
	if len(run.Device) == 0 {
		return nil
	}
	newInfo, err := canonicalDevice(run.Device)
	if err != nil {
		return err
	}
	oldInfo, err := col.store.LastDeviceInfo(run.Remote, run.Executor)
	if err != nil {
		return err
	}
	if oldInfo == newInfo {
		return nil
	}
	if oldInfo != "" {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(oldInfo, newInfo, false)
		log.Logf(0, "device info changed for %v/%v:\n%v",
			run.Remote, run.Executor, dmp.DiffPrettyText(diffs))
	}
	return col.store.InsertDeviceInfo(run.Remote, run.Executor, run.Start, newInfo)
}

// unstableCache caches the unstable-test sets per remote/executor for
// one combined-view build.
type unstableCache map[string]map[rowstore.TestKey]bool

func (col *Collector) unstableFor(cache unstableCache, run *Run) (map[rowstore.TestKey]bool, error) {
	cacheKey := run.Remote + "/" + run.Executor
	if set, ok := cache[cacheKey]; ok {
		return set, nil
	}
	set, err := col.store.GetUnstable(run.Remote, run.Executor)
	if err != nil {
		return nil, err
	}
	cache[cacheKey] = set
	return set, nil
}

// applyStability removes tests that have not reached stability from
// the run. Crashes are always reported. If the filtering removes all
// failing subtests of a test, the test (and its retry outcome) is
// rewritten to pass.
func (col *Collector) applyStability(run *Run, cache unstableCache) error {
	if run.Results == nil {
		return nil
	}
	unstable, err := col.unstableFor(cache, run)
	if err != nil {
		return err
	}
	// Non-HW runners have full stability, usually.
	if len(unstable) == 0 {
		return nil
	}

	var kept []*TestResult
	for _, test := range run.Results {
		key := rowstore.TestKey{Group: test.Group, Test: test.Test}
		if len(test.Results) == 0 {
			if len(test.Crashes) == 0 && unstable[key] {
				continue
			}
			kept = append(kept, test)
			continue
		}
		if len(test.Crashes) != 0 {
			kept = append(kept, test)
			continue
		}

		var subs []*SubResult
		for _, sub := range test.Results {
			key.Subtest = sub.Test
			if !unstable[key] {
				subs = append(subs, sub)
			}
		}
		if len(subs) == 0 {
			continue
		}
		test.Results = subs

		if !isPass(test.Result) && allPass(subs, func(sub *SubResult) string { return sub.Result }) {
			test.Result = "pass"
		}
		if test.Retry != "" && !isPass(test.Retry) &&
			allPass(subs, func(sub *SubResult) string {
				if sub.Retry == "" {
					return "fail"
				}
				return sub.Retry
			}) {
			test.Retry = "pass"
		}
		kept = append(kept, test)
	}
	run.Results = kept
	return nil
}

func allPass(subs []*SubResult, result func(*SubResult) string) bool {
	for _, sub := range subs {
		if !isPass(result(sub)) {
			return false
		}
	}
	return true
}

func xzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// XzDecompress expands an archived full-run payload.
func XzDecompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// jsonSplit produces the published "normal" JSON (stability-filtered,
// subtests stripped) and, when filtering changed anything, the
// xz-archived full payload.
func (col *Collector) jsonSplit(run *Run) (string, []byte, error) {
	full, err := json.Marshal(run)
	if err != nil {
		return "", nil, err
	}
	if run.Results == nil {
		return string(full), nil, nil
	}

	trimmed := new(Run)
	if err := json.Unmarshal(full, trimmed); err != nil {
		return "", nil, err
	}
	if err := col.applyStability(trimmed, make(unstableCache)); err != nil {
		return "", nil, err
	}
	for _, test := range trimmed.Results {
		test.Results = nil
	}
	norm, err := json.Marshal(trimmed)
	if err != nil {
		return "", nil, err
	}
	if bytes.Equal(norm, full) {
		return string(full), nil, nil
	}
	archived, err := xzCompress(full)
	if err != nil {
		return "", nil, err
	}
	return string(norm), archived, nil
}

// ingest persists one finished run: stability counters, device-info
// history, then the result row (clearing any pending marker).
func (col *Collector) ingest(remote Remote, run *Run) error {
	run.Remote = remote.Name

	if err := col.updateStability(run); err != nil {
		return err
	}
	if err := col.updateDeviceInfo(run); err != nil {
		return err
	}
	if err := col.store.ClearWip(rowstore.Run{
		Branch: run.Branch, Remote: run.Remote, Executor: run.Executor,
	}); err != nil {
		return err
	}
	normal, full, err := col.jsonSplit(run)
	if err != nil {
		return err
	}
	statIngested.Add(1)
	return col.store.InsertResult(&rowstore.Result{
		Run:        rowstore.Run{Branch: run.Branch, Remote: run.Remote, Executor: run.Executor},
		BranchDate: branchSuffix(run.Branch),
		Start:      run.Start,
		End:        run.End,
		Normal:     normal,
		Full:       full,
	})
}

func (col *Collector) fetchRemoteRun(remote Remote, entry ManifestEntry, state *remoteState) bool {
	run := new(Run)
	if err := httpJSON(*entry.URL, run); err != nil {
		log.Logf(0, "failed to fetch run from %v: %v", remote.Name, err)
		return false
	}
	if err := col.ingest(remote, run); err != nil {
		log.Logf(0, "failed to ingest run %v from %v: %v", entry.Branch, remote.Name, err)
		return false
	}
	file := filepath.Join(state.dir, filepath.Base(*entry.URL))
	if err := osutil.WriteJSON(file, run); err != nil {
		log.Logf(0, "failed to mirror run %v: %v", entry.Branch, err)
		return false
	}
	return true
}

func (col *Collector) fetchRemote(remote Remote) {
	log.Logf(1, "fetching remote %v", remote.URL)
	var manifest []ManifestEntry
	if err := httpJSON(remote.URL, &manifest); err != nil {
		log.Logf(0, "failed to fetch manifest from %v: %v", remote.Name, err)
		return
	}
	state := col.seen[remote.Name]

	for _, entry := range manifest {
		if state.seen[entry.Branch] {
			continue
		}
		if entry.URL == nil || *entry.URL == "" {
			// Executor has not finished yet.
			if !state.wip[entry.Branch] {
				if err := col.insertWip(remote, entry); err != nil {
					log.Logf(0, "failed to insert pending row: %v", err)
					continue
				}
				col.fetched = true
			}
			continue
		}
		log.Logf(0, "fetching run %v from %v", entry.Branch, remote.Name)
		if col.fetchRemoteRun(remote, entry, state) {
			col.fetched = true
		}
	}

	if err := osutil.WriteJSON(filepath.Join(state.dir, "results.json"), manifest); err != nil {
		log.Logf(0, "failed to mirror manifest from %v: %v", remote.Name, err)
	}
}

// pendingWindow is how long after branch creation a still-running
// executor is presumed to finish, for the synthesized entries.
const pendingWindow = 2*time.Hour + 58*time.Minute

func parseBranchDate(date string) (time.Time, error) {
	when, err := time.Parse(time.RFC3339, date)
	if err != nil {
		when, err = time.Parse("2006-01-02T15:04:05", date)
	}
	return when, err
}

// buildCombined assembles the cross-remote view: every mirrored run
// plus synthesized pending entries, all stability-filtered.
func (col *Collector) buildCombined() ([]*Run, error) {
	var branches []struct {
		Branch string `json:"branch"`
		Date   string `json:"date"`
	}
	if err := httpJSON(col.cfg.Input.BranchURL, &branches); err != nil {
		return nil, err
	}
	branchDate := make(map[string]string)
	for _, br := range branches {
		branchDate[br.Branch] = br.Date
	}

	combined := []*Run{}
	for _, remote := range col.remotes {
		dir := filepath.Join(col.cfg.Output.Dir, remote.Name)
		log.Logf(1, "combining from remote %v", remote.Name)

		var manifest []ManifestEntry
		err := osutil.ReadJSON(filepath.Join(dir, "results.json"), &manifest)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, err
		}
		for _, entry := range manifest {
			run := new(Run)
			if entry.URL == nil || *entry.URL == "" {
				// Executor is still running.
				date, ok := branchDate[entry.Branch]
				if !ok {
					continue
				}
				when, err := parseBranchDate(date)
				if err != nil {
					return nil, err
				}
				run.Branch = entry.Branch
				run.Executor = entry.Executor
				run.Start = when.Format(time.RFC3339)
				run.End = when.Add(pendingWindow).Format(time.RFC3339)
			} else {
				file := filepath.Join(dir, filepath.Base(*entry.URL))
				if err := osutil.ReadJSON(file, run); err != nil {
					if os.IsNotExist(err) {
						log.Logf(0, "no file %v", file)
						continue
					}
					return nil, err
				}
			}
			run.Remote = remote.Name
			combined = append(combined, run)
		}
	}

	cache := make(unstableCache)
	for _, run := range combined {
		if err := col.applyStability(run, cache); err != nil {
			return nil, err
		}
	}
	return combined, nil
}

// RunOnce performs one collection tick.
func (col *Collector) RunOnce() error {
	if col.fetched {
		if err := col.buildSeen(); err != nil {
			return err
		}
		col.fetched = false
	}
	for _, remote := range col.remotes {
		col.fetchRemote(remote)
	}
	if col.fetched {
		log.Logf(0, "generating combined view")
		combined, err := col.buildCombined()
		if err != nil {
			return err
		}
		if err := osutil.WriteJSON(col.cfg.Output.Combined, combined); err != nil {
			return err
		}
	}
	return nil
}

// Run polls until the lifetime says stop.
func (col *Collector) Run() {
	for col.life.NextPoll() {
		if err := col.RunOnce(); err != nil {
			log.Logf(0, "collection tick failed: %v", err)
		}
	}
}
