// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
)

// BranchInfo is one entry of the brancher's branches manifest.
type BranchInfo struct {
	Branch string    `json:"branch"`
	Date   time.Time `json:"date"`
	Base   string    `json:"base,omitempty"`
	URL    string    `json:"url,omitempty"`
}

// RunInfo carries per-run metadata between the fetcher and the test
// callback. The callback fills in Link.
type RunInfo struct {
	Cookie string
	Link   string
}

// Callback runs the tests for one branch and returns the cases.
type Callback func(binfo *BranchInfo, rinfo *RunInfo) ([]Case, error)

// manifestEntry is one row of results.json. URL is nil while the run
// is in flight, which is how the collector knows to show it pending.
type manifestEntry struct {
	URL      *string `json:"url"`
	Branch   string  `json:"branch"`
	Executor string  `json:"executor"`
}

type runResult struct {
	Executor string    `json:"executor"`
	Branch   string    `json:"branch"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Results  []Case    `json:"results"`
	Link     string    `json:"link,omitempty"`
}

// FetcherConfig wires a Fetcher to one executor.
type FetcherConfig struct {
	Name        string
	BranchesURL string
	ResultsPath string
	URLPath     string
	TreePath    string
	PatchesPath string
	// FirstRun is one of "continue" (resume from the manifest,
	// default), "force" (run the newest branch) or "next" (wait for a
	// branch newer than now).
	FirstRun string
}

// Fetcher polls the branches manifest and runs the callback on every
// branch it has not tested yet.
type Fetcher struct {
	cfg      FetcherConfig
	cb       Callback
	life     *lifetime.Lifetime
	manifest string
	lastDate time.Time
}

func NewFetcher(cb Callback, life *lifetime.Lifetime, cfg FetcherConfig) *Fetcher {
	f := &Fetcher{
		cfg:      cfg,
		cb:       cb,
		life:     life,
		manifest: filepath.Join(cfg.ResultsPath, "results.json"),
		// Old enough that the newest branch always qualifies.
		lastDate: time.Now().UTC().Add(-7 * 24 * time.Hour),
	}
	switch cfg.FirstRun {
	case "force":
	case "next":
		// Unless there's a crazy race or time error this will skip
		// the newest branch.
		f.lastDate = time.Now().UTC()
	default: // continue
		f.resumeLastDate()
	}
	return f
}

// resumeLastDate recovers the date of the newest branch this executor
// already has results for.
func (f *Fetcher) resumeLastDate() {
	branches, err := f.getBranches()
	if err != nil {
		log.Logf(0, "failed to fetch branches: %v", err)
		return
	}
	branchDate := make(map[string]time.Time)
	for _, b := range branches {
		branchDate[b.Branch] = b.Date
	}
	var manifest []manifestEntry
	if err := osutil.ReadJSON(f.manifest, &manifest); err != nil {
		return
	}
	for _, entry := range manifest {
		if entry.URL == nil || *entry.URL == "" {
			continue
		}
		if date, ok := branchDate[entry.Branch]; ok && date.After(f.lastDate) {
			f.lastDate = date
		}
	}
	log.Logf(0, "last run date: %v", f.lastDate)
}

func (f *Fetcher) getBranches() ([]BranchInfo, error) {
	resp, err := http.Get(f.cfg.BranchesURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("branches fetch failed: %v", resp.Status)
	}
	var branches []BranchInfo
	if err := json.NewDecoder(resp.Body).Decode(&branches); err != nil {
		return nil, err
	}
	return branches, nil
}

// resultSet records the branch in the manifest. Empty url marks the
// run as in flight.
func (f *Fetcher) resultSet(branch, url string) error {
	var manifest []manifestEntry
	if err := osutil.ReadJSON(f.manifest, &manifest); err != nil && !os.IsNotExist(err) {
		return err
	}
	var urlp *string
	if url != "" {
		urlp = &url
	}
	found := false
	for i := range manifest {
		if manifest[i].Branch == branch {
			manifest[i].URL = urlp
			found = true
			break
		}
	}
	if !found {
		manifest = append(manifest, manifestEntry{URL: urlp, Branch: branch, Executor: f.cfg.Name})
	}
	return osutil.WriteJSON(f.manifest, manifest)
}

func (f *Fetcher) runTest(binfo *BranchInfo) error {
	if err := f.resultSet(binfo.Branch, ""); err != nil {
		return err
	}

	start := time.Now().UTC()
	cookie := uuid.NewString()
	rinfo := &RunInfo{Cookie: cookie}
	results, err := f.cb(binfo, rinfo)
	if err != nil {
		return err
	}

	fileName := "results-" + cookie + ".json"
	entry := runResult{
		Executor: f.cfg.Name,
		Branch:   binfo.Branch,
		Start:    start,
		End:      time.Now().UTC(),
		Results:  results,
		Link:     rinfo.Link,
	}
	if err := osutil.WriteJSON(filepath.Join(f.cfg.ResultsPath, fileName), &entry); err != nil {
		return err
	}
	return f.resultSet(binfo.Branch, f.cfg.URLPath+"/"+fileName)
}

func (f *Fetcher) git(args ...string) ([]byte, error) {
	return osutil.RunCmd(time.Hour, f.cfg.TreePath, "git", args...)
}

// cleanOldBranches removes local branches that exist in the manifest
// but are not the one being tested. Old integration branches pile up
// otherwise.
func (f *Fetcher) cleanOldBranches(branches []BranchInfo, current string) {
	out, err := f.git("branch", "--format=%(refname:short)")
	if err != nil {
		return
	}
	existing := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			existing[line] = true
		}
	}
	for _, b := range branches {
		if existing[b.Branch] && b.Branch != current {
			f.git("branch", "-D", b.Branch)
		}
	}
}

// RunOnce tests the newest branch we have not seen yet, if any.
func (f *Fetcher) RunOnce() error {
	branches, err := f.getBranches()
	if err != nil {
		return err
	}

	var toTest *BranchInfo
	newest := f.lastDate
	for i := range branches {
		if branches[i].Date.After(newest) {
			newest = branches[i].Date
			toTest = &branches[i]
		}
	}
	if toTest == nil {
		log.Logf(1, "nothing to test, prev: %v", f.lastDate)
		return nil
	}
	log.Logf(0, "testing %v", toTest.Branch)
	f.lastDate = newest

	if f.cfg.PatchesPath != "" {
		f.git("restore", ".")
	}
	// Assume the branch URL is in one of the remotes.
	f.git("fetch", "--all", "--prune")
	if _, err := f.git("checkout", toTest.Branch); err != nil {
		return err
	}
	if f.cfg.PatchesPath != "" {
		entries, err := os.ReadDir(f.cfg.PatchesPath)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := f.git("apply", "-v", filepath.Join(f.cfg.PatchesPath, name)); err != nil {
				log.Logf(0, "failed to apply local patch %v: %v", name, err)
			}
		}
	}
	f.cleanOldBranches(branches, toTest.Branch)
	return f.runTest(toTest)
}

// Run polls until the lifetime says stop.
func (f *Fetcher) Run() {
	for f.life.NextPoll() {
		if err := f.RunOnce(); err != nil {
			log.Logf(0, "run failed: %v", err)
		}
	}
}
