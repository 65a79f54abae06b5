// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package brancher builds the rolling integration branches: every
// configured number of hours it stacks all gate-passing pending
// submissions on top of the upstream base, pushes the result and
// publishes the branches manifest the executors poll.
package brancher

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/rowstore"
	"github.com/linux-netdev/nipa-go/pkg/series"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

type Config struct {
	Filters struct {
		IgnoreDelegate []string `yaml:"ignore_delegate"`
		GateChecks     []string `yaml:"gate_checks"`
	} `yaml:"filters"`
	Target struct {
		PublicURL string   `yaml:"public_url"`
		PushURL   string   `yaml:"push_url"`
		BranchPfx string   `yaml:"branch_pfx"`
		FreqHours int      `yaml:"freq"`
		Pull      []string `yaml:"pull"`
	} `yaml:"target"`
	Local struct {
		Patches []string `yaml:"patches"`
	} `yaml:"local"`
	Tree struct {
		Name   string `yaml:"name"`
		Dir    string `yaml:"dir"`
		Remote string `yaml:"remote"`
		Branch string `yaml:"branch"`
	} `yaml:"tree"`
	Output struct {
		Branches string `yaml:"branches"`
		Info     string `yaml:"info"`
	} `yaml:"output"`
	StatePath string `yaml:"state_path"`
	DB        struct {
		Path string `yaml:"path"`
	} `yaml:"db"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "brancher.state"
	}
	return cfg, nil
}

// branchNameFormat puts the timestamp in the branch name; names sort
// chronologically.
const branchNameFormat = "2006-01-02--15-04"

// Details records what went into one integration branch.
type Details struct {
	BasePulls  map[string]string `json:"base-pulls"`
	Series     []int             `json:"series"`
	Prs        []int             `json:"prs"`
	Extras     []string          `json:"extras"`
	NewChanges bool              `json:"new-changes"`
}

// State is the brancher's persistent state, a public on-disk contract.
type State struct {
	// Last is the hour timestamp of the last completed pass.
	Last     int64               `json:"last"`
	Branches map[string]string   `json:"branches"`
	Hashes   map[string]string   `json:"hashes"`
	Info     map[string]*Details `json:"info"`
}

func loadState(path string) (*State, error) {
	state := new(State)
	err := osutil.ReadJSON(path, state)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if state.Branches == nil {
		state.Branches = make(map[string]string)
	}
	if state.Hashes == nil {
		state.Hashes = make(map[string]string)
	}
	if state.Info == nil {
		state.Info = make(map[string]*Details)
	}
	return state, nil
}

type Brancher struct {
	cfg       *Config
	pw        *patchwork.Client
	tree      *vcs.Tree
	store     *rowstore.Store
	state     *State
	tgtRemote string

	ignoreDelegate map[string]bool
	now            func() time.Time
}

func New(cfg *Config, pw *patchwork.Client, tree *vcs.Tree, store *rowstore.Store) (*Brancher, error) {
	state, err := loadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	b := &Brancher{
		cfg:            cfg,
		pw:             pw,
		tree:           tree,
		store:          store,
		state:          state,
		ignoreDelegate: make(map[string]bool),
		now:            time.Now,
	}
	for _, delegate := range cfg.Filters.IgnoreDelegate {
		b.ignoreDelegate[delegate] = true
	}
	b.tgtRemote, err = b.prepRemote()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// prepRemote finds (or adds) the remote pointing at the push URL.
func (b *Brancher) prepRemote() (string, error) {
	closer := log.OpenSection("prep remote")
	defer closer()
	remotes, err := b.tree.Remotes()
	if err != nil {
		return "", err
	}
	for name, urls := range remotes {
		if urls["push"] == b.cfg.Target.PushURL {
			log.Logf(1, "found remote, it is %v", name)
			return name, nil
		}
	}
	log.Logf(0, "remote not found, adding")
	if _, ok := remotes["brancher"]; ok {
		return "", errors.New("remote 'brancher' already exists with different URL")
	}
	if err := b.tree.AddRemote("brancher", b.cfg.Target.PushURL); err != nil {
		return "", err
	}
	return "brancher", nil
}

func hourTimestamp(when time.Time) int64 {
	return when.Unix() / 3600
}

// hasAllGateChecks reports whether every configured gate check exists
// on the patch with state success.
func (b *Brancher) hasAllGateChecks(patch *patchwork.Patch) (bool, error) {
	if patch.Checks == "" {
		return false, nil
	}
	checks, err := b.pw.ListChecks(patch)
	if err != nil {
		return false, err
	}
	found := make(map[string]bool)
	for _, check := range checks {
		for _, gate := range b.cfg.Filters.GateChecks {
			if check.Context == gate {
				found[gate] = check.State == "success"
			}
		}
	}
	for _, gate := range b.cfg.Filters.GateChecks {
		if !found[gate] {
			return false, nil
		}
	}
	return true, nil
}

// pendingPatches returns the action-required queue with the delegate
// and gate-check filters applied. A failing or missing gate on any
// patch drops its whole series.
func (b *Brancher) pendingPatches() ([]*patchwork.Patch, error) {
	closer := log.OpenSection("loading patches")
	all, err := b.pw.ListPatches(url.Values{
		"state":    {"new", "under-review"},
		"archived": {"false"},
	})
	closer()
	if err != nil {
		return nil, err
	}

	var afterDelegate []*patchwork.Patch
	for i := range all {
		patch := &all[i]
		if patch.Delegate != nil && b.ignoreDelegate[patch.Delegate.Username] {
			log.Logf(1, "skip because of delegate (%v): %v", patch.Delegate.Username, patch.Name)
			continue
		}
		afterDelegate = append(afterDelegate, patch)
	}

	skipSeries := make(map[int]bool)
	var afterChecks []*patchwork.Patch
	for _, patch := range afterDelegate {
		seriesID := patch.SeriesID()
		if seriesID != 0 && skipSeries[seriesID] {
			log.Logf(1, "skip because of failing/missing check elsewhere in the series: %v", patch.Name)
			continue
		}
		ok, err := b.hasAllGateChecks(patch)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Logf(1, "skip because of failing/missing check: %v", patch.Name)
			if seriesID != 0 {
				skipSeries[seriesID] = true
			}
			continue
		}
		afterChecks = append(afterChecks, patch)
	}

	// A later patch may have poisoned a series whose earlier patches
	// already passed, filter once more.
	var res []*patchwork.Patch
	for _, patch := range afterChecks {
		if skipSeries[patch.SeriesID()] {
			log.Logf(1, "skip because of failing check elsewhere in the series: %v", patch.Name)
			continue
		}
		res = append(res, patch)
	}
	return res, nil
}

// applyPending stacks the filtered queue onto the tree: pull requests
// are pulled, series are applied from their mbox. Failures roll the
// tree back and are dropped silently.
func (b *Brancher) applyPending() (appliedSeries, appliedPrs []int, err error) {
	pending, err := b.pendingPatches()
	if err != nil {
		return nil, nil, err
	}
	log.Logf(0, "have %v pending things from the tracker", len(pending))

	seenSeries := make(map[int]bool)
	for _, patch := range pending {
		seriesID := patch.SeriesID()
		if seriesID != 0 && seenSeries[seriesID] {
			continue
		}
		if patch.PullURL != "" {
			closer := log.OpenSection("pulling: %v", patch.Name)
			if err := b.tree.Pull(patch.PullURL, false, false); err == nil {
				appliedPrs = append(appliedPrs, patch.ID)
			}
			closer()
			continue
		}
		if seriesID == 0 {
			continue
		}
		seenSeries[seriesID] = true
		closer := log.OpenSection("applying: %v", patch.Series[0].Name)
		mbox, err := b.pw.GetMboxDirect(patch.Series[0].Mbox)
		if err != nil {
			closer()
			return nil, nil, err
		}
		if err := b.tree.Apply(series.NewPatch(mbox, seriesID)); err == nil {
			appliedSeries = append(appliedSeries, seriesID)
		}
		closer()
	}
	return appliedSeries, appliedPrs, nil
}

// applyLocal applies the configured out-of-tree extras, same rollback
// discipline as the queue.
func (b *Brancher) applyLocal() ([]string, error) {
	var extras []string
	for _, path := range b.cfg.Local.Patches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		closer := log.OpenSection("applying: %v", path)
		if err := b.tree.Apply(series.NewPatch(string(data), 0)); err == nil {
			extras = append(extras, path)
		}
		closer()
	}
	return extras, nil
}

// newChanges compares HEAD against the pushed branch with the maximum
// strictly-earlier timestamp. True when there is no such branch or
// the trees differ.
func (b *Brancher) newChanges(name string) bool {
	prev := ""
	for other := range b.state.Info {
		if other < name && other > prev {
			prev = other
		}
	}
	if prev == "" {
		return true
	}
	return !b.tree.Identical("HEAD", "remotes/"+b.tgtRemote+"/"+prev)
}

func (b *Brancher) dbInsert(name string) error {
	details := b.state.Info[name]
	row := struct {
		Branch string `json:"branch"`
		Date   string `json:"date"`
		Base   string `json:"base"`
		URL    string `json:"url"`
		*Details
	}{
		Branch:  name,
		Date:    b.state.Branches[name],
		Base:    b.state.Hashes[name],
		URL:     b.cfg.Target.PublicURL + " " + name,
		Details: details,
	}
	info, err := json.Marshal(&row)
	if err != nil {
		return err
	}
	// The prefix usually carries a trailing separator.
	pfx := b.cfg.Target.BranchPfx
	if len(pfx) > 0 && pfx[len(pfx)-1] == '-' {
		pfx = pfx[:len(pfx)-1]
	}
	return b.store.InsertBranch(&rowstore.Branch{
		Branch: name,
		Stream: pfx,
		Date:   row.Date,
		Base:   row.Base,
		URL:    row.URL,
		Info:   string(info),
	})
}

func (b *Brancher) createNew() error {
	now := b.now().UTC()
	name := b.cfg.Target.BranchPfx + now.Format(branchNameFormat)

	closer := log.OpenSection("fetching latest base")
	err := b.tree.Reset(true)
	closer()
	if err != nil {
		return err
	}

	details := &Details{BasePulls: make(map[string]string)}
	b.state.Info[name] = details

	if len(b.cfg.Target.Pull) != 0 {
		closer := log.OpenSection("pulling in other trees")
		for _, url := range b.cfg.Target.Pull {
			outcome := "okay"
			if err := b.tree.Pull(url, false, false); err != nil {
				outcome = "resolved"
				if err := b.tree.Pull(url, false, true); err != nil {
					log.Logf(0, "PULL FAILED: %v", url)
					outcome = "fail"
				}
			}
			details.BasePulls[url] = outcome
		}
		closer()
	}

	hash, err := b.tree.HeadHash()
	if err != nil {
		return err
	}
	b.state.Hashes[name] = hash

	details.Series, details.Prs, err = b.applyPending()
	if err != nil {
		return err
	}
	details.Extras, err = b.applyLocal()
	if err != nil {
		return err
	}
	details.NewChanges = b.newChanges(name)
	b.state.Branches[name] = now.Format(time.RFC3339)

	if err := b.dbInsert(name); err != nil {
		return err
	}

	closer = log.OpenSection("pushing out")
	err = b.tree.Push(b.tgtRemote, "HEAD:"+name)
	closer()
	return err
}

func (b *Brancher) deleteBranchState(name string) {
	delete(b.state.Branches, name)
	delete(b.state.Hashes, name)
	delete(b.state.Info, name)
}

// branchRetention is how long pushed integration branches live.
const branchRetention = 5 * 24 * time.Hour

// reapOld deletes expired and unknown refs with our prefix from the
// target remote, and prunes state rows with no backing ref.
func (b *Brancher) reapOld() error {
	closer := log.OpenSection("clean up old branches")
	defer closer()
	now := b.now().UTC()
	pfx := b.cfg.Target.BranchPfx

	if err := b.tree.Fetch(b.tgtRemote); err != nil {
		return err
	}
	branches, err := b.tree.AllBranches()
	if err != nil {
		return err
	}
	remotePfx := "remotes/" + b.tgtRemote + "/"

	found := make(map[string]bool)
	for _, ref := range branches {
		if len(ref) != len(remotePfx+pfx+"2000-01-01--00-00") {
			// Our prefix may be a prefix of another brancher's.
			continue
		}
		if ref[:len(remotePfx+pfx)] != remotePfx+pfx {
			continue
		}
		name := ref[len(remotePfx):]
		found[name] = true
		date, known := b.state.Branches[name]
		if !known {
			b.tree.Push(b.tgtRemote, ":"+name)
			continue
		}
		when, err := time.Parse(time.RFC3339, date)
		if err != nil {
			return err
		}
		if now.Sub(when) > branchRetention {
			if err := b.tree.Push(b.tgtRemote, ":"+name); err != nil {
				return err
			}
			b.deleteBranchState(name)
		}
	}
	for name := range b.state.Branches {
		if !found[name] {
			log.Logf(0, "removing lost branch %v from state", name)
			b.deleteBranchState(name)
		}
	}
	return nil
}

// manifestEntry is one row of the public branches.json.
type manifestEntry struct {
	Branch string `json:"branch"`
	Date   string `json:"date"`
	Base   string `json:"base"`
	URL    string `json:"url"`
}

// dumpBranches writes the public manifests: branches.json ordered by
// time and the richer branches-info.json.
func (b *Brancher) dumpBranches() error {
	closer := log.OpenSection("update branches manifest")
	defer closer()

	names := make([]string, 0, len(b.state.Branches))
	for name := range b.state.Branches {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]manifestEntry, 0, len(names))
	for _, name := range names {
		data = append(data, manifestEntry{
			Branch: name,
			Date:   b.state.Branches[name],
			Base:   b.state.Hashes[name],
			URL:    b.cfg.Target.PublicURL + " " + name,
		})
	}
	if err := osutil.WriteJSON(b.cfg.Output.Branches, data); err != nil {
		return err
	}
	return osutil.WriteJSON(b.cfg.Output.Info, b.state.Info)
}

func (b *Brancher) saveState() error {
	return osutil.WriteJSON(b.cfg.StatePath, b.state)
}

// RunOnce performs a branching pass if the coarse clock says it is
// due: at most once per freq hours, and only on hour multiples of
// freq.
func (b *Brancher) RunOnce() error {
	nowH := hourTimestamp(b.now().UTC())
	freq := int64(b.cfg.Target.FreqHours)
	if nowH-b.state.Last < freq || nowH%freq != 0 {
		return nil
	}

	if err := b.reapOld(); err != nil {
		return err
	}
	if err := b.createNew(); err != nil {
		return err
	}
	b.state.Last = nowH

	if err := b.dumpBranches(); err != nil {
		return err
	}
	return b.saveState()
}
