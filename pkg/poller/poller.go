// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package poller drives the ingestion pipeline: it polls the tracker
// for freshly completed series, reconstructs them, routes each one to
// a tree through the selector and hands it to that tree's tester.
package poller

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/check"
	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/netdev"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/series"
	"github.com/linux-netdev/nipa-go/pkg/stat"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

var (
	statProcessed = stat.New("series processed", "Series routed to a tree and tested",
		stat.Prometheus("nipa_poller_series_processed"))
	statUnrouted = stat.New("series unrouted", "Series with no target tree",
		stat.Prometheus("nipa_poller_series_unrouted"))
)

type TreeConfig struct {
	Name   string `yaml:"name"`
	Dir    string `yaml:"dir"`
	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`
}

type Config struct {
	Dirs struct {
		Results string `yaml:"results"`
		Tests   string `yaml:"tests"`
	} `yaml:"dirs"`
	// Trees in match order, most specific name first.
	Trees    []TreeConfig `yaml:"trees"`
	Selector struct {
		Current string `yaml:"current"`
		Next    string `yaml:"next"`
	} `yaml:"selector"`
	StatePath string `yaml:"state_path"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Dirs.Results == "" {
		cfg.Dirs.Results = "results"
	}
	if cfg.Dirs.Tests == "" {
		cfg.Dirs.Tests = "tests"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "poller.state"
	}
	if len(cfg.Trees) == 0 {
		return nil, fmt.Errorf("config %v: no trees configured", path)
	}
	return cfg, nil
}

// State is the poller's persistent cursor, a public on-disk contract.
type State struct {
	LastPoll int64 `json:"last_poll"`
	LastID   int   `json:"last_id"`
}

// trackerTimeFormats lists the timestamp layouts the tracker emits.
var trackerTimeFormats = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseTrackerTime(value string) (time.Time, error) {
	for _, format := range trackerTimeFormats {
		if ts, err := time.Parse(format, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable tracker timestamp %q", value)
}

// queueDepth bounds how far polling can run ahead of the testers.
const queueDepth = 128

type Poller struct {
	cfg     *Config
	pw      *patchwork.Client
	sel     *netdev.Selector
	testers map[string]*check.Tester
	queues  map[string]chan *series.Series
	state   *State
	// seen dedups series across overlapping polls; the on-disk done
	// marker covers restarts.
	seen map[int]bool
	wg   sync.WaitGroup

	now func() time.Time
}

func New(cfg *Config, pw *patchwork.Client) (*Poller, error) {
	p := &Poller{
		cfg:     cfg,
		pw:      pw,
		testers: make(map[string]*check.Tester),
		queues:  make(map[string]chan *series.Series),
		state:   new(State),
		seen:    make(map[int]bool),
		now:     time.Now,
	}
	trees := make(map[string]*vcs.Tree)
	var names []string
	for _, tc := range cfg.Trees {
		tree, err := vcs.NewTree(tc.Name, tc.Dir, tc.Remote, tc.Branch)
		if err != nil {
			return nil, err
		}
		// The tester goroutine gets a worktree of its own; the selector
		// keeps the main checkout, so a routing check cannot reset a
		// series mid-test.
		worktree, err := tree.Worktree("0")
		if err != nil {
			return nil, err
		}
		tester, err := check.NewTester(worktree, cfg.Dirs.Results, cfg.Dirs.Tests)
		if err != nil {
			return nil, err
		}
		trees[tc.Name] = tree
		names = append(names, tc.Name)
		p.testers[tc.Name] = tester
	}
	p.sel = &netdev.Selector{
		Names:       names,
		CurrentTree: cfg.Selector.Current,
		NextTree:    cfg.Selector.Next,
		Trees:       trees,
	}
	if err := osutil.ReadJSON(cfg.StatePath, p.state); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return p, nil
}

// sinceCursor formats the poll cursor for the tracker. A fresh state
// looks two hours back to cover a redeploy gap.
func (p *Poller) sinceCursor() string {
	last := time.Unix(p.state.LastPoll, 0).UTC()
	if p.state.LastPoll == 0 {
		last = p.now().UTC().Add(-2 * time.Hour)
	}
	return last.Format("2006-01-02T15:04:05")
}

func (p *Poller) saveState() error {
	return osutil.WriteJSON(p.cfg.StatePath, p.state)
}

// Start launches one tester goroutine per tree. Each goroutine owns
// its worktree for the daemon's lifetime.
func (p *Poller) Start() {
	for name := range p.testers {
		queue := make(chan *series.Series, queueDepth)
		p.queues[name] = queue
		p.wg.Add(1)
		go p.worker(name, queue)
	}
}

// Stop closes the work queues and waits for in-flight series to
// finish, then saves the cursor.
func (p *Poller) Stop() error {
	for _, queue := range p.queues {
		close(queue)
	}
	p.wg.Wait()
	return p.saveState()
}

func (p *Poller) worker(name string, queue chan *series.Series) {
	defer p.wg.Done()
	tester := p.testers[name]
	for s := range queue {
		err := tester.TestSeries(s)
		switch {
		case errors.Is(err, check.ErrAlreadyTested):
		case err != nil:
			log.Logf(0, "tree %v: series %v failed: %v", name, s.ID, err)
		default:
			log.Logf(0, "testing complete for series %v", s.ID)
		}
	}
}

func (p *Poller) processSeries(blob *patchwork.Series) error {
	closer := log.OpenSection("checking series %v with %v patches", blob.ID, len(blob.Patches))
	defer closer()

	if !blob.ReceivedAll {
		// The list has not delivered every patch yet; leave the series
		// unseen so a later event for it is picked up again.
		log.Logf(0, "series %v is incomplete, skipping", blob.ID)
		return nil
	}
	p.seen[blob.ID] = true
	s, err := series.FromTracker(p.pw, blob)
	if err != nil {
		return err
	}
	comment := p.sel.Determine(s)
	if s.TreeName == "" {
		statUnrouted.Add(1)
		return check.WriteSelectionResult(p.cfg.Dirs.Results, s, comment)
	}
	queue := p.queues[s.TreeName]
	if queue == nil {
		log.Logf(0, "skip %v for unknown tree %v", s.ID, s.TreeName)
		return nil
	}
	statProcessed.Add(1)
	queue <- s
	return nil
}

// RunOnce performs one poll pass: fetch new series events, route each,
// advance the cursor and persist it.
func (p *Poller) RunOnce() error {
	since := p.sinceCursor()
	closer := log.OpenSection("querying tracker since %v", since)
	defer closer()

	blobs, newest, err := p.pw.ListNewSeriesSince(since)
	if err != nil {
		return err
	}
	log.Logf(0, "loaded %v series", len(blobs))
	for i := range blobs {
		blob := &blobs[i]
		if p.seen[blob.ID] {
			continue
		}
		if err := p.processSeries(blob); err != nil {
			log.Logf(0, "series %v: %v", blob.ID, err)
		}
		if blob.ID > p.state.LastID {
			p.state.LastID = blob.ID
		}
	}
	if newest != since {
		ts, err := parseTrackerTime(newest)
		if err != nil {
			return err
		}
		p.state.LastPoll = ts.Unix()
	}
	return p.saveState()
}

// Run polls until the lifetime asks to stop.
func (p *Poller) Run(life *lifetime.Lifetime) error {
	p.Start()
	for life.NextPoll() {
		if err := p.RunOnce(); err != nil {
			log.Logf(0, "poll pass failed: %v", err)
		}
	}
	return p.Stop()
}
