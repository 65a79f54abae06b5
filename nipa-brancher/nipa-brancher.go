// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nipa-brancher assembles the rolling integration branches: every
// configured number of hours it stacks the gate-passing queue on top
// of the upstream base, pushes the branch and publishes the manifest.
package main

import (
	"flag"

	"github.com/linux-netdev/nipa-go/pkg/brancher"
	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/rowstore"
	"github.com/linux-netdev/nipa-go/pkg/stat"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

var (
	flagConfig  = flag.String("config", "brancher.yaml", "config file")
	flagTracker = flag.String("tracker", "tracker.json", "tracker client config file")
	flagOneShot = flag.Bool("one-shot", false, "run a single pass and exit")
	flagMetrics = flag.String("metrics", "", "address to serve /metrics and /stats on")
)

func main() {
	flag.Parse()
	cfg, err := brancher.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	pwCfg := new(patchwork.Config)
	if err := config.LoadFile(*flagTracker, pwCfg); err != nil {
		log.Fatalf("failed to load tracker config: %v", err)
	}
	pw, err := patchwork.NewClient(pwCfg)
	if err != nil {
		log.Fatalf("failed to create tracker client: %v", err)
	}
	tree, err := vcs.NewTree(cfg.Tree.Name, cfg.Tree.Dir, cfg.Tree.Remote, cfg.Tree.Branch)
	if err != nil {
		log.Fatalf("failed to open tree: %v", err)
	}
	store, err := rowstore.Open(cfg.DB.Path)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer store.Close()
	b, err := brancher.New(cfg, pw, tree, store)
	if err != nil {
		log.Fatalf("failed to create brancher: %v", err)
	}
	stat.Serve(*flagMetrics)
	life := lifetime.New(lifetime.Config{PollSeconds: 300, SingleShot: *flagOneShot})
	for life.NextPoll() {
		if err := b.RunOnce(); err != nil {
			log.Logf(0, "pass failed: %v", err)
		}
	}
	life.Exit()
}
