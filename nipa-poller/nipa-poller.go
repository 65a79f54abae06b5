// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nipa-poller watches the tracker for freshly completed series and
// runs the configured checks for each one in its target tree.
package main

import (
	"flag"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/poller"
	"github.com/linux-netdev/nipa-go/pkg/stat"
)

var (
	flagConfig  = flag.String("config", "poller.yaml", "config file")
	flagTracker = flag.String("tracker", "tracker.json", "tracker client config file")
	flagOneShot = flag.Bool("one-shot", false, "run a single poll pass and exit")
	flagMetrics = flag.String("metrics", "", "address to serve /metrics and /stats on")
)

func main() {
	flag.Parse()
	cfg, err := poller.LoadConfig(*flagConfig)
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
	p, err := poller.New(cfg, pw)
	if err != nil {
		log.Fatalf("failed to create poller: %v", err)
	}
	stat.Serve(*flagMetrics)
	life := lifetime.New(lifetime.Config{PollSeconds: 120, SingleShot: *flagOneShot})
	if err := p.Run(life); err != nil {
		log.Fatalf("poller failed: %v", err)
	}
	life.Exit()
}
