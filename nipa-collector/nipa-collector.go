// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nipa-collector ingests the executors' result manifests into the row
// store, tracks per-test stability and publishes the combined view
// with unstable tests filtered out.
package main

import (
	"flag"

	"github.com/linux-netdev/nipa-go/pkg/collector"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/rowstore"
	"github.com/linux-netdev/nipa-go/pkg/stat"
)

var (
	flagConfig  = flag.String("config", "collector.yaml", "config file")
	flagOneShot = flag.Bool("one-shot", false, "run a single pass and exit")
	flagMetrics = flag.String("metrics", "", "address to serve /metrics and /stats on")
)

func main() {
	flag.Parse()
	cfg, err := collector.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	store, err := rowstore.Open(cfg.DB.Path)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer store.Close()
	poll := cfg.RefreshSeconds
	if poll == 0 {
		poll = 60
	}
	stat.Serve(*flagMetrics)
	life := lifetime.New(lifetime.Config{PollSeconds: poll, SingleShot: *flagOneShot})
	col, err := collector.New(cfg, store, life)
	if err != nil {
		log.Fatalf("failed to create collector: %v", err)
	}
	col.Run()
	life.Exit()
}
