// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nipa-contest is one remote executor: it polls the branches manifest,
// checks out every new integration branch and runs the configured
// selftest group in VMs, publishing per-run result JSON.
package main

import (
	"flag"
	"path/filepath"

	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/runner"
	"github.com/linux-netdev/nipa-go/pkg/stat"
)

var (
	flagConfig  = flag.String("config", "contest.yaml", "config file")
	flagOneShot = flag.Bool("one-shot", false, "test a single branch and exit")
	flagMetrics = flag.String("metrics", "", "address to serve /metrics and /stats on")
)

func main() {
	flag.Parse()
	cfg, err := runner.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	stat.Serve(*flagMetrics)
	life := lifetime.New(lifetime.Config{PollSeconds: 60, SingleShot: *flagOneShot})
	r := runner.New(cfg)
	f := runner.NewFetcher(r.Test, life, runner.FetcherConfig{
		Name:        cfg.Executor.Name,
		BranchesURL: cfg.Remote.Branches,
		ResultsPath: filepath.Join(cfg.Local.BasePath, cfg.Local.JSONPath),
		URLPath:     cfg.WWW.URL + "/" + cfg.Local.JSONPath,
		TreePath:    cfg.VM.TreePath,
		PatchesPath: cfg.Local.PatchesPath,
		FirstRun:    cfg.Executor.FirstRun,
	})
	f.Run()
	life.Exit()
}
