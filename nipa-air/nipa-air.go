// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nipa-air drives the AI review service. The poll subcommand submits
// new series for review within the rate budget and posts per-patch
// verdicts; the upload subcommand backfills checks for reviews done
// elsewhere.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/linux-netdev/nipa-go/pkg/aireview"
	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/stat"
)

var (
	flagConfig  = flag.String("config", "air.yaml", "config file")
	flagTracker = flag.String("tracker", "tracker.json", "tracker client config file")
	flagOneShot = flag.Bool("one-shot", false, "run a single pass and exit")
	flagMetrics = flag.String("metrics", "", "address to serve /metrics and /stats on")
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || (args[0] != "poll" && args[0] != "upload") {
		fmt.Fprintf(os.Stderr, "usage: nipa-air {poll|upload} [flags]\n")
		os.Exit(1)
	}
	mode := args[0]
	flag.CommandLine.Parse(args[1:])

	cfg, err := aireview.LoadConfig(*flagConfig)
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
	air := aireview.NewAirClient(cfg.Air.URL, cfg.Air.Server, cfg.Air.Token)
	stat.Serve(*flagMetrics)
	life := lifetime.New(lifetime.Config{PollSeconds: 60, SingleShot: *flagOneShot})

	switch mode {
	case "poll":
		p, err := aireview.NewPoller(cfg, pw, air, life)
		if err != nil {
			log.Fatalf("failed to create poller: %v", err)
		}
		p.Run()
	case "upload":
		u, err := aireview.NewUploader(cfg, pw, air, life)
		if err != nil {
			log.Fatalf("failed to create uploader: %v", err)
		}
		u.Run()
	}
	life.Exit()
}
