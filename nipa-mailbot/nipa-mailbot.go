// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nipa-mailbot reads the mail archive repos and applies the state
// directives maintainers and build bots post in replies, updating
// patch states on the tracker.
package main

import (
	"flag"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/mailbot"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
	"github.com/linux-netdev/nipa-go/pkg/stat"
)

var (
	flagConfig  = flag.String("config", "mailbot.yaml", "config file")
	flagTracker = flag.String("tracker", "tracker.json", "tracker client config file")
	flagOneShot = flag.Bool("one-shot", false, "run a single pass and exit")
	flagMetrics = flag.String("metrics", "", "address to serve /metrics and /stats on")
)

func main() {
	flag.Parse()
	cfg, err := mailbot.LoadConfig(*flagConfig)
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
	stat.Serve(*flagMetrics)
	life := lifetime.New(lifetime.Config{PollSeconds: 120, SingleShot: *flagOneShot})
	bot, err := mailbot.New(cfg, pw, life)
	if err != nil {
		log.Fatalf("failed to create bot: %v", err)
	}
	bot.Run()
	life.Exit()
}
