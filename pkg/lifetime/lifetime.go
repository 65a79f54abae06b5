// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package lifetime drives the polling loop of the long-running daemons:
// a configurable poll interval, one-shot mode, clean exit on SIGINT, and
// restart via re-exec on SIGUSR1 or when the executable changes on disk.
package lifetime

import (
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linux-netdev/nipa-go/pkg/hash"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
)

type Config struct {
	PollSeconds int  `json:"poll_ival"`
	SingleShot  bool `json:"single_shot"`
	// Restart triggers, both default to on.
	NoSigusr1      bool `json:"no_sigusr1"`
	NoVersionCheck bool `json:"no_version_check"`
}

type Lifetime struct {
	cfg      Config
	exe      string
	version  hash.Sig
	sigusr1  chan os.Signal
	sigint   chan os.Signal
	firstRun bool
	restart  bool
}

func New(cfg Config) *Lifetime {
	if cfg.PollSeconds == 0 {
		cfg.PollSeconds = 60
	}
	life := &Lifetime{
		cfg:      cfg,
		sigusr1:  make(chan os.Signal, 1),
		sigint:   make(chan os.Signal, 1),
		firstRun: true,
	}
	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("failed to locate own executable: %v", err)
	}
	life.exe = exe
	if !cfg.NoVersionCheck {
		life.version, err = hash.File(exe)
		if err != nil {
			log.Fatalf("failed to hash own executable: %v", err)
		}
	}
	if !cfg.NoSigusr1 {
		signal.Notify(life.sigusr1, unix.SIGUSR1)
	}
	signal.Notify(life.sigint, unix.SIGINT, unix.SIGTERM)
	log.Logf(0, "version: %v", life.version.String())
	return life
}

func (life *Lifetime) versionChanged() bool {
	if life.cfg.NoVersionCheck {
		return false
	}
	sig, err := hash.File(life.exe)
	if err != nil {
		// The binary may be mid-replacement, try again next tick.
		return false
	}
	return sig != life.version
}

// NextPoll sleeps out the poll interval in 1-second chunks so signals
// are observed promptly. Returns false when the loop should stop,
// either for a clean exit (SIGINT) or a restart (see Exit).
func (life *Lifetime) NextPoll() bool {
	if life.firstRun {
		life.firstRun = false
		return true
	}
	if life.cfg.SingleShot {
		return false
	}
	if life.versionChanged() {
		life.restart = true
	}
	toSleep := life.cfg.PollSeconds
	for !life.restart && toSleep > 0 {
		select {
		case <-life.sigusr1:
			life.restart = true
		case <-life.sigint:
			return false
		case <-time.After(time.Second):
			toSleep--
		}
	}
	return !life.restart
}

// Exit re-execs the current binary with the same argv if a restart was
// requested, otherwise returns.
func (life *Lifetime) Exit() {
	if life.restart {
		log.Logf(0, "restarting")
		if err := osutil.Exec(life.exe, os.Args); err != nil {
			log.Fatalf("re-exec failed: %v", err)
		}
	}
	log.Logf(0, "quitting")
}
