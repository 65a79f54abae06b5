// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package aireview

import (
	"os"
	"strings"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
)

type Config struct {
	Air struct {
		URL    string `yaml:"url"`
		Server string `yaml:"server"`
		Token  string `yaml:"token"`
		Tree   string `yaml:"tree"`
		Branch string `yaml:"branch"`
	} `yaml:"air"`
	CheckName string `yaml:"check_name"`
	RateLimit struct {
		MaxPatches int `yaml:"max_patches"`
		WindowDays int `yaml:"window_days"`
	} `yaml:"rate_limit"`
	Poller struct {
		ReviewTimeoutSeconds      int    `yaml:"review_timeout"`
		ReviewPollIntervalSeconds int    `yaml:"review_poll_interval"`
		StatePath                 string `yaml:"state_file"`
	} `yaml:"poller"`
	Upload struct {
		StatePath string `yaml:"state_file"`
	} `yaml:"upload"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.CheckName == "" {
		cfg.CheckName = "ai-review"
	}
	if cfg.RateLimit.MaxPatches == 0 {
		cfg.RateLimit.MaxPatches = 30
	}
	if cfg.RateLimit.WindowDays == 0 {
		cfg.RateLimit.WindowDays = 3
	}
	if cfg.Poller.ReviewTimeoutSeconds == 0 {
		cfg.Poller.ReviewTimeoutSeconds = 3600
	}
	if cfg.Poller.ReviewPollIntervalSeconds == 0 {
		cfg.Poller.ReviewPollIntervalSeconds = 10
	}
	if cfg.Poller.StatePath == "" {
		cfg.Poller.StatePath = "pw-air-poller.state"
	}
	if cfg.Upload.StatePath == "" {
		cfg.Upload.StatePath = "pw-air-upload.state"
	}
	return cfg, nil
}

// queuedSeries is the slice of a series the queue needs to retry it
// later; the full object is refetched at posting time anyway.
type queuedSeries struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Patches int    `json:"patches"`
}

type pollerState struct {
	LastEventTS string         `json:"last_event_ts"`
	Queued      []queuedSeries `json:"queued_series"`
	Processed   []int          `json:"processed_series"`
	RateLimiter *limiterState  `json:"rate_limiter"`
	LastSave    string         `json:"last_save"`
}

// processedKeep bounds the remembered-series set; anything older has
// long scrolled out of the event window.
const processedKeep = 1000

// eventLookback is how far back the first poll reaches, and the floor
// for a stale cursor.
const eventLookback = 3 * 24 * time.Hour

// Poller watches the tracker for new series and runs each through the
// review service, rate limited, with a LIFO queue for the overflow.
type Poller struct {
	cfg     *Config
	pw      *patchwork.Client
	air     *AirClient
	life    *lifetime.Lifetime
	limiter *RateLimiter

	lastEventTS   string
	queued        []queuedSeries
	processed     map[int]bool
	processedList []int

	now   func() time.Time
	sleep func(time.Duration)
}

func NewPoller(cfg *Config, pw *patchwork.Client, air *AirClient, life *lifetime.Lifetime) (*Poller, error) {
	p := &Poller{
		cfg:       cfg,
		pw:        pw,
		air:       air,
		life:      life,
		limiter:   NewRateLimiter(cfg.RateLimit.MaxPatches, cfg.RateLimit.WindowDays),
		processed: make(map[int]bool),
		now:       time.Now,
		sleep:     time.Sleep,
	}
	if err := p.loadState(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Poller) loadState() error {
	state := new(pollerState)
	err := osutil.ReadJSON(p.cfg.Poller.StatePath, state)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	p.lastEventTS = state.LastEventTS
	p.queued = state.Queued
	for _, id := range state.Processed {
		if p.processed[id] {
			continue
		}
		p.processed[id] = true
		p.processedList = append(p.processedList, id)
	}
	if state.RateLimiter != nil {
		p.limiter.load(state.RateLimiter)
	}
	log.Logf(0, "loaded state: %v queued, %v processed, %v patches in window",
		len(p.queued), len(p.processedList), p.limiter.PatchesInWindow())
	return nil
}

func (p *Poller) saveState() error {
	if len(p.processedList) > processedKeep {
		p.processedList = p.processedList[len(p.processedList)-processedKeep:]
		p.processed = make(map[int]bool)
		for _, id := range p.processedList {
			p.processed[id] = true
		}
	}
	state := &pollerState{
		LastEventTS: p.lastEventTS,
		Queued:      p.queued,
		Processed:   p.processedList,
		RateLimiter: p.limiter.save(),
		LastSave:    p.now().UTC().Format(time.RFC3339),
	}
	return osutil.WriteJSON(p.cfg.Poller.StatePath, state)
}

func (p *Poller) markProcessed(id int) {
	if p.processed[id] {
		return
	}
	p.processed[id] = true
	p.processedList = append(p.processedList, id)
}

// trackerTimeFormats are the timestamp shapes the tracker hands out.
var trackerTimeFormats = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseTrackerTime(value string) (time.Time, error) {
	var err error
	for _, format := range trackerTimeFormats {
		var when time.Time
		if when, err = time.Parse(format, value); err == nil {
			return when, nil
		}
	}
	return time.Time{}, err
}

// sinceTimestamp returns the cursor to poll from, floored at the event
// lookback so a long outage does not replay ancient history.
func (p *Poller) sinceTimestamp() string {
	floor := p.now().UTC().Add(-eventLookback)
	if p.lastEventTS != "" {
		if last, err := parseTrackerTime(p.lastEventTS); err == nil && last.After(floor) {
			return p.lastEventTS
		}
	}
	return floor.Format("2006-01-02T15:04:05")
}

// advanceCursor moves the cursor one microsecond past the newest event
// so the next poll does not see it again.
func (p *Poller) advanceCursor(newest string) {
	when, err := parseTrackerTime(newest)
	if err != nil {
		log.Logf(0, "unparsable event timestamp %q: %v", newest, err)
		return
	}
	p.lastEventTS = when.Add(time.Microsecond).Format("2006-01-02T15:04:05.999999")
}

// outcome of one series attempt.
const (
	outcomeProcessed = iota
	outcomeQueue
)

// processSeries submits one series for review and posts the verdicts.
// The budget is spent at submission; a review that later fails or
// times out still counts as processed.
func (p *Poller) processSeries(id, patches int, name string) int {
	closer := log.OpenSection("processing series %v: %v (%v patches)", id, name, patches)
	defer closer()

	if !p.limiter.CanSubmit(patches) {
		log.Logf(0, "rate limit: %v/%v patches in window, queueing",
			p.limiter.PatchesInWindow(), p.cfg.RateLimit.MaxPatches)
		return outcomeQueue
	}
	reviewID, err := p.air.Submit(p.cfg.Air.Tree, p.cfg.Air.Branch, id)
	if err != nil {
		log.Logf(0, "failed to submit: %v", err)
		return outcomeQueue
	}
	log.Logf(0, "submitted, review id %v", reviewID)
	p.limiter.Record(patches)

	review := p.waitForReview(reviewID)
	if review == nil {
		log.Logf(0, "review failed or timed out")
		return outcomeProcessed
	}
	if err := p.postChecks(id, reviewID, review.Review); err != nil {
		log.Logf(0, "failed to post checks: %v", err)
	}
	return outcomeProcessed
}

// waitForReview polls the review until it finishes one way or the
// other, nil on error or timeout.
func (p *Poller) waitForReview(reviewID string) *Review {
	deadline := p.now().Add(time.Duration(p.cfg.Poller.ReviewTimeoutSeconds) * time.Second)
	for {
		if p.now().After(deadline) {
			log.Logf(0, "review %v timed out", reviewID)
			return nil
		}
		review, err := p.air.GetReview(reviewID)
		if err != nil {
			log.Logf(0, "error checking review %v: %v", reviewID, err)
		} else {
			switch review.Status {
			case "done":
				return review
			case "error":
				log.Logf(0, "review %v failed: %v", reviewID, review.Message)
				return nil
			default:
				log.Logf(1, "review %v: %v (%v/%v)", reviewID,
					review.Status, review.CompletedPatches, review.PatchCount)
			}
		}
		p.sleep(time.Duration(p.cfg.Poller.ReviewPollIntervalSeconds) * time.Second)
	}
}

// checkForPatch maps one review slot onto a tracker check.
func checkForPatch(reviews []string, idx int) (state, desc string) {
	switch {
	case idx >= len(reviews):
		return "warning", "Internal error, no entry for review"
	case strings.TrimSpace(reviews[idx]) != "":
		return "warning", "AI review found issues"
	default:
		return "success", "AI review completed, no issues found"
	}
}

// postChecks refetches the series and posts one check per patch.
func (p *Poller) postChecks(seriesID int, reviewID string, reviews []string) error {
	series, err := p.pw.GetSeries(seriesID)
	if err != nil {
		return err
	}
	link := p.air.ReviewLink(reviewID)
	for i := range series.Patches {
		state, desc := checkForPatch(reviews, i)
		err := p.pw.PostCheck(series.Patches[i].ID, p.cfg.CheckName, state, link, desc)
		if err != nil {
			return err
		}
	}
	log.Logf(0, "posted checks for %v patches", len(series.Patches))
	return nil
}

// drainQueue retries queued series newest first, as long as the
// limiter permits. Submission failures drop the entry, the next
// tracker event for the series will bring it back.
func (p *Poller) drainQueue() {
	for len(p.queued) != 0 {
		last := p.queued[len(p.queued)-1]
		if !p.limiter.CanSubmit(last.Patches) {
			return
		}
		p.queued = p.queued[:len(p.queued)-1]
		if p.processed[last.ID] {
			continue
		}
		if p.processSeries(last.ID, last.Patches, last.Name) == outcomeProcessed {
			p.markProcessed(last.ID)
			if err := p.saveState(); err != nil {
				log.Logf(0, "failed to save state: %v", err)
			}
		}
	}
}

func (p *Poller) RunOnce() error {
	since := p.sinceTimestamp()
	closer := log.OpenSection("polling tracker since %v", since)
	defer closer()

	series, newest, err := p.pw.ListNewSeriesSince(since)
	if err != nil {
		return err
	}
	log.Logf(0, "found %v series", len(series))
	if newest != since {
		p.advanceCursor(newest)
	}

	for i := range series {
		s := &series[i]
		if p.processed[s.ID] {
			continue
		}
		if !s.ReceivedAll {
			log.Logf(1, "series %v incomplete, skipping", s.ID)
			continue
		}
		if p.processSeries(s.ID, len(s.Patches), s.Name) == outcomeProcessed {
			p.markProcessed(s.ID)
		} else {
			p.queued = append(p.queued, queuedSeries{
				ID:      s.ID,
				Name:    s.Name,
				Patches: len(s.Patches),
			})
			log.Logf(0, "queued series %v (%v in queue)", s.ID, len(p.queued))
		}
		if err := p.saveState(); err != nil {
			return err
		}
	}

	p.drainQueue()
	return p.saveState()
}

func (p *Poller) Run() {
	p.drainQueue()
	for p.life.NextPoll() {
		if err := p.RunOnce(); err != nil {
			log.Logf(0, "poll failed: %v", err)
		}
	}
	if err := p.saveState(); err != nil {
		log.Logf(0, "failed to save state: %v", err)
	}
}
