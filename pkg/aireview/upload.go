// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package aireview

import (
	"os"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/lifetime"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
)

// reviewPage is how many recent reviews one listing returns; a full
// page also triggers pruning of the uploaded set.
const reviewPage = 100

type uploadState struct {
	Uploaded   []string `json:"uploaded_reviews"`
	LastUpdate string   `json:"last_update"`
	Count      int      `json:"count"`
}

// Uploader syncs finished reviews back onto the tracker as checks,
// the reverse direction of the poller. It only touches series whose
// patches already carry the check, so it never races the poller's
// initial placement.
type Uploader struct {
	cfg      *Config
	pw       *patchwork.Client
	air      *AirClient
	life     *lifetime.Lifetime
	uploaded map[string]bool

	now func() time.Time
}

func NewUploader(cfg *Config, pw *patchwork.Client, air *AirClient, life *lifetime.Lifetime) (*Uploader, error) {
	up := &Uploader{
		cfg:      cfg,
		pw:       pw,
		air:      air,
		life:     life,
		uploaded: make(map[string]bool),
		now:      time.Now,
	}
	state := new(uploadState)
	err := osutil.ReadJSON(cfg.Upload.StatePath, state)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, id := range state.Uploaded {
		up.uploaded[id] = true
	}
	return up, nil
}

func (up *Uploader) saveState() error {
	ids := make([]string, 0, len(up.uploaded))
	for id := range up.uploaded {
		ids = append(ids, id)
	}
	return osutil.WriteJSON(up.cfg.Upload.StatePath, &uploadState{
		Uploaded:   ids,
		LastUpdate: up.now().UTC().Format(time.RFC3339),
		Count:      len(ids),
	})
}

// allPatchesReady reports whether every patch of the series already
// carries our check, i.e. the poller has claimed the review.
func (up *Uploader) allPatchesReady(series *patchwork.Series) bool {
	for i := range series.Patches {
		checks, err := up.pw.ListPatchChecks(series.Patches[i].ID)
		if err != nil {
			log.Logf(0, "error fetching checks for patch %v: %v", series.Patches[i].ID, err)
			return false
		}
		found := false
		for _, check := range checks {
			if check.Context == up.cfg.CheckName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// processReview posts the verdicts of one finished review. False
// means not done yet, try again next tick.
func (up *Uploader) processReview(summary *Review) bool {
	closer := log.OpenSection("processing review %v (status %v)", summary.ReviewID, summary.Status)
	defer closer()

	if summary.Status != "done" {
		return false
	}
	review, err := up.air.GetReview(summary.ReviewID)
	if err != nil {
		log.Logf(0, "could not fetch review details: %v", err)
		return false
	}
	if review.SeriesID == 0 {
		log.Logf(1, "no tracker series id, nothing to post")
		return true
	}
	series, err := up.pw.GetSeries(review.SeriesID)
	if err != nil {
		log.Logf(0, "error fetching series %v: %v", review.SeriesID, err)
		return false
	}
	if len(series.Patches) == 0 {
		log.Logf(0, "series %v has no patches", review.SeriesID)
		return true
	}
	if !up.allPatchesReady(series) {
		log.Logf(0, "series %v not ready, will retry later", review.SeriesID)
		return false
	}
	link := up.air.ReviewLink(summary.ReviewID)
	for i := range series.Patches {
		state, desc := checkForPatch(review.Review, i)
		err := up.pw.PostCheck(series.Patches[i].ID, up.cfg.CheckName, state, link, desc)
		if err != nil {
			log.Logf(0, "error posting check: %v", err)
			return false
		}
	}
	log.Logf(0, "posted checks for %v patches of series %v", len(series.Patches), review.SeriesID)
	return true
}

func (up *Uploader) RunOnce() error {
	reviews, err := up.air.ListReviews(reviewPage)
	if err != nil {
		return err
	}
	log.Logf(0, "found %v reviews", len(reviews))
	fullPage := len(reviews) >= reviewPage

	fetched := make(map[string]bool)
	var fresh []*Review
	for i := range reviews {
		id := reviews[i].ReviewID
		if id == "" {
			continue
		}
		fetched[id] = true
		if !up.uploaded[id] {
			fresh = append(fresh, &reviews[i])
		}
	}

	changed := false
	for _, review := range fresh {
		if up.processReview(review) {
			up.uploaded[review.ReviewID] = true
			changed = true
		}
	}

	// Reviews that aged out of the server's window no longer need
	// tracking. Only prune on a full page, a short reply may just be
	// a bad fetch.
	if fullPage {
		for id := range up.uploaded {
			if !fetched[id] {
				delete(up.uploaded, id)
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	return up.saveState()
}

func (up *Uploader) Run() {
	for up.life.NextPoll() {
		if err := up.RunOnce(); err != nil {
			log.Logf(0, "sync failed: %v", err)
		}
	}
}
