// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package aireview

import "time"

// submission is one recorded spend against the review budget.
type submission struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// RateLimiter caps how many patches may be submitted for review in a
// rolling window. The budget is spent at submission time and never
// refunded, even if the review later fails.
type RateLimiter struct {
	maxPatches  int
	window      time.Duration
	submissions []submission

	now func() time.Time
}

func NewRateLimiter(maxPatches, windowDays int) *RateLimiter {
	return &RateLimiter{
		maxPatches: maxPatches,
		window:     time.Duration(windowDays) * 24 * time.Hour,
		now:        time.Now,
	}
}

func (rl *RateLimiter) trim() {
	cutoff := rl.now().Add(-rl.window)
	kept := rl.submissions[:0]
	for _, sub := range rl.submissions {
		if sub.Timestamp.After(cutoff) {
			kept = append(kept, sub)
		}
	}
	rl.submissions = kept
}

// PatchesInWindow returns the budget currently spent.
func (rl *RateLimiter) PatchesInWindow() int {
	rl.trim()
	total := 0
	for _, sub := range rl.submissions {
		total += sub.Count
	}
	return total
}

func (rl *RateLimiter) CanSubmit(patches int) bool {
	return rl.PatchesInWindow()+patches <= rl.maxPatches
}

func (rl *RateLimiter) Record(patches int) {
	rl.submissions = append(rl.submissions, submission{
		Timestamp: rl.now(),
		Count:     patches,
	})
}

type limiterState struct {
	Submissions []submission `json:"submissions"`
}

func (rl *RateLimiter) save() *limiterState {
	rl.trim()
	return &limiterState{Submissions: rl.submissions}
}

// load restores the recorded submissions, dropping partial entries a
// crashed writer may have left behind.
func (rl *RateLimiter) load(state *limiterState) {
	rl.submissions = nil
	for _, sub := range state.Submissions {
		if sub.Timestamp.IsZero() || sub.Count <= 0 {
			continue
		}
		rl.submissions = append(rl.submissions, sub)
	}
	rl.trim()
}
