// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package series models a patch series as reconstructed from the
// tracker: ordered patches, optional cover letter, optional pull-cover.
package series

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/patchwork"
)

var localIDGen atomic.Int64

var (
	bracketSubjectRe = regexp.MustCompile(`Subject: \[.*\](.*)`)
	plainSubjectRe   = regexp.MustCompile(`Subject: (.*)`)
)

// Patch is one captured mail. Raw is immutable once set.
type Patch struct {
	ID      int
	Raw     string
	Title   string
	Subject string
}

// NewPatch extracts the title and subject from the raw mail. A zero id
// allocates a monotone local one for patches the tracker does not know.
func NewPatch(raw string, id int) *Patch {
	patch := &Patch{
		ID:  id,
		Raw: raw,
	}
	if patch.ID == 0 {
		patch.ID = -int(localIDGen.Add(1))
	}
	subj := bracketSubjectRe.FindStringSubmatch(raw)
	if subj == nil {
		subj = plainSubjectRe.FindStringSubmatch(raw)
	}
	if subj != nil {
		patch.Title = strings.TrimSpace(subj[1])
		patch.Subject = strings.TrimPrefix(subj[0], "Subject: ")
	}
	return patch
}

// Appliable is anything the tree driver can apply: a single patch or a
// whole series.
type Appliable interface {
	ApplyList() []*Patch
}

func (patch *Patch) ApplyList() []*Patch {
	return []*Patch{patch}
}

func (s *Series) ApplyList() []*Patch {
	return s.Patches
}

// header returns the value of a mail header from the raw patch text.
func (patch *Patch) header(name string) string {
	re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(name) + `:[ \t]*(.*)$`)
	match := re.FindStringSubmatch(patch.Raw)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

type Series struct {
	ID          int
	Title       string
	Subject     string
	CoverLetter string
	// CoverPull is set when the reply graph identifies a shared parent
	// that carries a pull_url - the first patch then doubles as cover.
	CoverPull *patchwork.Patch
	// PullURL is set for a pure pull request (a single mail carrying a
	// git URL instead of patches).
	PullURL     string
	Patches     []*Patch
	ReceivedAll bool

	// Set by the tree selector.
	TreeName         string
	TreeMarkExpected TriState
	TreeMarked       bool
}

// TriState is the selector's expectation whether the series should
// carry a tree designation in its subject.
type TriState int

const (
	Ignore TriState = iota
	Expected
	NotExpected
)

func (ts TriState) String() string {
	switch ts {
	case Expected:
		return "yes"
	case NotExpected:
		return "no"
	}
	return "ignore"
}

func New(id int, title string) *Series {
	if id == 0 {
		id = -int(localIDGen.Add(1))
	}
	return &Series{ID: id, Title: title}
}

// SetCoverLetter adopts the cover's subject as the series title.
func (s *Series) SetCoverLetter(data string) {
	s.CoverLetter = data
	subj := bracketSubjectRe.FindStringSubmatch(data)
	if subj != nil {
		if s.Title == "" {
			s.Title = strings.TrimSpace(subj[1])
		}
		s.Subject = strings.TrimPrefix(subj[0], "Subject: ")
	}
}

func (s *Series) AddPatch(patch *Patch) {
	s.Patches = append(s.Patches, patch)
}

// IsPurePull reports whether the series is a bare pull request.
func (s *Series) IsPurePull() bool {
	return s.PullURL != ""
}

// FromTracker reconstructs a series from the tracker blob, fetching
// patch and cover mboxes through the client.
func FromTracker(pw *patchwork.Client, blob *patchwork.Series) (*Series, error) {
	s := New(blob.ID, "")
	s.ReceivedAll = blob.ReceivedAll
	if blob.CoverLetter != nil && string(blob.CoverLetter) != "null" {
		var cover struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(blob.CoverLetter, &cover); err != nil {
			return nil, err
		}
		mbox, err := pw.GetMbox("cover", cover.ID)
		if err != nil {
			return nil, err
		}
		s.SetCoverLetter(mbox)
	} else if len(blob.Patches) != 0 {
		s.Title = blob.Patches[0].Name
		s.Subject = blob.Patches[0].Name
	}
	for _, p := range blob.Patches {
		mbox, err := pw.GetMbox("patch", p.ID)
		if err != nil {
			return nil, err
		}
		s.AddPatch(NewPatch(mbox, p.ID))
	}
	if len(blob.Patches) == 1 {
		s.PullURL = blob.Patches[0].PullURL
	}
	s.Reorder()
	if err := s.detectCoverPull(pw); err != nil {
		return nil, err
	}
	return s, nil
}

// Reorder places each patch at the slot named by the "i/N" hint in its
// subject. Trackers deliver patches in mail arrival order, which for a
// resend can be arbitrary. When any patch lacks a usable hint the
// tracker order stands and a warning is logged.
func (s *Series) Reorder() {
	if !s.ReceivedAll || len(s.Patches) < 2 {
		return
	}
	n := len(s.Patches)
	ordered := make([]*Patch, n)
	for _, patch := range s.Patches {
		slot := positionHint(patch.Subject, n)
		if slot < 1 || ordered[slot-1] != nil {
			log.Logf(0, "series %v: cannot establish patch order, keeping tracker order", s.ID)
			return
		}
		ordered[slot-1] = patch
	}
	s.Patches = ordered
}

// positionHint finds the 1-based slot of a patch among n from its
// subject. The hint appears as " i/N", ",i/N", "[i/N" or "0i/N"
// depending on how the poster's tooling formats the tag.
func positionHint(subject string, n int) int {
	for i := 1; i <= n; i++ {
		frac := fmt.Sprintf("%d/%d", i, n)
		for _, pfx := range []string{" ", ",", "[", "0"} {
			if strings.Contains(subject, pfx+frac) {
				return i
			}
		}
	}
	return 0
}

// detectCoverPull handles series posted as a patch set with the cover
// being a pull request: no explicit cover, more than one patch, and
// every patch replying to one shared message that the tracker knows
// with a pull_url.
func (s *Series) detectCoverPull(pw *patchwork.Client) error {
	if s.CoverLetter != "" || len(s.Patches) < 2 {
		return nil
	}
	parent := s.Patches[0].header("In-Reply-To")
	if parent == "" {
		return nil
	}
	for _, patch := range s.Patches[1:] {
		if patch.header("In-Reply-To") != parent {
			return nil
		}
	}
	raw, err := pw.GetByMessageId("patches", parent)
	if err != nil || raw == nil {
		return err
	}
	cover := new(patchwork.Patch)
	if err := json.Unmarshal(raw, cover); err != nil {
		return err
	}
	if cover.PullURL == "" {
		return nil
	}
	log.Logf(1, "series %v: pull-cover %v", s.ID, cover.ID)
	s.CoverPull = cover
	return nil
}
