// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package series

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patchMail(subject, inReplyTo string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From mboxrd@z Thu Jan  1 00:00:00 1970\n")
	fmt.Fprintf(&b, "From: Dev Eloper <dev@example.org>\n")
	fmt.Fprintf(&b, "Subject: %v\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %v\n", inReplyTo)
	}
	fmt.Fprintf(&b, "\nbody\n---\n net/ipv4/tcp.c | 2 +-\n")
	return b.String()
}

func TestPatchSubjectExtraction(t *testing.T) {
	patch := NewPatch(patchMail("[PATCH net v2 1/3] tcp: fix a thing", ""), 101)
	assert.Equal(t, "tcp: fix a thing", patch.Title)
	assert.Equal(t, "[PATCH net v2 1/3] tcp: fix a thing", patch.Subject)

	// No bracketed tag, whole subject is the title.
	patch = NewPatch(patchMail("tcp: fix a thing", ""), 102)
	assert.Equal(t, "tcp: fix a thing", patch.Title)
}

func TestReorderWithGap(t *testing.T) {
	s := New(1000, "")
	s.ReceivedAll = true
	for _, subj := range []string{"[PATCH 2/3] b", "[PATCH 1/3] a", "[PATCH 3/3] c"} {
		s.AddPatch(NewPatch(patchMail(subj, ""), 0))
	}
	s.Reorder()
	for i, patch := range s.Patches {
		want := fmt.Sprintf("[PATCH %d/3]", i+1)
		assert.True(t, strings.HasPrefix(patch.Subject, want),
			"patch %d subject %q", i, patch.Subject)
	}
	// Reordering an ordered series is a no-op.
	before := append([]*Patch{}, s.Patches...)
	s.Reorder()
	assert.Equal(t, before, s.Patches)
}

func TestReorderHintVariants(t *testing.T) {
	subjects := []string{
		"[PATCH net-next 02/12] two",
		"[PATCH net-next 01/12] one",
		"[PATCH net-next 11/12] eleven",
		"[PATCH net-next 03/12] three",
		"[PATCH net-next 04/12] four",
		"[PATCH net-next 05/12] five",
		"[PATCH net-next 06/12] six",
		"[PATCH net-next 07/12] seven",
		"[PATCH net-next 08/12] eight",
		"[PATCH net-next 09/12] nine",
		"[PATCH net-next 10/12] ten",
		"[PATCH net-next 12/12] twelve",
	}
	s := New(1001, "")
	s.ReceivedAll = true
	for _, subj := range subjects {
		s.AddPatch(NewPatch(patchMail(subj, ""), 0))
	}
	s.Reorder()
	require.Len(t, s.Patches, 12)
	for i, patch := range s.Patches {
		assert.Contains(t, patch.Subject, fmt.Sprintf("%02d/12", i+1))
	}
}

func TestReorderFallback(t *testing.T) {
	s := New(1002, "")
	s.ReceivedAll = true
	subjects := []string{"[PATCH] no hint here", "[PATCH 1/2] first"}
	for _, subj := range subjects {
		s.AddPatch(NewPatch(patchMail(subj, ""), 0))
	}
	s.Reorder()
	// Tracker order kept when a patch has no usable hint.
	for i, patch := range s.Patches {
		assert.Equal(t, subjects[i], patch.Subject)
	}
}

func TestReorderIncomplete(t *testing.T) {
	s := New(1003, "")
	s.ReceivedAll = false
	s.AddPatch(NewPatch(patchMail("[PATCH 2/3] b", ""), 0))
	s.AddPatch(NewPatch(patchMail("[PATCH 1/3] a", ""), 0))
	s.Reorder()
	assert.Contains(t, s.Patches[0].Subject, "2/3")
}

func TestSetCoverLetter(t *testing.T) {
	s := New(1004, "")
	s.SetCoverLetter(patchMail("[PATCH net 0/2] tcp: assorted fixes", ""))
	assert.Equal(t, "tcp: assorted fixes", s.Title)
	assert.Equal(t, "[PATCH net 0/2] tcp: assorted fixes", s.Subject)
}

func TestLocalIDs(t *testing.T) {
	a := NewPatch(patchMail("[PATCH] a", ""), 0)
	b := NewPatch(patchMail("[PATCH] b", ""), 0)
	assert.Less(t, a.ID, 0)
	assert.Less(t, b.ID, 0)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestHeader(t *testing.T) {
	patch := NewPatch(patchMail("[PATCH 1/2] a", "<cover@example.org>"), 0)
	assert.Equal(t, "<cover@example.org>", patch.header("In-Reply-To"))
	assert.Equal(t, "", patch.header("References"))
}
