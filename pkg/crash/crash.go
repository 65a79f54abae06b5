// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package crash detects kernel splats in console output and reduces
// each one to a short fingerprint usable for deduplication.
package crash

import (
	"regexp"
	"strings"
)

// Filters tunes fingerprinting, usually fetched from the collector as
// JSON so known-noisy frames can be dropped fleet-wide.
type Filters struct {
	// PrefixSkip lists frame sequences to drop when they start a
	// fingerprint, e.g. the generic dump_stack_lvl preamble.
	PrefixSkip [][]string `json:"crash-prefix-skip"`
	// IgnoreCrashes lists fingerprints of known crashes that should
	// not fail a run.
	IgnoreCrashes []string `json:"ignore-crashes"`
}

var crashNeedles = []string{
	"] RIP: ",
	"] Call Trace:",
	"] ref_tracker: ",
	"unreferenced object 0x",
}

// HasCrash reports whether the output contains something that looks
// like a kernel crash, leak or warning splat.
func HasCrash(output string) bool {
	for _, needle := range crashNeedles {
		if strings.Contains(output, needle) {
			return true
		}
	}
	return false
}

func skipPrefixLen(filters *Filters, frames []string) int {
	if filters == nil {
		return 0
	}
	// Assume the filter list is well sorted, no need for LPM.
	for _, skipPfx := range filters.PrefixSkip {
		if len(frames) < len(skipPfx) {
			continue
		}
		match := true
		for i, pfx := range skipPfx {
			if frames[i] != pfx {
				match = false
				break
			}
		}
		if match {
			return len(skipPfx)
		}
	}
	return 0
}

var frameRe = regexp.MustCompile(`.*(  |0:|>\] )([a-z0-9_]+)\+0x[0-9a-f]+/0x[0-9a-f]+.*`)

// FingerPrint joins the first five stack frames of a crash region into
// a colon-separated string, after trimming any filtered prefix.
func FingerPrint(filters *Filters, lines []string) string {
	var frames []string
	skip := 0
	for _, line := range lines {
		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		frames = append(frames, m[2])
		skip = skipPrefixLen(filters, frames)
		if len(frames)-skip == 5 {
			break
		}
	}
	return strings.Join(frames[skip:], ":")
}

var crashStarts = []string{
	"] Hardware name: ",
	"] ref_tracker: ",
	" blocked for more than ",
}

// Extract pulls the crash regions out of console output. It returns
// the collected crash lines, with a few lines of preceding context,
// and the set of fingerprints of the regions it saw. Filters are
// re-fetched for every region so long extractions pick up updates.
func Extract(output, prompt string, getFilters func() *Filters) ([]string, map[string]bool) {
	inCrash := false
	start := 0
	var crashLines []string
	fingerPrints := make(map[string]bool)
	last5 := make([]string, 5)

	for _, line := range strings.Split(output, "\n") {
		if inCrash {
			inCrash = inCrash && !strings.Contains(line, "] ---[ end trace ")
			inCrash = inCrash && !strings.Contains(line, "]  </TASK>")
			inCrash = inCrash && !strings.HasSuffix(line, "] ")
			inCrash = inCrash && !strings.HasPrefix(line, prompt)
			if !inCrash {
				fingerPrints[FingerPrint(getFilters(), crashLines[start:])] = true
			}
		} else {
			for _, needle := range crashStarts {
				inCrash = inCrash || strings.Contains(line, needle)
			}
			inCrash = inCrash || strings.HasPrefix(line, "unreferenced object 0x")
			if inCrash {
				start = len(crashLines)
				crashLines = append(crashLines, last5...)
			}
		}

		// Keep last 5 lines to get some of the stuff before the trace.
		last5 = append(last5[1:], "| "+line)

		if inCrash {
			crashLines = append(crashLines, line)
		}
	}
	return crashLines, fingerPrints
}
