// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package netdev decides which tree a series targets: explicit subject
// tags first, then touched-file heuristics, then fix-for inference.
package netdev

import (
	"regexp"
	"strings"

	git_diff_parser "github.com/speakeasy-api/git-diff-parser"

	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/series"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

// File prefix sets for the netdev list. A series belongs here when at
// least one required prefix is hit and no file falls outside all sets.
var (
	requiredFiles = []string{
		"Documentation/networking/",
		"include/linux/netdevice.h",
		"include/linux/skbuff.h",
		"include/net/",
		"include/phy/",
		"net/",
		"drivers/atm/",
		"drivers/net/",
		"drivers/dsa/",
		"drivers/nfc/",
		"drivers/phy/",
		"drivers/net/ethernet/",
		"tools/testing/selftests/net/",
	}
	acceptableFiles = []string{
		"CREDITS",
		"MAINTAINERS",
		"Documentation/",
		"include/",
	}
	excludedFiles = []string{
		"drivers/net/wireless/",
	}
)

// Diffstat line, e.g. " net/ipv4/tcp.c | 12 ++--".
var diffstatRe = regexp.MustCompile(`^\s*([-\w/._]+)\s+\|\s+\d+\s*[-+]*\s*$`)

// Verdict of the local-files scan, a tri-state.
type Verdict int

const (
	// NotLocal: the series has nothing to do with this list.
	NotLocal Verdict = iota
	// Mixed: touches local code but also code outside.
	Mixed
	// Local: every touched file belongs to the list.
	Local
)

// matchPrefix handles both plain prefixes and diffstat-collapsed
// ".../" paths, which drop leading directories until a suffix fits.
func matchPrefix(pfx, file string) bool {
	if !strings.HasPrefix(file, ".../") {
		return strings.HasPrefix(file, pfx)
	}
	dirs := strings.Split(pfx, "/")
	for len(dirs) > 1 {
		dirs = dirs[1:]
		dotted := ".../" + strings.Join(dirs, "/")
		if strings.HasPrefix(file, dotted) {
			return true
		}
	}
	return false
}

// patchFiles extracts the touched files of a raw patch mail: the files
// named by the diff proper plus the diffstat lines (which are the only
// place truncated ".../" paths appear).
func patchFiles(raw string) []string {
	var files []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	diff, errs := git_diff_parser.Parse(raw)
	if len(errs) != 0 {
		log.Logf(1, "diff parse reported %v errors", len(errs))
	}
	for _, file := range diff.FileDiff {
		add(file.ToFile)
	}
	for _, line := range strings.Split(raw, "\n") {
		// The diffstat ends at the summary line.
		if strings.Contains(line, " changed, ") {
			break
		}
		if match := diffstatRe.FindStringSubmatch(line); match != nil {
			add(match[1])
		}
	}
	return files
}

// shouldBeLocalFiles classifies one patch by its touched files.
func shouldBeLocalFiles(raw string) Verdict {
	requiredFound := false
	foreignFound := false
	for _, file := range patchFiles(raw) {
		closer := log.OpenSection("checking file name %v", file)
		found := false
		excluded := false
		for _, pfx := range excludedFiles {
			if matchPrefix(pfx, file) {
				log.Logf(1, "excluded by %v", pfx)
				excluded = true
				break
			}
		}
		for _, pfx := range append(append([]string{}, requiredFiles...), acceptableFiles...) {
			if !matchPrefix(pfx, file) {
				continue
			}
			log.Logf(1, "matched by %v", pfx)
			found = true
			if !excluded && isRequired(pfx) {
				requiredFound = true
			}
		}
		closer()
		if !found {
			log.Logf(1, "file name %v was not matched by any list", file)
			foreignFound = true
		}
	}
	log.Logf(1, "required found: %v, foreign found: %v", requiredFound, foreignFound)
	if !requiredFound {
		return NotLocal
	}
	if foreignFound {
		return Mixed
	}
	return Local
}

func isRequired(pfx string) bool {
	for _, req := range requiredFiles {
		if pfx == req {
			return true
		}
	}
	return false
}

// SeriesShouldBeLocal aggregates patch verdicts: all is the weakest
// verdict across patches, someLocal is true when any patch is fully
// local.
func SeriesShouldBeLocal(s *series.Series) (all Verdict, someLocal bool) {
	all = Local
	for _, patch := range s.Patches {
		verdict := shouldBeLocalFiles(patch.Raw)
		if verdict < all {
			all = verdict
		}
		if verdict == Local {
			someLocal = true
		}
	}
	return all, someLocal
}

// Subject patterns that excuse a missing tree designation.
func ignoreMissingTreeName(subject string) bool {
	return strings.Contains(subject, "] can: ") ||
		strings.Contains(subject, "pull-request:") ||
		strings.Contains(subject, "[GIT")
}

func SeriesIgnoreMissingTreeName(s *series.Series) bool {
	if s.CoverLetter != "" {
		return ignoreMissingTreeName(s.Subject)
	}
	for _, patch := range s.Patches {
		if !ignoreMissingTreeName(patch.Subject) {
			return false
		}
	}
	return true
}

// TreeNameDirect returns the first configured tree named in the
// bracketed subject tag, if any. Longer names are matched first by
// passing them in most-specific order (net-next before net).
func TreeNameDirect(trees []string, subject string) string {
	for _, tree := range trees {
		re := regexp.MustCompile(`^\[.*` + regexp.QuoteMeta(tree) + `.*\]`)
		if re.MatchString(subject) {
			return tree
		}
	}
	return ""
}

var fixesRe = regexp.MustCompile(`(?m)^Fixes: ([a-f0-9]+) \(`)

// SeriesIsAFixFor reports whether every Fixes: tag in the series
// refers to a commit reachable from the tree and the series applies
// to it. A series without Fixes: tags is not a fix.
func SeriesIsAFixFor(s *series.Series, tree *vcs.Tree) (bool, error) {
	var commits []string
	for _, patch := range s.Patches {
		for _, match := range fixesRe.FindAllStringSubmatch(patch.Raw, -1) {
			commits = append(commits, match[1])
		}
	}
	if len(commits) == 0 {
		return false, nil
	}
	for _, commit := range commits {
		if !tree.Contains(commit) {
			return false, nil
		}
	}
	return tree.CheckApplies(s)
}

// Selector routes series to trees for one list.
type Selector struct {
	// Tree names in match order, most specific first.
	Names       []string
	CurrentTree string
	NextTree    string
	Trees       map[string]*vcs.Tree
}

// Determine picks the target tree for a series, mutating its TreeName,
// TreeMarkExpected and TreeMarked fields, and returns a human-readable
// reason.
func (sel *Selector) Determine(s *series.Series) string {
	closer := log.OpenSection("determining the tree")
	defer closer()

	s.TreeName = TreeNameDirect(sel.Names, s.Subject)
	s.TreeMarkExpected = series.Expected
	s.TreeMarked = s.TreeName != ""

	if s.IsPurePull() {
		if strings.Contains(s.Title, "-next") {
			s.TreeName = sel.NextTree
		} else {
			s.TreeName = sel.CurrentTree
		}
		s.TreeMarkExpected = series.Ignore
		return "Pull request for " + s.TreeName
	}

	if s.TreeName != "" {
		log.Logf(1, "series is clearly designated for: %v", s.TreeName)
		return "Clearly marked for " + s.TreeName
	}

	all, someLocal := SeriesShouldBeLocal(s)
	s.TreeMarkExpected = verdictToTriState(all)
	if !someLocal {
		log.Logf(1, "no tree designation found or guessed")
		return "Not a local patch"
	}

	if SeriesIgnoreMissingTreeName(s) {
		s.TreeMarkExpected = series.Ignore
		log.Logf(1, "okay to ignore lack of tree in subject, ignoring series")
		return "Series ignored based on subject"
	}

	if tree := sel.Trees[sel.CurrentTree]; tree != nil {
		if fix, err := SeriesIsAFixFor(s, tree); err != nil {
			log.Logf(0, "fix-for check failed: %v", err)
		} else if fix {
			s.TreeName = sel.CurrentTree
		}
	}
	if s.TreeName == "" {
		if tree := sel.Trees[sel.NextTree]; tree != nil {
			if ok, err := tree.CheckApplies(s); err != nil {
				log.Logf(0, "test apply failed: %v", err)
			} else if ok {
				s.TreeName = sel.NextTree
			}
		}
	}

	if s.TreeName != "" {
		log.Logf(1, "target tree - %v", s.TreeName)
		return "Guessed tree name to be " + s.TreeName
	}
	log.Logf(1, "target tree not found")
	return "Guessing tree name failed - patch did not apply"
}

func verdictToTriState(v Verdict) series.TriState {
	switch v {
	case Local:
		return series.Expected
	case Mixed:
		return series.Ignore
	}
	return series.NotExpected
}
