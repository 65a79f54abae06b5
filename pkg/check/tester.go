// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package check

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/series"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

// ErrAlreadyTested is returned when the series result dir carries a
// done marker from a previous run.
var ErrAlreadyTested = errors.New("series already tested")

const doneMarker = ".tester_done"

// Tester runs the configured checks for one tree. Feed it series
// through TestSeries; each call owns the tree for its duration.
type Tester struct {
	Tree        *vcs.Tree
	ResultDir   string
	SeriesTests []*Check
	PatchTests  []*Check
}

func NewTester(tree *vcs.Tree, resultDir, testsDir string) (*Tester, error) {
	tester := &Tester{
		Tree:      tree,
		ResultDir: resultDir,
	}
	if err := osutil.MkdirAll(resultDir); err != nil {
		return nil, err
	}
	var err error
	if tester.SeriesTests, err = LoadAll(testsDir, "series"); err != nil {
		return nil, err
	}
	if tester.PatchTests, err = LoadAll(testsDir, "patch"); err != nil {
		return nil, err
	}
	return tester, nil
}

// TestSeries applies the series and runs all checks, writing result
// directories under <ResultDir>/<series_id>/. A series that was fully
// tested before returns ErrAlreadyTested. A half-finished series (no
// done marker) is redone from scratch.
func (tester *Tester) TestSeries(s *series.Series) error {
	closer := log.OpenSection("running tests in tree %v for %v", tester.Tree.Name, s.Title)
	defer closer()

	seriesDir := filepath.Join(tester.ResultDir, strconv.Itoa(s.ID))
	if osutil.IsExist(filepath.Join(seriesDir, doneMarker)) {
		log.Logf(0, "already tested")
		return ErrAlreadyTested
	}
	if err := osutil.MkdirAll(seriesDir); err != nil {
		return err
	}

	applies, err := tester.Tree.CheckApplies(s)
	if err != nil {
		return err
	}
	if !applies {
		if err := tester.writeApplyFailure(s, seriesDir); err != nil {
			return err
		}
		return tester.markDone(seriesDir)
	}

	if err := tester.Tree.Reset(false); err != nil {
		return err
	}
	for _, chk := range tester.SeriesTests {
		if _, err := chk.Exec(tester.Tree, s, seriesDir); err != nil {
			return err
		}
	}

	for _, patch := range s.Patches {
		closer := log.OpenSection("testing patch %v", patch.Title)
		patchDir := filepath.Join(seriesDir, strconv.Itoa(patch.ID))
		if err := osutil.MkdirAll(patchDir); err != nil {
			closer()
			return err
		}
		if err := tester.Tree.Apply(patch); err != nil {
			// Nothing to test beyond a patch that does not apply.
			log.Logf(0, "patch failed to apply mid-series: %v", err)
			closer()
			break
		}
		for _, chk := range tester.PatchTests {
			if _, err := chk.Exec(tester.Tree, patch, patchDir); err != nil {
				closer()
				return err
			}
		}
		closer()
	}
	return tester.markDone(seriesDir)
}

// writeApplyFailure records the outcome of a series that does not
// apply: either it is already in the tree (pass) or it is stale (fail).
func (tester *Tester) writeApplyFailure(s *series.Series, seriesDir string) error {
	applyDir := filepath.Join(seriesDir, "apply")
	if err := osutil.MkdirAll(applyDir); err != nil {
		return err
	}
	if err := tester.Tree.Reset(false); err != nil {
		return err
	}
	applied, err := tester.Tree.IsApplied(s)
	if err != nil {
		return err
	}
	retcode, desc := "1", fmt.Sprintf("Patch does not apply to %v", tester.Tree.Name)
	if applied {
		log.Logf(0, "series already applied")
		retcode, desc = "0", fmt.Sprintf("Patch already applied to %v", tester.Tree.Name)
	} else {
		log.Logf(0, "series does not apply")
	}
	if err := osutil.WriteFile(filepath.Join(applyDir, "retcode"), []byte(retcode)); err != nil {
		return err
	}
	return osutil.WriteFile(filepath.Join(applyDir, "desc"), []byte(desc))
}

func (tester *Tester) markDone(seriesDir string) error {
	return osutil.WriteFile(filepath.Join(seriesDir, doneMarker), nil)
}

// WriteSelectionResult records the routing verdict for a series that
// will not run in any tree (ignored or unroutable) and marks it done
// so later polls skip it.
func WriteSelectionResult(resultDir string, s *series.Series, comment string) error {
	seriesDir := filepath.Join(resultDir, strconv.Itoa(s.ID))
	selDir := filepath.Join(seriesDir, "tree-selection")
	if err := osutil.MkdirAll(selDir); err != nil {
		return err
	}
	if err := osutil.WriteFile(filepath.Join(selDir, "retcode"), []byte("0")); err != nil {
		return err
	}
	desc := fmt.Sprintf("tree=%v mark-expected=%v marked=%v: %v",
		s.TreeName, s.TreeMarkExpected, s.TreeMarked, comment)
	if err := osutil.WriteFile(filepath.Join(selDir, "desc"), []byte(desc)); err != nil {
		return err
	}
	return osutil.WriteFile(filepath.Join(seriesDir, doneMarker), nil)
}
