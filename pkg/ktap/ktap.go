// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ktap parses (K)TAP output of kernel selftests, including
// nested subtests reported inside TAP comments.
package ktap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Test results.
const (
	Pass = "pass"
	Fail = "fail"
	Skip = "skip"
)

// Test is one parsed result line together with the output that led up
// to it. TID numbers tests in parse order, SID is the TAP-assigned id.
type Test struct {
	TID     int
	SID     int
	Output  string
	Name    string
	Result  string
	Comment string
}

var resultRe = regexp.MustCompile(`(not )?ok (\d+) ([^#]*[^ ])( # )?([^ ].*)?$`)

// Split chops a full KTAP run into tests. Output lines preceding each
// "ok"/"not ok" line belong to that test.
func Split(fullRun string) []*Test {
	var tests []*Test
	var test *Test
	var output []string
	testID := 0

	for _, line := range strings.Split(fullRun, "\n") {
		if test == nil {
			test = &Test{TID: testID}
			testID++
			output = nil
		}
		output = append(output, line)
		if strings.HasPrefix(line, "ok ") {
			test.Result = Pass
		} else if strings.HasPrefix(line, "not ok ") {
			test.Result = Fail
		}
		if test.Result == "" {
			continue
		}
		v := resultRe.FindStringSubmatch(line)
		if v == nil {
			// "ok" line in a shape we don't understand, keep going.
			test.Result = ""
			continue
		}
		test.Output = strings.Join(output, "\n")
		test.SID, _ = strconv.Atoi(v[2])
		test.Name = v[3]
		test.Comment = v[5]
		if v[5] == "SKIP" && test.Result == Pass {
			test.Result = Skip
		}
		tests = append(tests, test)
		test = nil
	}
	return tests
}

// ExtractPrefix strips the common name prefix from a sibling group and
// returns it. A single test is treated as having everything up to its
// last colon in common.
func ExtractPrefix(tests []*Test) (string, error) {
	if len(tests) == 0 {
		return "", nil
	}
	var pfx string
	if len(tests) == 1 {
		idx := strings.LastIndex(tests[0].Name, ":")
		pfx = tests[0].Name[:idx+2]
	} else {
		pfx = tests[0].Name
		for _, test := range tests[1:] {
			pfx = commonPrefix(pfx, test.Name)
		}
		if pfx == "" {
			return "", fmt.Errorf("no common prefix found in %q", testNames(tests))
		}
	}
	for _, test := range tests {
		test.Name = test.Name[len(pfx):]
	}
	return strings.TrimSpace(pfx), nil
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}

func testNames(tests []*Test) []string {
	var names []string
	for _, test := range tests {
		names = append(names, test.Name)
	}
	return names
}

// NestedResult is one subtest recovered from TAP comments.
type NestedResult struct {
	Name   string
	Result string
}

var nestedResultRe = regexp.MustCompile(`(not )?ok (\d+)( -)? ([^#]*[^ ])( # )?([^ ].*)?$`)

// ParseNested extracts subtests reported as a nested TAP stream: a
// "# TAP version" comment opens the stream and subsequent "# "-prefixed
// lines carry the inner results.
func ParseNested(fullRun string) []NestedResult {
	var tests []NestedResult
	nested := false

	for _, line := range strings.Split(fullRun, "\n") {
		if nested {
			if !strings.HasPrefix(line, "# ") {
				nested = false
				continue
			}
			line = line[2:]
		} else if strings.HasPrefix(line, "# TAP version ") {
			nested = true
			continue
		} else {
			continue
		}

		var result string
		if strings.HasPrefix(line, "ok ") {
			result = Pass
		} else if strings.HasPrefix(line, "not ok ") {
			result = Fail
		} else {
			continue
		}
		v := nestedResultRe.FindStringSubmatch(line)
		if v == nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(v[6]), "skip") && result == Pass {
			result = Skip
		}
		tests = append(tests, NestedResult{Name: v[4], Result: result})
	}
	return tests
}

var namifyRe = regexp.MustCompile(`[^0-9a-zA-Z]+`)

// Namify turns an arbitrary test name into a file/URL-safe slug.
func Namify(what string) string {
	name := namifyRe.ReplaceAllString(what, "-")
	return strings.TrimSuffix(name, "-")
}
