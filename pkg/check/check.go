// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package check discovers and executes per-series and per-patch checks.
// A check is a directory with a declarative info.json naming either a
// subprocess to run in the tree or a registered in-process function.
package check

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/series"
	"github.com/linux-netdev/nipa-go/pkg/vcs"
)

// Return code conventions shared with the remote executors.
const (
	RetPass     = 0
	RetSkip     = 4   // used by VM runners only
	RetDeferred = 111 // submitted elsewhere, no verdict yet
	RetWarning  = 250
)

const checkTimeout = time.Hour

// Testable is the subject of a check: a whole series or one patch.
type Testable = series.Appliable

// Func is an in-process check. It returns the retcode, a one-line
// description and the check's log output.
type Func func(tree *vcs.Tree, thing Testable, resultDir string) (int, string, string)

var funcs = make(map[string]Func)

// RegisterFunc makes an in-process check available for info.json
// "func" entries. Called from init functions of check implementations.
func RegisterFunc(name string, fn Func) {
	if funcs[name] != nil {
		panic(fmt.Sprintf("duplicate check func %q", name))
	}
	funcs[name] = fn
}

type Info struct {
	Run      []string `json:"run"`
	Func     string   `json:"func"`
	Disabled bool     `json:"disabled"`
}

type Check struct {
	Name string
	Path string
	Info Info
}

// Load reads one check directory.
func Load(path, name string) (*Check, error) {
	chk := &Check{
		Name: name,
		Path: osutil.Abs(path),
	}
	if err := config.LoadFile(filepath.Join(path, "info.json"), &chk.Info); err != nil {
		return nil, err
	}
	if len(chk.Info.Run) != 0 && !filepath.IsAbs(chk.Info.Run[0]) {
		chk.Info.Run[0] = filepath.Join(chk.Path, chk.Info.Run[0])
	}
	if chk.Info.Func != "" && funcs[chk.Info.Func] == nil {
		return nil, fmt.Errorf("check %v: unknown func %q", name, chk.Info.Func)
	}
	return chk, nil
}

// LoadAll reads every check under dir/<kind>, sorted by name.
func LoadAll(dir, kind string) ([]*Check, error) {
	closer := log.OpenSection("%v checks", kind)
	defer closer()
	subdir := filepath.Join(dir, kind)
	entries, err := os.ReadDir(subdir)
	if err != nil {
		return nil, err
	}
	var checks []*Check
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		chk, err := Load(filepath.Join(subdir, entry.Name()), entry.Name())
		if err != nil {
			return nil, err
		}
		checks = append(checks, chk)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks, nil
}

// Result of one check execution.
type Result struct {
	Retcode int
	Stdout  string
	Stderr  string
	Desc    string
}

func (res *Result) Passed() bool {
	return res.Retcode == RetPass
}

// WriteResult persists a result directory: retcode always, the other
// files only when non-empty, and a human-readable summary.
func (chk *Check) WriteResult(resultDir string, res *Result) error {
	testDir := filepath.Join(resultDir, chk.Name)
	if err := osutil.MkdirAll(testDir); err != nil {
		return err
	}
	if err := osutil.WriteFile(filepath.Join(testDir, "retcode"),
		[]byte(fmt.Sprint(res.Retcode))); err != nil {
		return err
	}
	for _, file := range []struct{ name, data string }{
		{"stdout", res.Stdout},
		{"stderr", res.Stderr},
		{"desc", res.Desc},
	} {
		if file.data == "" {
			continue
		}
		data := file.data
		if !strings.HasSuffix(data, "\n") {
			data += "\n"
		}
		if err := osutil.WriteFile(filepath.Join(testDir, file.name), []byte(data)); err != nil {
			return err
		}
	}
	return osutil.WriteFile(filepath.Join(testDir, "summary"), []byte(chk.summary(res)))
}

func (chk *Check) summary(res *Result) string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "==========\n")
	switch res.Retcode {
	case RetPass:
		fmt.Fprintf(buf, "%v - OKAY\n", chk.Name)
	case RetWarning:
		fmt.Fprintf(buf, "%v - WARNING\n", chk.Name)
	default:
		fmt.Fprintf(buf, "%v - FAILED\n\n", chk.Name)
		output := res.Stderr
		if strings.TrimSpace(output) == "" {
			output = res.Stdout
		}
		if strings.TrimSpace(output) != "" {
			if !strings.HasSuffix(output, "\n") {
				output += "\n"
			}
			buf.WriteString(output)
		}
	}
	return buf.String()
}

// Exec runs the check and writes its result directory. Returns whether
// the check passed. Disabled checks pass without running.
func (chk *Check) Exec(tree *vcs.Tree, thing Testable, resultDir string) (bool, error) {
	if chk.Info.Disabled {
		log.Logf(1, "skipping check %v - disabled", chk.Name)
		return true, nil
	}
	closer := log.OpenSection("running check %v", chk.Name)
	defer closer()
	var res *Result
	if len(chk.Info.Run) != 0 {
		res = chk.execRun(tree)
	} else {
		fn := funcs[chk.Info.Func]
		code, desc, output := fn(tree, thing, resultDir)
		res = &Result{Retcode: code, Stdout: output, Desc: desc}
	}
	if err := chk.WriteResult(resultDir, res); err != nil {
		return false, err
	}
	return res.Passed(), nil
}

// execRun invokes the check binary in the tree. The child may write a
// one-line description to the fd named by DESC_FD instead of polluting
// stdout.
func (chk *Check) execRun(tree *vcs.Tree) *Result {
	res := new(Result)
	descR, descW, err := os.Pipe()
	if err != nil {
		res.Retcode = 1
		res.Stderr = err.Error()
		return res
	}
	defer descR.Close()

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd := osutil.Command(chk.Info.Run[0], chk.Info.Run[1:]...)
	cmd.Dir = tree.Dir()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// ExtraFiles[0] becomes fd 3 in the child.
	cmd.ExtraFiles = []*os.File{descW}
	cmd.Env = append(os.Environ(), "DESC_FD=3")

	_, err = osutil.Run(checkTimeout, cmd)
	descW.Close()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var verbose *osutil.VerboseError
		if errors.As(err, &verbose) {
			res.Retcode = verbose.ExitCode
		}
		if res.Retcode == 0 {
			res.Retcode = 1
		}
	}
	desc, _ := io.ReadAll(descR)
	res.Desc = strings.TrimSpace(string(desc))
	return res
}
