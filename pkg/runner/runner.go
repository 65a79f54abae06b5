// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runner executes a selftest target against an integration
// branch: it builds the kernel, discovers the test programs and runs
// them in parallel across a pool of VM-owning workers.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linux-netdev/nipa-go/pkg/config"
	"github.com/linux-netdev/nipa-go/pkg/ktap"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
	"github.com/linux-netdev/nipa-go/pkg/stat"
	"github.com/linux-netdev/nipa-go/pkg/vm"
)

var statTestSeconds = stat.New("test seconds", "Per-test wall clock runtime", stat.Distribution{})

// Config is the executor configuration, one file per test group.
type Config struct {
	Executor struct {
		Name            string `yaml:"name"`
		Init            string `yaml:"init"`
		DeadlineMinutes int    `yaml:"deadline_minutes"`
		// FirstRun is "continue", "force" or "next", see FetcherConfig.
		FirstRun string `yaml:"first_run"`
	} `yaml:"executor"`
	Remote struct {
		Branches string `yaml:"branches"`
	} `yaml:"remote"`
	Local struct {
		BasePath    string `yaml:"base_path"`
		JSONPath    string `yaml:"json_path"`
		ResultsPath string `yaml:"results_path"`
		PatchesPath string `yaml:"patches_path"`
	} `yaml:"local"`
	WWW struct {
		URL string `yaml:"url"`
	} `yaml:"www"`
	Ksft struct {
		Target      string `yaml:"target"`
		NestedTests bool   `yaml:"nested_tests"`
	} `yaml:"ksft"`
	Threads struct {
		Count       int     `yaml:"count"`
		SpawnDelay  float64 `yaml:"spawn_delay"`
		WaitLoadavg float64 `yaml:"wait_loadavg"`
	} `yaml:"threads"`
	VM vm.Config `yaml:"vm"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadYAMLFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Case is one published test result.
type Case struct {
	Test    string   `json:"test"`
	Group   string   `json:"group"`
	Result  string   `json:"result"`
	Link    string   `json:"link"`
	Retry   string   `json:"retry,omitempty"`
	Crashes []string `json:"crashes,omitempty"`
}

// workItem travels through the pool twice for failing tests: once as
// work, once more as a retry (Result already set).
type workItem struct {
	TID      int
	Prog     string
	Test     string
	FileName string
	Result   string
	Retry    string
	Elapsed  float64
	Crashes  []string
}

// Runner runs one test group and remembers per-program runtimes
// across runs for longest-first scheduling.
type Runner struct {
	cfg         *Config
	prevRuntime map[string]float64
}

func New(cfg *Config) *Runner {
	return &Runner{cfg: cfg, prevRuntime: make(map[string]float64)}
}

// Test builds the branch currently checked out in the tree and runs
// the whole test group against it. It is the Fetcher callback.
func (r *Runner) Test(binfo *BranchInfo, rinfo *RunInfo) ([]Case, error) {
	cfg := r.cfg
	log.Logf(0, "run for %v started", binfo.Branch)

	resultsPath := filepath.Join(cfg.Local.BasePath, cfg.Local.ResultsPath, rinfo.Cookie)
	if err := osutil.MkdirAll(resultsPath); err != nil {
		return nil, err
	}
	link := cfg.WWW.URL + "/" + cfg.Local.ResultsPath + "/" + rinfo.Cookie
	rinfo.Link = link
	target := cfg.Ksft.Target
	grpName := "selftests-" + ktap.Namify(target)

	machine := vm.New(&cfg.VM, "")
	if err := machine.Build([]string{fmt.Sprintf("tools/testing/selftests/%s/config", target)}, nil); err != nil {
		log.Logf(0, "build failed: %v", err)
		machine.DumpLog(filepath.Join(resultsPath, "build"), "", nil)
		return []Case{{
			Test:   "build",
			Group:  grpName,
			Result: "fail",
			Link:   link + "/build",
		}}, nil
	}
	osutil.CopyFile(filepath.Join(cfg.VM.TreePath, ".config"), filepath.Join(resultsPath, "config"))
	machine.TreeCmd("make headers")
	machine.TreeCmd(fmt.Sprintf("make -C tools/testing/selftests/%s/", target))
	machine.DumpLog(filepath.Join(resultsPath, "build"), "", nil)

	progs, err := r.progList(machine, target)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(progs, func(i, j int) bool {
		return r.prevRuntime[progs[i]] > r.prevRuntime[progs[j]]
	})

	deadline := cfg.Executor.DeadlineMinutes
	if deadline == 0 {
		deadline = 999999
	}
	pool := &pool{
		cfg:         cfg,
		resultsPath: resultsPath,
		hardStop:    binfo.Date.Add(time.Duration(deadline) * time.Minute),
		inQ:         make(chan *workItem, 2*len(progs)+16),
	}
	for i, prog := range progs {
		pool.inQ <- &workItem{TID: i + 1, Prog: prog}
	}

	g := new(errgroup.Group)
	for i := 0; i < cfg.Threads.Count; i++ {
		thrID := i
		// In case multiple executors share the machine, wait for the
		// others to finish building before booting more VMs.
		waitLoadavg(cfg.Threads.WaitLoadavg)
		log.Logf(0, "starting VM worker %d", thrID)
		g.Go(func() error { return pool.worker(thrID) })
		time.Sleep(time.Duration(cfg.Threads.SpawnDelay * float64(time.Second)))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var cases []Case
	for _, item := range pool.done {
		if item.Elapsed > 0 {
			r.prevRuntime[item.Prog] = item.Elapsed
			statTestSeconds.Add(int(item.Elapsed))
		}
		cases = append(cases, Case{
			Test:    item.Test,
			Group:   grpName,
			Result:  item.Result,
			Link:    link + "/" + item.FileName,
			Retry:   item.Retry,
			Crashes: item.Crashes,
		})
	}
	if len(pool.inQ) != 0 {
		log.Logf(0, "input queue is not empty after workers exited")
	}
	log.Logf(0, "run for %v done, %d cases", binfo.Branch, len(cases))
	return cases, nil
}

// progList asks the selftest build to install into a scratch dir and
// parses the generated kselftest-list.txt.
func (r *Runner) progList(machine *vm.VM, target string) ([]string, error) {
	tmp, err := os.MkdirTemp("", "ksft-install")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	err = machine.TreeCmd(fmt.Sprintf("make -C tools/testing/selftests/ TARGETS=%s INSTALL_PATH=%s install",
		target, tmp))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(tmp, "kselftest-list.txt"))
	if err != nil {
		return nil, err
	}
	var progs []string
	for _, line := range strings.Split(string(data), "\n") {
		_, prog, found := strings.Cut(line, ":")
		if found {
			progs = append(progs, strings.TrimSpace(prog))
		}
	}
	return progs, nil
}

type pool struct {
	cfg         *Config
	resultsPath string
	hardStop    time.Time
	inQ         chan *workItem

	mu   sync.Mutex
	done []*workItem
}

func (p *pool) put(item *workItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = append(p.done, item)
}

func (p *pool) worker(thrID int) error {
	name := fmt.Sprintf("thr%d", thrID)
	var machine *vm.VM
	vmID := -1
	defer func() {
		if machine != nil {
			machine.Stop()
			machine.DumpLog(filepath.Join(p.resultsPath, fmt.Sprintf("vm-stop-%s-%d", name, vmID)), "", nil)
		}
	}()

	for {
		var item *workItem
		select {
		case item = <-p.inQ:
		default:
			log.Logf(0, "%s has no more work, exiting", name)
			return nil
		}

		testName := ktap.Namify(item.Prog)
		fileName := fmt.Sprintf("%d-%s", item.TID, testName)
		isRetry := item.Result != ""
		if isRetry {
			fileName += "-retry"
		}
		// Don't run retries if we can't finish with 10min to spare.
		deadline := time.Until(p.hardStop)
		if isRetry && deadline-time.Duration(item.Elapsed*float64(time.Second)) < 10*time.Minute {
			log.Logf(0, "%s retry skipped == %s", name, item.Prog)
			p.put(item)
			continue
		}

		if machine == nil {
			var err error
			vmID, machine, err = vm.Boot(&p.cfg.VM, name, p.resultsPath, "", vmID)
			if err != nil {
				return err
			}
		}

		log.Logf(0, "%s testing == %s", name, item.Prog)
		start := time.Now()
		machine.Cmd(fmt.Sprintf(`make -C tools/testing/selftests TARGETS=%s TEST_PROGS=%s TEST_GEN_PROGS="" run_tests`,
			p.cfg.Ksft.Target, item.Prog))
		retcode := 0
		_, _, err := machine.DrainToPrompt("", 0)
		if err == nil {
			retcode, err = machine.BashPrevRetcode()
		}
		if err != nil {
			log.Logf(0, "%s test timed out: %s", name, item.Prog)
			machine.KillCurrentCmd()
			retcode = 1
		}
		elapsed := time.Since(start)

		indicators := vm.GuessIndicators(machine.LogOut())
		result := "pass"
		if indicators.Skip || !indicators.Pass {
			result = "skip"
		}
		if retcode == 4 {
			result = "skip"
		} else if retcode != 0 {
			result = "fail"
		}
		if indicators.Fail {
			result = "fail"
		}

		var crashes []string
		if machine.FailState == "oops" {
			log.Logf(0, "%s test crashed kernel: %s", name, item.Prog)
			crashOut := filepath.Join(p.resultsPath, fmt.Sprintf("vm-crash-%s-%d", name, vmID))
			crashes, _ = machine.ExtractCrash(crashOut)
			// Extraction clears false positives (all traces on the
			// ignore list), check the state again.
			if machine.FailState != "" {
				result = "fail"
			}
		}
		log.Logf(0, "%s %s >> retcode: %d result: %s found %+v", name, item.Prog, retcode, result, indicators)

		var outcome *workItem
		if isRetry {
			item.Retry = result
			outcome = item
		} else {
			outcome = &workItem{
				TID:      item.TID,
				Prog:     item.Prog,
				Test:     testName,
				FileName: fileName,
				Result:   result,
				Elapsed:  elapsed.Seconds(),
				Crashes:  crashes,
			}
		}
		if !isRetry && result == "fail" {
			p.inQ <- outcome
		} else {
			p.put(outcome)
		}

		if p.cfg.Ksft.NestedTests && !isRetry {
			nested := ktap.ParseNested(machine.LogOut())
			for _, sub := range nested {
				p.put(&workItem{
					Prog:     item.Prog,
					Test:     ktap.Namify(sub.Name),
					FileName: fileName,
					Result:   sub.Result,
				})
			}
			log.Logf(0, "%s %s >> nested tests: %d subtests", name, item.Prog, len(nested))
		}

		machine.DumpLog(filepath.Join(p.resultsPath, fileName), strconv.Itoa(retcode), map[string]string{
			"thr-id":   strconv.Itoa(thrID),
			"vm-id":    strconv.Itoa(vmID),
			"time":     fmt.Sprintf("%.2f", elapsed.Seconds()),
			"found":    fmt.Sprintf("%+v", indicators),
			"vm_state": machine.FailState,
		})

		if machine.FailState != "" {
			log.Logf(0, "%s VM kernel crashed, destroying it", name)
			machine.Stop()
			machine.DumpLog(filepath.Join(p.resultsPath, fmt.Sprintf("vm-stop-%s-%d", name, vmID)), "", nil)
			machine = nil
		}
	}
}

func waitLoadavg(target float64) {
	if target <= 0 {
		return
	}
	for {
		data, err := os.ReadFile("/proc/loadavg")
		if err != nil {
			return
		}
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			return
		}
		load, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || load <= target {
			return
		}
		log.Logf(0, "waiting for loadavg to drop below %.1f, now %.1f", target, load)
		time.Sleep(30 * time.Second)
	}
}
