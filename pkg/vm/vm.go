// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package vm boots test VMs on top of the kernel tree (virtme-ng by
// default) and drives an interactive shell inside them over the
// process pipes.
package vm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sys/unix"

	"github.com/linux-netdev/nipa-go/pkg/crash"
	"github.com/linux-netdev/nipa-go/pkg/log"
	"github.com/linux-netdev/nipa-go/pkg/osutil"
)

// Prompt is the sentinel the driver installs once the VM shell is up.
// It is unlikely to appear in test output.
const Prompt = "xx__-> "

const pollInterval = 30 * time.Millisecond

// Config describes how to build and boot a VM inside a kernel tree.
type Config struct {
	TreePath string `yaml:"tree_path"`
	// EnvPaths is appended to PATH of tree subprocesses (vng itself).
	EnvPaths string `yaml:"env_paths"`
	// BootCmd overrides the virtme-ng boot command, mostly for tests.
	BootCmd    []string `yaml:"boot_cmd"`
	Configs    []string `yaml:"configs"`
	VirtmeOpt  []string `yaml:"virtme_opt"`
	Cpus       string   `yaml:"cpus"`
	InitPrompt string   `yaml:"init_prompt"`
	// Paths, LdPaths and Exports are installed in the VM shell.
	Paths   string   `yaml:"paths"`
	LdPaths string   `yaml:"ld_paths"`
	Exports []string `yaml:"exports"`
	// Timeouts are in seconds. DefaultTimeout bounds inactivity while
	// draining, HardTimeout bounds one drain regardless of activity.
	DefaultTimeout int `yaml:"default_timeout"`
	BootTimeout    int `yaml:"boot_timeout"`
	HardTimeout    int `yaml:"hard_timeout"`
	// FiltersURL points at the collector's crash filter document.
	FiltersURL string `yaml:"filters_url"`
}

// DrainTimeoutError carries everything the VM said while we were
// waiting for a prompt that never came.
type DrainTimeoutError struct {
	Stdout string
	Stderr string
}

func (err *DrainTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for VM prompt, last output:\n%s", err.Stdout)
}

// VM is a single booted instance. Not safe for concurrent use, each
// runner worker owns its VM.
type VM struct {
	// FailState is "" or "oops" once a crash signature was seen in
	// the output stream.
	FailState string

	cfg    *Config
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	outC   chan []byte
	errC   chan []byte
	procs  []int
	logOut strings.Builder
	logErr strings.Builder

	filters       *crash.Filters
	filtersLoaded bool
}

func New(cfg *Config, name string) *VM {
	return &VM{cfg: cfg, name: name}
}

func (vm *VM) pfx() string {
	if vm.name == "" {
		return ""
	}
	return vm.name + ": "
}

// LogOut returns stdout captured since the last DumpLog.
func (vm *VM) LogOut() string { return vm.logOut.String() }

// LogErr returns stderr captured since the last DumpLog.
func (vm *VM) LogErr() string { return vm.logErr.String() }

func (vm *VM) treeCommand(args []string) *exec.Cmd {
	cmd := osutil.Command(args[0], args[1:]...)
	cmd.Dir = vm.cfg.TreePath
	if vm.cfg.EnvPaths != "" {
		cmd.Env = append(os.Environ(), "PATH="+os.Getenv("PATH")+":"+vm.cfg.EnvPaths)
	}
	return cmd
}

// TreeCmd runs a command in the kernel tree and captures its output
// into the VM log.
func (vm *VM) TreeCmd(cmdline string) error {
	vm.logOut.WriteString("> TREE CMD: " + cmdline + "\n")
	cmd := vm.treeCommand(strings.Fields(cmdline))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	vm.logOut.Write(stdout.Bytes())
	vm.logErr.Write(stderr.Bytes())
	return err
}

// Build rebuilds the kernel from scratch. Config and module deps can
// be stale otherwise, hence the mrproper.
func (vm *VM) Build(extraConfigs, overrideConfigs []string) error {
	if vm.logOut.Len() != 0 || vm.logErr.Len() != 0 {
		return errors.New("logs were not flushed before build")
	}
	var configs []string
	if overrideConfigs != nil {
		configs = append(configs, overrideConfigs...)
	} else {
		configs = append(configs, vm.cfg.Configs...)
	}
	configs = append(configs, extraConfigs...)

	log.Logf(0, "%vbuilding kernel", vm.pfx())
	if err := vm.TreeCmd("make mrproper"); err != nil {
		return err
	}
	cmdline := "vng -v -b"
	for _, config := range configs {
		cmdline += " -f " + config
	}
	return vm.TreeCmd(cmdline)
}

// Start boots the VM and waits for the configured initial prompt,
// then installs the sentinel prompt and the extra PATHs/exports.
func (vm *VM) Start(cwd string) error {
	args := vm.cfg.BootCmd
	if len(args) == 0 {
		args = strings.Fields("vng -v -r arch/x86/boot/bzImage --user root")
	}
	args = append([]string{}, args...)
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	args = append(args, vm.cfg.VirtmeOpt...)
	if vm.cfg.Cpus != "" {
		args = append(args, "--cpus", vm.cfg.Cpus)
	}

	log.Logf(0, "%vVM starting: %v", vm.pfx(), strings.Join(args, " "))
	cmd := vm.treeCommand(args)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	vm.cmd = cmd
	vm.stdin = stdin
	vm.outC = readPipe(stdout)
	vm.errC = readPipe(stderr)
	vm.FailState = ""

	initPrompt := vm.cfg.InitPrompt
	if !strings.HasSuffix(initPrompt, " ") {
		initPrompt += " "
	}
	log.Logf(1, "%vexpecting prompt: %q", vm.pfx(), initPrompt)
	_, _, bootErr := vm.DrainToPrompt(initPrompt, time.Duration(vm.cfg.BootTimeout)*time.Second)
	// Save the children even on failure, Stop needs them to kill.
	vm.procs = append(osutil.ProcessChildren(cmd.Process.Pid), cmd.Process.Pid)
	if bootErr != nil {
		return bootErr
	}
	log.Logf(0, "%vreached initial prompt", vm.pfx())

	setup := []string{"PS1='" + Prompt + "'"}
	if vm.cfg.Paths != "" {
		setup = append(setup, "export PATH="+vm.cfg.Paths+":$PATH")
	}
	if vm.cfg.LdPaths != "" {
		setup = append(setup, "export LD_LIBRARY_PATH="+vm.cfg.LdPaths+":$LD_LIBRARY_PATH")
	}
	for _, export := range vm.cfg.Exports {
		setup = append(setup, "export "+export)
	}
	setup = append(setup, "env")
	for _, command := range setup {
		if err := vm.Cmd(command); err != nil {
			return err
		}
		if _, _, err := vm.DrainToPrompt("", 0); err != nil {
			return err
		}
	}
	return nil
}

func readPipe(r io.Reader) chan []byte {
	c := make(chan []byte, 1)
	go func() {
		defer close(c)
		for {
			buf := make([]byte, 1024)
			n, err := r.Read(buf)
			if n > 0 {
				c <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

// Cmd sends a command line into the VM shell.
func (vm *VM) Cmd(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	_, err := io.WriteString(vm.stdin, command)
	return err
}

// CtrlC interrupts whatever runs in the shell.
func (vm *VM) CtrlC() {
	vm.logOut.WriteString("\nCtrl-C stdout\n")
	vm.logErr.WriteString("\nCtrl-C stderr\n")
	vm.stdin.Write([]byte{0x03})
}

// KillCurrentCmd tries to get back to a prompt after a command that
// overstayed its welcome.
func (vm *VM) KillCurrentCmd() {
	vm.CtrlC()
	vm.CtrlC()
	if _, _, err := vm.DrainToPrompt("", 12*time.Second); err != nil {
		log.Logf(0, "%vfailed to interrupt process", vm.pfx())
	}
}

func (vm *VM) filterChunk(buf []byte) string {
	out := decodeAndFilter(buf)
	if strings.Contains(out, "] RIP: ") || strings.Contains(out, "] Call Trace:") {
		vm.FailState = "oops"
	}
	return out
}

// DrainToPrompt reads VM output until stdout ends with prompt.
// Empty prompt selects the sentinel, zero dumpAfter the configured
// default. dumpAfter bounds inactivity, not total time; the optional
// hard timeout bounds total time.
func (vm *VM) DrainToPrompt(prompt string, dumpAfter time.Duration) (string, string, error) {
	if prompt == "" {
		prompt = Prompt
	}
	if dumpAfter == 0 {
		dumpAfter = time.Duration(vm.cfg.DefaultTimeout) * time.Second
	}
	hardStop := time.Duration(1<<62 - 1)
	if vm.cfg.HardTimeout > 0 {
		hardStop = time.Duration(vm.cfg.HardTimeout) * time.Second
	}
	var waited, totalWait time.Duration
	var stdout, stderr strings.Builder
	outC, errC := vm.outC, vm.errC
	for {
		readSome := false
		chunk := ""
		select {
		case buf, ok := <-outC:
			if !ok {
				outC = nil
				break
			}
			readSome = true
			chunk = vm.filterChunk(buf)
			vm.logOut.WriteString(chunk)
			stdout.WriteString(chunk)
		case buf, ok := <-errC:
			if !ok {
				errC = nil
				break
			}
			readSome = true
			out := vm.filterChunk(buf)
			vm.logErr.WriteString(out)
			stderr.WriteString(out)
		case <-time.After(pollInterval):
			waited += pollInterval
			totalWait += pollInterval
		}
		if readSome {
			if strings.HasSuffix(stdout.String(), prompt) {
				break
			}
			// A bit of a hack: kernel spew can clobber the prompt.
			// Poke the shell with a new line to get a fresh one.
			if strings.Contains(chunk, prompt) {
				vm.Cmd("\n")
				time.Sleep(250 * time.Millisecond)
			}
			waited = 0
		}
		if outC == nil && errC == nil {
			// VM exited without ever printing the prompt.
			waited = hardStop + dumpAfter
		}
		if totalWait > hardStop {
			waited = hardStop + dumpAfter
		}
		if waited > dumpAfter {
			log.Logf(0, "%vtimeout waiting for prompt, waited %v, total %v", vm.pfx(), waited, totalWait)
			vm.logOut.WriteString("\nWAIT TIMEOUT stdout\n")
			vm.logErr.WriteString("\nWAIT TIMEOUT stderr\n")
			return stdout.String(), stderr.String(), &DrainTimeoutError{
				Stdout: stdout.String(),
				Stderr: stderr.String(),
			}
		}
	}
	return stdout.String(), stderr.String(), nil
}

// Stop asks the shell to exit and falls back to killing the whole
// process tree when that does not work.
func (vm *VM) Stop() {
	vm.Cmd("exit")
	done := make(chan error, 1)
	go func() { done <- vm.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		log.Logf(0, "%vprocess did not exit, killing %v %v", vm.pfx(), vm.cmd.Process.Pid, vm.procs)
		for _, pid := range vm.procs {
			unix.Kill(pid, unix.SIGKILL)
		}
		osutil.KillProcessTree(vm.cmd.Process.Pid)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	for buf := range vm.outC {
		vm.logOut.WriteString(decodeAndFilter(buf))
	}
	for buf := range vm.errC {
		vm.logErr.WriteString(decodeAndFilter(buf))
	}
	vm.stdin.Close()
	log.Logf(0, "%vVM stopped", vm.pfx())
}

// DumpLog writes the captured logs plus optional result/info metadata
// into dirPath and resets the log buffers.
func (vm *VM) DumpLog(dirPath, result string, info map[string]string) error {
	if err := osutil.MkdirAll(dirPath); err != nil {
		return err
	}
	if vm.logOut.Len() != 0 {
		if err := osutil.WriteFile(filepath.Join(dirPath, "stdout"), []byte(vm.logOut.String())); err != nil {
			return err
		}
	}
	if vm.logErr.Len() != 0 {
		if err := osutil.WriteFile(filepath.Join(dirPath, "stderr"), []byte(vm.logErr.String())); err != nil {
			return err
		}
	}
	if result != "" {
		if err := osutil.WriteFile(filepath.Join(dirPath, "result"), []byte(result)); err != nil {
			return err
		}
	}
	if info != nil {
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s:\t%s\n", k, info[k])
		}
		if err := osutil.WriteFile(filepath.Join(dirPath, "info"), []byte(sb.String())); err != nil {
			return err
		}
	}
	vm.logOut.Reset()
	vm.logErr.Reset()
	return nil
}

func (vm *VM) getFilters() *crash.Filters {
	if vm.filtersLoaded {
		return vm.filters
	}
	vm.filtersLoaded = true
	if vm.cfg.FiltersURL == "" {
		return nil
	}
	resp, err := http.Get(vm.cfg.FiltersURL)
	if err != nil {
		log.Logf(0, "%vfailed to fetch crash filters: %v", vm.pfx(), err)
		return nil
	}
	defer resp.Body.Close()
	filters := new(crash.Filters)
	if err := json.NewDecoder(resp.Body).Decode(filters); err != nil {
		log.Logf(0, "%vfailed to parse crash filters: %v", vm.pfx(), err)
		return nil
	}
	vm.filters = filters
	return vm.filters
}

// ExtractCrash pulls crash regions out of the captured output, runs
// them through the tree's stacktrace decoder and appends the decoded
// text to outPath. Returns the fingerprints of the regions it saw.
// When every fingerprint is on the collector's ignore list the fail
// state is cleared.
func (vm *VM) ExtractCrash(outPath string) ([]string, error) {
	lines, fingerPrints := crash.Extract(vm.logOut.String(), Prompt, vm.getFilters)
	if len(lines) == 0 {
		log.Logf(0, "%vcrash extraction found no crashes", vm.pfx())
		return nil, nil
	}

	cmd := vm.treeCommand([]string{"./scripts/decode_stacktrace.sh", "vmlinux", "auto", "./"})
	cmd.Stdin = strings.NewReader(strings.Join(lines, "\n"))
	var decoded bytes.Buffer
	cmd.Stdout = &decoded
	if err := cmd.Run(); err != nil {
		// Decoding is best effort, keep the raw lines.
		log.Logf(0, "%vstacktrace decode failed: %v", vm.pfx(), err)
		decoded.Reset()
		decoded.WriteString(strings.Join(lines, "\n"))
	}

	fingers := make([]string, 0, len(fingerPrints))
	for fp := range fingerPrints {
		fingers = append(fingers, fp)
	}
	sort.Strings(fingers)

	f, err := os.OpenFile(outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, osutil.DefaultFilePerm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "======================================\n%s\n\nFinger prints:\n%s\n",
		decoded.String(), strings.Join(fingers, "\n")); err != nil {
		return nil, err
	}

	filters := vm.getFilters()
	if filters != nil && len(filters.IgnoreCrashes) > 0 {
		ignored := true
		for _, fp := range fingers {
			known := false
			for _, ign := range filters.IgnoreCrashes {
				if fp == ign {
					known = true
					break
				}
			}
			ignored = ignored && known
		}
		if ignored {
			log.Logf(0, "%vall crashes were ignored", vm.pfx())
			vm.FailState = ""
		}
	}
	return fingers, nil
}

// BashPrevRetcode asks the shell for the exit code of the previous
// command.
func (vm *VM) BashPrevRetcode() (int, error) {
	if err := vm.Cmd("echo $?"); err != nil {
		return 0, err
	}
	stdout, _, err := vm.DrainToPrompt("", 0)
	if err != nil {
		return 0, err
	}
	// First line is the echoed command, second the code.
	lines := strings.Split(stdout, "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected retcode output %q", stdout)
	}
	return strconv.Atoi(strings.TrimSpace(lines[1]))
}

// Boot starts a fresh VM, retrying a few times: for whatever reason
// starting sometimes hangs or crashes. Returns the incremented vm id.
func Boot(cfg *Config, name, resultsPath, cwd string, vmID int) (int, *VM, error) {
	vm := New(cfg, name)
	for i := 1; ; i++ {
		err := vm.Start(cwd)
		if err == nil {
			vmID++
			dir := filepath.Join(resultsPath, fmt.Sprintf("vm-start-%s-%d", name, vmID))
			if err := vm.DumpLog(dir, "", nil); err != nil {
				log.Logf(0, "%vfailed to dump boot log: %v", vm.pfx(), err)
			}
			return vmID, vm, nil
		}
		var timeout *DrainTimeoutError
		if !errors.As(err, &timeout) || i > 4 {
			return vmID, nil, err
		}
		log.Logf(0, "%vVM did not start, retrying %d/4", vm.pfx(), i)
		dir := filepath.Join(resultsPath, fmt.Sprintf("vm-crashed-%s-%d-%d", name, vmID, i))
		if err := vm.DumpLog(dir, "", nil); err != nil {
			log.Logf(0, "%vfailed to dump crash log: %v", vm.pfx(), err)
		}
		vm.Stop()
	}
}

// decodeAndFilter drops the bracketed-paste control sequence and all
// non-printing characters except newlines.
func decodeAndFilter(buf []byte) string {
	for {
		i := bytes.Index(buf, []byte("\x1b[?2004"))
		if i == -1 {
			break
		}
		end := i + 8
		if end > len(buf) {
			end = len(buf)
		}
		buf = append(buf[:i:i], buf[end:]...)
	}
	var sb strings.Builder
	for _, r := range string(buf) {
		if r == '\n' || unicode.IsPrint(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Indicators are pass/skip/fail words spotted in raw test output,
// used when the test's exit code alone is not trustworthy.
type Indicators struct {
	Fail bool
	Skip bool
	Pass bool
}

// GuessIndicators scans test output for the usual result markers.
func GuessIndicators(output string) Indicators {
	return Indicators{
		Fail: strings.Contains(output, "[FAIL]") || strings.Contains(output, "[fail]") ||
			strings.Contains(output, "\nnot ok 1 selftests: ") ||
			strings.Contains(output, "\n# not ok 1"),
		Skip: strings.Contains(output, "[SKIP]") || strings.Contains(output, "[skip]") ||
			strings.Contains(output, " # SKIP"),
		Pass: strings.Contains(output, "[OKAY]") || strings.Contains(output, "[PASS]") ||
			strings.Contains(output, "[ OK ]") || strings.Contains(output, "[OK]") ||
			strings.Contains(output, "[ ok ]") || strings.Contains(output, "[pass]") ||
			strings.Contains(output, "PASSED all ") ||
			strings.Contains(output, "\nok 1 selftests: "),
	}
}
