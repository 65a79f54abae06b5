// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func setPdeathsig(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &unix.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = unix.SIGKILL
	// Start each subprocess in its own group so that a timeout kill
	// takes down grandchildren as well.
	cmd.SysProcAttr.Setpgid = true
}

func killPgroup(cmd *exec.Cmd) {
	unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// ProcessChildren returns pids of all live descendants of pid,
// deepest first so that killing in order does not orphan anyone.
func ProcessChildren(pid int) []int {
	children := map[int][]int{}
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, proc := range procs {
		child, err := strconv.Atoi(proc.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", proc.Name(), "stat"))
		if err != nil {
			continue
		}
		// Field 4 of /proc/pid/stat is ppid; comm may contain spaces
		// but is parenthesized, so split after the closing paren.
		stat := string(data)
		pos := strings.LastIndexByte(stat, ')')
		if pos == -1 {
			continue
		}
		fields := strings.Fields(stat[pos+1:])
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], child)
	}
	var all []int
	var walk func(int)
	walk = func(p int) {
		for _, child := range children[p] {
			walk(child)
			all = append(all, child)
		}
	}
	walk(pid)
	return all
}

// KillProcessTree SIGKILLs pid and all of its descendants.
func KillProcessTree(pid int) {
	for _, child := range ProcessChildren(pid) {
		unix.Kill(child, unix.SIGKILL)
	}
	unix.Kill(pid, unix.SIGKILL)
}

// Exec replaces the current process image, preserving argv and environment.
func Exec(bin string, args []string) error {
	return unix.Exec(bin, args, os.Environ())
}
