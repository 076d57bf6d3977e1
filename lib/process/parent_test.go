// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/runhost/runhost/lib/testutil"
)

// helperEnv selects a helper role for the re-executed test binary:
// "parent" starts a "child" and reports its pid, "child" arranges to
// die with its parent and waits.
const helperEnv = "RUNHOST_PROCESS_TEST_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "parent":
		os.Exit(runParent())
	case "child":
		os.Exit(runChild())
	}
	os.Exit(m.Run())
}

func runParent() int {
	child := exec.Command(os.Args[0])
	child.Env = append(os.Environ(), helperEnv+"=child")
	output, err := child.StdoutPipe()
	if err != nil {
		return 1
	}
	if err := child.Start(); err != nil {
		return 1
	}
	if _, err := bufio.NewReader(output).ReadString('\n'); err != nil {
		return 1
	}
	fmt.Println(child.Process.Pid)
	time.Sleep(time.Minute)
	return 0
}

func runChild() int {
	if err := DieWithParent(); err != nil {
		return 1
	}
	fmt.Println("ready")
	time.Sleep(time.Minute)
	return 0
}

func TestDieWithParent(t *testing.T) {
	parent := exec.Command(os.Args[0])
	parent.Env = append(os.Environ(), helperEnv+"=parent")
	output, err := parent.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := parent.Start(); err != nil {
		t.Fatalf("starting helper: %v", err)
	}
	line, err := bufio.NewReader(output).ReadString('\n')
	if err != nil {
		parent.Process.Kill()
		parent.Wait()
		t.Fatalf("reading child pid: %v", err)
	}
	childPID, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		t.Fatalf("child pid %q: %v", line, err)
	}

	parent.Process.Kill()
	parent.Wait()
	testutil.RequireProcessGone(t, childPID, 10*time.Second, "child after its parent was killed")
}
