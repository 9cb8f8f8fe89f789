// Fakeagent is a stand-in for the real agent CLI, for local development
// and demos. It reads the phase from the environment studiod sets and
// writes the artifact that phase is expected to produce.
//
// Usage (as the studiod agent command):
//
//	agent:
//	  command: fakeagent
//	  args: []
//
// By default QA passes. FAKEAGENT_FAIL_QA_UNTIL=n makes the first n QA
// runs file a bug report, exercising the repair loop end to end.
// FAKEAGENT_FAIL_PHASE=arch makes that phase exit non-zero.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

func main() {
	phase := os.Getenv("STUDIOD_PHASE")
	if phase == "" {
		fmt.Fprintln(os.Stderr, "fakeagent: STUDIOD_PHASE is not set; run me through studiod")
		os.Exit(2)
	}

	if os.Getenv("FAKEAGENT_FAIL_PHASE") == phase {
		fmt.Fprintf(os.Stderr, "fakeagent: simulated failure in phase %s\n", phase)
		os.Exit(1)
	}

	if err := run(phase); err != nil {
		fmt.Fprintf(os.Stderr, "fakeagent: %v\n", err)
		os.Exit(1)
	}
}

func run(phase string) error {
	session := os.Getenv("STUDIOD_SESSION_ID")
	iteration, _ := strconv.Atoi(os.Getenv("STUDIOD_ITERATION"))

	switch phase {
	case "pm":
		return writeArtifact("docs/PRD.md", fmt.Sprintf(
			"# Product Requirements\n\nSession: %s\n\n- Requirement one\n- Requirement two\n", session))
	case "arch":
		return writeArtifact("docs/TECH_SPEC.md", fmt.Sprintf(
			"# Technical Specification\n\nSession: %s\n\nA small service with a store and an HTTP API.\n", session))
	case "engineer":
		if err := writeArtifact("scaffold.sh", "#!/bin/sh\necho scaffolding project\n"); err != nil {
			return err
		}
		return writeArtifact("main.go", "package main\n\nfunc main() {}\n")
	case "qa":
		failUntil, _ := strconv.Atoi(os.Getenv("FAKEAGENT_FAIL_QA_UNTIL"))
		if iteration < failUntil {
			return writeArtifact("docs/BUG_REPORT.md", fmt.Sprintf(
				"# Bug Report\n\nIteration %d: TestHandler fails, response code is 500.\n", iteration))
		}
		// a passing run leaves no bug report behind
		_ = os.Remove("docs/BUG_REPORT.md")
		fmt.Println("all tests passing")
		return nil
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

func writeArtifact(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	fmt.Printf("writing %s\n", path)
	return os.WriteFile(path, []byte(content), 0o644)
}
