package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/phase"
	"github.com/fyrsmithlabs/studiod/internal/workflow"
)

// phaseArtifacts names the primary artifact each agent phase is expected
// to produce, relative to the session work dir.
var phaseArtifacts = map[phase.Phase]struct {
	kind string
	path string
}{
	phase.PhasePM:       {workflow.ArtifactPRD, "docs/PRD.md"},
	phase.PhaseArch:     {workflow.ArtifactTechSpec, "docs/TECH_SPEC.md"},
	phase.PhaseEngineer: {workflow.ArtifactScaffoldScript, "scaffold.sh"},
	phase.PhaseQA:       {workflow.ArtifactBugReport, "docs/BUG_REPORT.md"},
}

// CommandRunner executes an external agent CLI per phase.
//
// The command is launched in the session work dir with the phase,
// mission, and accumulated feedback passed through the environment.
// Output is captured to a per-phase log file under the work dir. A qa
// invocation signals a passing test run by exiting zero and leaving no
// bug report; a bug report with exit zero is treated as a failed run.
type CommandRunner struct {
	command string
	args    []string
	logger  *zap.Logger
}

// NewCommandRunner creates a runner invoking the given command.
func NewCommandRunner(command string, args []string, logger *zap.Logger) (*CommandRunner, error) {
	if command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{command: command, args: args, logger: logger}, nil
}

// Run executes the agent command for one phase.
func (r *CommandRunner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	promptPath, err := r.writePrompt(req)
	if err != nil {
		return nil, &ExecutionError{Phase: req.Phase, Cause: err}
	}

	// The qa verdict is derived from the presence of a bug report, so a
	// report left over from the previous iteration must not be misread
	// as this run's.
	if req.Phase == phase.PhaseQA {
		stale := filepath.Join(req.WorkDir, phaseArtifacts[phase.PhaseQA].path)
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return nil, &ExecutionError{Phase: req.Phase, Cause: fmt.Errorf("clear stale bug report: %w", err)}
		}
	}

	args := append(append([]string(nil), r.args...), promptPath)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(),
		"STUDIOD_SESSION_ID="+req.SessionID,
		"STUDIOD_PHASE="+string(req.Phase),
		"STUDIOD_ITERATION="+strconv.Itoa(req.Iteration),
	)

	logPath := filepath.Join(req.WorkDir, fmt.Sprintf("agent_%s.log", req.Phase))
	outFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &ExecutionError{Phase: req.Phase, Cause: fmt.Errorf("open agent log: %w", err)}
	}
	defer func() { _ = outFile.Close() }()
	cmd.Stdout = outFile
	cmd.Stderr = outFile

	r.logger.Info("running agent command",
		zap.String("session_id", req.SessionID),
		zap.String("phase", string(req.Phase)),
		zap.String("command", r.command))

	err = cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Phase: req.Phase, Timeout: elapsed.Round(time.Second)}
	}
	if err != nil {
		return nil, &ExecutionError{Phase: req.Phase, Cause: err}
	}

	return r.collectResult(req, elapsed)
}

// writePrompt renders the phase prompt file the agent command reads.
func (r *CommandRunner) writePrompt(req Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Phase: %s\n\n## Mission\n\n%s\n", req.Phase, req.Mission)
	if req.ProjectName != "" {
		fmt.Fprintf(&b, "\nProject: %s\n", req.ProjectName)
	}
	for kind, path := range req.Artifacts {
		fmt.Fprintf(&b, "\nArtifact %s: %s\n", kind, path)
	}
	if len(req.Feedback) > 0 {
		b.WriteString("\n## Feedback\n\n")
		for _, f := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	path := filepath.Join(req.WorkDir, fmt.Sprintf("prompt_%s.md", req.Phase))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	return path, nil
}

// collectResult inspects the work dir for the artifacts this phase
// should have produced.
func (r *CommandRunner) collectResult(req Request, elapsed time.Duration) (*Result, error) {
	res := &Result{
		Artifacts: map[string]string{},
		Duration:  elapsed,
	}

	expected, ok := phaseArtifacts[req.Phase]
	if !ok {
		return res, nil
	}

	artifactPath := filepath.Join(req.WorkDir, expected.path)
	_, statErr := os.Stat(artifactPath)

	if req.Phase == phase.PhaseQA {
		// No bug report means the tests passed.
		res.TestsPassed = statErr != nil
		if statErr == nil {
			res.Artifacts[expected.kind] = artifactPath
			if data, err := os.ReadFile(artifactPath); err == nil {
				res.TestResults = string(data)
			}
		}
		return res, nil
	}

	if statErr != nil {
		return nil, &ExecutionError{
			Phase: req.Phase,
			Cause: fmt.Errorf("agent produced no %s artifact at %s", expected.kind, artifactPath),
		}
	}
	res.Artifacts[expected.kind] = artifactPath
	return res, nil
}
