package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/agent"
	"github.com/fyrsmithlabs/studiod/internal/checkpoint"
	"github.com/fyrsmithlabs/studiod/internal/events"
	"github.com/fyrsmithlabs/studiod/internal/logging"
	"github.com/fyrsmithlabs/studiod/internal/phase"
	"github.com/fyrsmithlabs/studiod/internal/session"
	"github.com/fyrsmithlabs/studiod/internal/workflow"
)

// errSegmentStopped signals that a segment found its session already
// terminal (expired or force-failed) and should exit quietly.
var errSegmentStopped = errors.New("session no longer executable")

// spawnPipeline runs a pipeline segment on a tracked goroutine. A
// segment executes agent phases back to back until the session reaches
// the human gate or a terminal phase.
func (o *Orchestrator) spawnPipeline(st *workflow.State) {
	id := st.SessionID
	o.group.Go(func() {
		o.runSegment(id)
	})
}

func (o *Orchestrator) runSegment(sessionID string) {
	ctx := logging.WithSession(o.baseCtx, sessionID)
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.slots.Release(1)

	o.metrics.sessionsActive.Inc()
	defer o.metrics.sessionsActive.Dec()

	// The latest checkpoint, not the caller's snapshot, is the source of
	// truth for where the segment starts. This makes spawning after a
	// restart identical to spawning after StartNewSession.
	st, parentID, err := o.loadState(ctx, sessionID)
	if err != nil {
		o.logger.Error("load state for segment",
			zap.String("session_id", sessionID),
			zap.Error(err))
		o.failSession(sessionID, fmt.Errorf("load workflow state: %w", err))
		return
	}

	for st.CurrentPhase.AgentPhase() {
		parentID, err = o.executePhase(ctx, st, parentID)
		if errors.Is(err, errSegmentStopped) {
			return
		}
		if err != nil {
			o.logger.Error("pipeline segment aborted",
				zap.String("session_id", sessionID),
				zap.String("phase", string(st.CurrentPhase)),
				zap.Error(err))
			o.failSession(sessionID, err)
			return
		}
	}

	o.logger.Info("pipeline segment finished",
		zap.String("session_id", sessionID),
		zap.String("phase", string(st.CurrentPhase)),
		zap.String("status", string(phase.StatusFor(st.CurrentPhase))))
}

// executePhase runs one agent phase and persists the resulting
// transition. It mutates st in place and returns the id of the
// checkpoint it wrote, which parents the next one.
func (o *Orchestrator) executePhase(ctx context.Context, st *workflow.State, parentID string) (string, error) {
	p := st.CurrentPhase
	ctx = logging.WithPhase(ctx, p)
	ctx, span := o.tracer.Start(ctx, "pipeline.executePhase",
		trace.WithAttributes(
			attribute.String("session_id", st.SessionID),
			attribute.String("phase", string(p)),
		))
	defer span.End()

	// Mark the session running before the agent call so status reads and
	// gate operations observe it. A session expired or failed from the
	// outside stops the segment here instead of being resurrected.
	unlock := o.locks.lock(st.SessionID)
	sess, err := o.store.Get(ctx, st.SessionID)
	if err == nil && sess.Status.Terminal() {
		unlock()
		return "", errSegmentStopped
	}
	if err == nil {
		running := phase.StatusRunning
		err = o.store.Update(ctx, st.SessionID, session.Update{Status: &running, Phase: &p})
	}
	unlock()
	if err != nil {
		return "", fmt.Errorf("mark session running: %w", err)
	}

	ev := o.invokeAgent(ctx, st)

	decision, err := phase.Next(p, ev, st.Iteration, st.MaxIterations)
	if err != nil {
		return "", err
	}

	unlock = o.locks.lock(st.SessionID)
	defer unlock()

	cpID, err := o.persistTransition(ctx, st, decision, parentID)
	if err != nil {
		return "", err
	}

	o.events.Publish(ctx, events.Event{
		SessionID: st.SessionID,
		Phase:     st.CurrentPhase,
		Status:    decision.Status,
		Iteration: st.Iteration,
		Error:     decision.RecordError,
		Timestamp: time.Now().UTC(),
	})

	o.logger.Info("phase transition",
		append(logging.ContextFields(ctx),
			zap.String("to", string(st.CurrentPhase)),
			zap.String("status", string(decision.Status)),
			zap.Int("iteration", st.Iteration))...)

	return cpID, nil
}

// invokeAgent runs the agent for the state's current phase and folds
// the outcome into st, returning the state machine event it implies.
func (o *Orchestrator) invokeAgent(ctx context.Context, st *workflow.State) phase.Event {
	p := st.CurrentPhase
	rctx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	started := time.Now().UTC()
	res, err := o.runner.Run(rctx, agent.Request{
		SessionID:   st.SessionID,
		Phase:       p,
		Mission:     st.Mission,
		ProjectName: st.ProjectName,
		WorkDir:     st.WorkDir,
		Feedback:    st.FeedbackFor(p),
		Artifacts:   st.Artifacts,
		Iteration:   st.Iteration,
	})
	elapsed := time.Since(started)
	o.metrics.phaseDuration.WithLabelValues(string(p)).Observe(elapsed.Seconds())

	if err != nil {
		o.metrics.agentFailures.WithLabelValues(string(p)).Inc()
		st.LogExecution(workflow.ExecutionLogEntry{
			Agent:     string(p),
			Timestamp: started,
			Status:    "failed",
			Duration:  elapsed,
			Error:     err.Error(),
		})
		o.logger.Error("agent invocation failed",
			append(logging.ContextFields(ctx), zap.Error(err))...)
		return phase.Event{Kind: phase.EventAgentFailed, Err: err.Error()}
	}

	for kind, path := range res.Artifacts {
		st.SetArtifact(kind, path)
	}
	st.FilesCreated = append(st.FilesCreated, res.FilesCreated...)
	st.LogExecution(workflow.ExecutionLogEntry{
		Agent:        string(p),
		Timestamp:    started,
		Status:       "completed",
		Duration:     elapsed,
		TokensInput:  res.TokensInput,
		TokensOutput: res.TokensOutput,
	})

	if p == phase.PhaseQA {
		st.TestResults = res.TestResults
		if res.TestsPassed {
			return phase.Event{Kind: phase.EventQAPassed}
		}
		// The bug report becomes the engineer's context for the repair
		// attempt.
		feedback := strings.TrimSpace(res.TestResults)
		if br := st.Artifacts[workflow.ArtifactBugReport]; br != "" {
			feedback = strings.TrimSpace("bug report: " + br + "\n" + feedback)
		}
		if feedback != "" {
			_ = st.AddFeedback(phase.PhaseEngineer, feedback)
		}
		return phase.Event{Kind: phase.EventQAFailed}
	}
	return phase.Event{Kind: phase.EventAgentSucceeded}
}

// persistTransition applies a state machine decision to a clone of the
// snapshot, writes the checkpoint, and updates the session record. The
// checkpoint goes first: a crash between the two writes is recovered by
// resuming from the checkpoint, which already carries the transition.
// st is only updated once both writes succeed, so a failed write never
// leaves a half-applied snapshot behind.
func (o *Orchestrator) persistTransition(ctx context.Context, st *workflow.State, d phase.Decision, parentID string) (string, error) {
	applied := st.Clone()
	applied.CurrentPhase = d.Next
	if d.IncrementIteration {
		applied.Iteration++
	}
	if d.QAPassed {
		applied.QAPassed = true
	}
	// The agent failure path has already logged its error into the
	// snapshot; only append decision errors that are new, such as the
	// iteration cap.
	if d.RecordError != "" && (len(applied.Errors) == 0 || applied.Errors[len(applied.Errors)-1] != d.RecordError) {
		applied.Errors = append(applied.Errors, d.RecordError)
	}
	applied.UpdatedAt = time.Now().UTC()

	blob, err := applied.Marshal()
	if err != nil {
		return "", err
	}

	cpID := uuid.NewString()
	if err := o.ckpts.Save(ctx, &checkpoint.Checkpoint{
		ThreadID:     applied.SessionID,
		CheckpointID: cpID,
		ParentID:     parentID,
		Payload:      blob,
		Metadata:     map[string]string{"phase": string(d.Next)},
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}

	status := d.Status
	next := d.Next
	iter := applied.Iteration
	qaPassed := applied.QAPassed
	upd := session.Update{
		Status:         &status,
		Phase:          &next,
		IterationCount: &iter,
		QAPassed:       &qaPassed,
		State:          blob,
	}
	if len(applied.Errors) > 0 {
		upd.Errors = applied.Errors
	}
	if err := o.store.Update(ctx, applied.SessionID, upd); err != nil {
		return "", fmt.Errorf("update session: %w", err)
	}

	*st = *applied
	return cpID, nil
}

// saveCheckpoint writes the snapshot as-is, without a transition.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, st *workflow.State, parentID string) error {
	blob, err := st.Marshal()
	if err != nil {
		return err
	}
	if err := o.ckpts.Save(ctx, &checkpoint.Checkpoint{
		ThreadID:     st.SessionID,
		CheckpointID: uuid.NewString(),
		ParentID:     parentID,
		Payload:      blob,
		Metadata:     map[string]string{"phase": string(st.CurrentPhase)},
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// failSession is the infrastructure failure path: persistence broke
// mid-segment, so the session is force-failed with the cause.
func (o *Orchestrator) failSession(id string, cause error) {
	failed := phase.StatusFailed
	ph := phase.PhaseFailed
	err := o.store.Update(o.baseCtx, id, session.Update{
		Status: &failed,
		Phase:  &ph,
		Errors: []string{cause.Error()},
	})
	if err != nil {
		o.logger.Error("force-fail session",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

// sessionLocks hands out one mutex per session id. Lock granularity is
// the session: gate operations and phase transitions on the same
// session serialize, different sessions never contend.
type sessionLocks struct {
	m sync.Map
}

func (l *sessionLocks) lock(id string) (unlock func()) {
	v, _ := l.m.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// waitGroup is a sync.WaitGroup with goroutine spawning folded in.
type waitGroup struct {
	wg sync.WaitGroup
}

func (g *waitGroup) Go(f func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		f()
	}()
}

func (g *waitGroup) Wait() {
	g.wg.Wait()
}
