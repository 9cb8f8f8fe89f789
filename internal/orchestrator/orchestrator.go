package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/studiod/internal/agent"
	"github.com/fyrsmithlabs/studiod/internal/checkpoint"
	"github.com/fyrsmithlabs/studiod/internal/events"
	"github.com/fyrsmithlabs/studiod/internal/phase"
	"github.com/fyrsmithlabs/studiod/internal/session"
	"github.com/fyrsmithlabs/studiod/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/studiod/internal/orchestrator"

// Deps are the orchestrator's collaborators, passed in explicitly so an
// instance is fully described by its construction site.
type Deps struct {
	Store       session.Store
	Checkpoints checkpoint.Store
	Runner      agent.Runner
	Events      events.Publisher
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Orchestrator exposes the session lifecycle API.
type Orchestrator struct {
	cfg     *Config
	store   session.Store
	ckpts   checkpoint.Store
	runner  agent.Runner
	events  events.Publisher
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	// baseCtx outlives caller request contexts; pipelines run on it so a
	// completed HTTP request does not abort an in-flight phase.
	baseCtx context.Context
	abort   context.CancelFunc
	done    chan struct{}
	group   waitGroup
	slots   *semaphore.Weighted
	locks   sessionLocks
}

// New constructs an orchestrator and starts its expiry sweep.
func New(cfg *Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("agent runner is required")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	baseCtx, abort := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		ckpts:   deps.Checkpoints,
		runner:  deps.Runner,
		events:  deps.Events,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  otel.Tracer(instrumentationName),
		baseCtx: baseCtx,
		abort:   abort,
		done:    make(chan struct{}),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}

	if cfg.SweepInterval > 0 {
		o.group.Go(o.sweepLoop)
	}
	return o, nil
}

// Close drains in-flight pipelines. If ctx expires first, remaining
// agent invocations are aborted; their sessions resume from the last
// checkpoint on the next start.
func (o *Orchestrator) Close(ctx context.Context) error {
	close(o.done)

	finished := make(chan struct{})
	go func() {
		o.group.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		o.abort()
		return nil
	case <-ctx.Done():
		o.abort()
		<-finished
		return ctx.Err()
	}
}

// StartNewSession creates a session for the mission and begins executing
// the pipeline asynchronously. The caller polls GetSessionStatus; the
// session starts pending and moves to running once a worker picks it up.
func (o *Orchestrator) StartNewSession(ctx context.Context, mission, projectName string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartNewSession")
	defer span.End()

	mission = strings.TrimSpace(mission)
	if mission == "" {
		return "", &InvalidArgumentError{Field: "mission", Reason: "must not be empty"}
	}
	if projectName == "" {
		projectName = deriveProjectName(mission)
	}

	id := uuid.NewString()
	span.SetAttributes(attribute.String("session_id", id))

	workDir := filepath.Join(o.cfg.WorkDirBase, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	st := workflow.New(id, mission, projectName, workDir, o.cfg.MaxIterations)
	blob, err := st.Marshal()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:          id,
		Mission:     mission,
		ProjectName: projectName,
		Status:      phase.StatusPending,
		Phase:       phase.PhasePM,
		CreatedAt:   now,
		UpdatedAt:   now,
		WorkDir:     workDir,
		State:       blob,
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return "", err
	}

	if err := o.saveCheckpoint(ctx, st, ""); err != nil {
		return "", err
	}

	o.metrics.sessionsTotal.Inc()
	o.logger.Info("session started",
		zap.String("session_id", id),
		zap.String("project", projectName))

	o.spawnPipeline(st)
	return id, nil
}

// GetSessionStatus returns the session view. Reads never mutate the
// session except for lazy TTL expiry, which applies the same policy the
// background sweep would.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, id string) (*SessionInfo, error) {
	sess, err := o.getWithExpiry(ctx, id)
	if err != nil {
		return nil, err
	}
	return toInfo(sess), nil
}

// ListSessions returns sessions ordered most-recently-updated first.
func (o *Orchestrator) ListSessions(ctx context.Context, status phase.Status, limit int) ([]*SessionInfo, error) {
	if status != "" && !status.Valid() {
		return nil, &InvalidArgumentError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	sessions, err := o.store.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	infos := make([]*SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = toInfo(s)
	}
	return infos, nil
}

// ApproveAndContinue resumes an awaiting-approval session into the
// engineer phase.
//
// Racing calls on the same session are serialized by the per-session
// lock: exactly one observes awaiting_approval and wins; the loser gets
// InvalidOperationError carrying the post-transition status.
func (o *Orchestrator) ApproveAndContinue(ctx context.Context, id string) (*SessionInfo, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ApproveAndContinue",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	info, err := o.resolveGate(ctx, id, "approve", phase.Event{Kind: phase.EventApproved}, "")
	if err != nil {
		return nil, err
	}
	o.metrics.approvalsTotal.Inc()
	return info, nil
}

// RejectAndIterate sends an awaiting-approval session back to the pm or
// arch phase with the given feedback attached to that phase's next
// agent invocation.
func (o *Orchestrator) RejectAndIterate(ctx context.Context, id, feedback, rejectTo string) (*SessionInfo, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RejectAndIterate",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, &InvalidArgumentError{Field: "feedback", Reason: "must not be empty"}
	}
	target := phase.Phase(rejectTo)
	if target != phase.PhasePM && target != phase.PhaseArch {
		return nil, &InvalidArgumentError{
			Field:  "reject_to",
			Reason: fmt.Sprintf("must be %q or %q, got %q", phase.PhasePM, phase.PhaseArch, rejectTo),
		}
	}

	ev := phase.Event{Kind: phase.EventRejected, RejectTo: target}
	info, err := o.resolveGate(ctx, id, "reject", ev, feedback)
	if err != nil {
		return nil, err
	}
	o.metrics.rejectionsTotal.Inc()
	return info, nil
}

// resolveGate applies a human-gate decision under the session lock and
// spawns the continuation pipeline.
func (o *Orchestrator) resolveGate(ctx context.Context, id, op string, ev phase.Event, feedback string) (*SessionInfo, error) {
	unlock := o.locks.lock(id)
	defer unlock()

	sess, err := o.getWithExpiry(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != phase.StatusAwaitingApproval {
		return nil, &InvalidOperationError{SessionID: id, Status: sess.Status, Op: op}
	}

	st, parentID, err := o.loadState(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := phase.Next(phase.PhaseHumanGate, ev, st.Iteration, st.MaxIterations)
	if err != nil {
		return nil, err
	}
	if feedback != "" {
		if err := st.AddFeedback(decision.Next, feedback); err != nil {
			return nil, err
		}
	}

	if _, err := o.persistTransition(ctx, st, decision, parentID); err != nil {
		return nil, err
	}

	o.events.Publish(ctx, events.Event{
		SessionID: id,
		Phase:     st.CurrentPhase,
		Status:    decision.Status,
		Iteration: st.Iteration,
		Timestamp: time.Now().UTC(),
	})

	o.logger.Info("human gate resolved",
		zap.String("session_id", id),
		zap.String("decision", string(ev.Kind)),
		zap.String("next_phase", string(decision.Next)))

	o.spawnPipeline(st)

	sess, err = o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return toInfo(sess), nil
}

// GetArtifacts returns the artifact pointers recorded on the session.
func (o *Orchestrator) GetArtifacts(ctx context.Context, id string) (*Artifacts, error) {
	st, _, err := o.loadState(ctx, id)
	if err != nil {
		return nil, err
	}
	return artifactsFromState(st), nil
}

// GetRecentLogs formats the tail of the session's execution log.
func (o *Orchestrator) GetRecentLogs(ctx context.Context, id string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	st, _, err := o.loadState(ctx, id)
	if err != nil {
		return "", err
	}

	entries := st.ExecutionLog
	if len(entries) > lines {
		entries = entries[len(entries)-lines:]
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s | %s | %s", e.Timestamp.Format(time.RFC3339), e.Agent, e.Status)
		if e.Error != "" {
			fmt.Fprintf(&b, " | %s", e.Error)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// IsRunning reports whether the session is currently executing.
func (o *Orchestrator) IsRunning(ctx context.Context, id string) (bool, error) {
	sess, err := o.getWithExpiry(ctx, id)
	if err != nil {
		return false, err
	}
	return sess.Status == phase.StatusRunning, nil
}

// GetCheckpointChain returns the session's checkpoint history, newest
// first, for diagnostics.
func (o *Orchestrator) GetCheckpointChain(ctx context.Context, id string, limit int) ([]*checkpoint.Checkpoint, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.ckpts.LoadChain(ctx, id, limit)
}

// ResumeInterrupted re-enters the pipeline for every non-terminal
// session, continuing from its latest checkpoint. Called once after a
// restart, before serving traffic. The list is unbounded: a restart
// must not strand sessions past a page size.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context) error {
	var candidates []*session.Session
	for _, status := range []phase.Status{phase.StatusPending, phase.StatusRunning} {
		batch, err := o.store.List(ctx, status, -1)
		if err != nil {
			return fmt.Errorf("list %s sessions: %w", status, err)
		}
		candidates = append(candidates, batch...)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range candidates {
		g.Go(func() error {
			st, _, err := o.loadState(gctx, sess.ID)
			if err != nil {
				return fmt.Errorf("load state for %s: %w", sess.ID, err)
			}
			// Gate and terminal checkpoints have no segment to restart. A
			// crash between the checkpoint write and the record update
			// leaves the record at the pre-transition status, so it is
			// reconciled here instead.
			if st.CurrentPhase.Terminal() || st.CurrentPhase == phase.PhaseHumanGate {
				return o.reconcileRecord(gctx, sess, st)
			}
			o.logger.Info("resuming session",
				zap.String("session_id", sess.ID),
				zap.String("phase", string(st.CurrentPhase)))
			o.spawnPipeline(st)
			return nil
		})
	}
	return g.Wait()
}

// reconcileRecord brings a session record in line with its latest
// checkpoint, which is the source of truth for the session's phase.
func (o *Orchestrator) reconcileRecord(ctx context.Context, sess *session.Session, st *workflow.State) error {
	status := phase.StatusFor(st.CurrentPhase)
	if sess.Status == status && sess.Phase == st.CurrentPhase {
		return nil
	}

	blob, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", sess.ID, err)
	}

	unlock := o.locks.lock(sess.ID)
	defer unlock()

	ph := st.CurrentPhase
	iter := st.Iteration
	qaPassed := st.QAPassed
	upd := session.Update{
		Status:         &status,
		Phase:          &ph,
		IterationCount: &iter,
		QAPassed:       &qaPassed,
		State:          blob,
	}
	if len(st.Errors) > 0 {
		upd.Errors = st.Errors
	}
	if err := o.store.Update(ctx, sess.ID, upd); err != nil {
		return fmt.Errorf("reconcile session %s: %w", sess.ID, err)
	}

	o.logger.Info("reconciled session record with checkpoint",
		zap.String("session_id", sess.ID),
		zap.String("phase", string(ph)),
		zap.String("status", string(status)))
	return nil
}

// ExpireStale applies the TTL policy once and returns how many sessions
// were expired.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	return o.store.ExpireStale(ctx, o.cfg.SessionTTL)
}

// getWithExpiry reads a session and lazily applies TTL expiry.
func (o *Orchestrator) getWithExpiry(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Terminal() && time.Since(sess.UpdatedAt) > o.cfg.SessionTTL {
		expired := phase.StatusExpired
		if err := o.store.Update(ctx, id, session.Update{Status: &expired}); err != nil {
			return nil, err
		}
		sess.Status = expired
	}
	return sess, nil
}

// loadState unmarshals the latest checkpoint for a session and returns
// it with the checkpoint id for parent linkage.
func (o *Orchestrator) loadState(ctx context.Context, id string) (*workflow.State, string, error) {
	cp, err := o.ckpts.LoadLatest(ctx, id)
	if err != nil {
		return nil, "", err
	}
	st, err := workflow.Unmarshal(cp.Payload)
	if err != nil {
		return nil, "", err
	}
	return st, cp.CheckpointID, nil
}

func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			n, err := o.store.ExpireStale(o.baseCtx, o.cfg.SessionTTL)
			if err != nil {
				o.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				o.logger.Info("expired stale sessions", zap.Int("count", n))
			}
		}
	}
}

// deriveProjectName builds a filesystem-safe project name from the
// leading words of the mission.
func deriveProjectName(mission string) string {
	words := strings.Fields(mission)
	if len(words) > 3 {
		words = words[:3]
	}
	name := strings.ToLower(strings.Join(words, "_"))
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "project"
	}
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}
