// Package iteration is the Iteration Engine (spec §4.6): it drives one
// active milestone from in_progress to a terminal status (or
// awaiting_review) through an alternating Developer/Acceptor loop.
//
// Grounded on the teacher's Orchestrator.runCycle pipeline-stage shape
// (orchestrator.go) for the overall "drive one unit of work through a
// sequence of agent roles, persist after each stage" structure; the
// round/rejection/final-review state machine itself has no teacher
// analogue (the teacher's pipeline is a fixed one-pass relay, not a
// converging accept/reject loop) and is built directly from spec §4.6.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anima-dev/anima/internal/agentproc"
	"github.com/anima-dev/anima/internal/agentstream"
	"github.com/anima-dev/anima/internal/clock"
	"github.com/anima-dev/anima/internal/docs"
	"github.com/anima-dev/anima/internal/errkind"
	"github.com/anima-dev/anima/internal/events"
	"github.com/anima-dev/anima/internal/project"
	"github.com/anima-dev/anima/internal/prompt"
	"github.com/anima-dev/anima/internal/vcs"
)

// ErrQuotaSuspend is returned by Run when a quota event suspends the
// milestone mid-loop; the project has already been transitioned to
// rate_limited with milestone left in_progress, per spec §3's ownership
// table. It is not a failure: the Supervisor should treat it as a normal
// suspension, not propagate it as an error to the operator.
var ErrQuotaSuspend = errors.New("iteration: suspended for quota back-off")

// ErrAwaitHuman names a pause for human input. The engine does not return
// it: on a rejection-threshold pause the round loop blocks in
// awaitHumanResume until the persisted project state leaves paused.
var ErrAwaitHuman = errors.New("iteration: paused awaiting human input")

const rejectionThreshold = 3

// Launcher starts an Agent Process Host session for a role bound to a
// working tree. Production code binds this to agentproc.Spawn with the
// configured agent CLI path; tests substitute an in-memory fake.
type Launcher func(ctx context.Context, role agentproc.Role, workDir string) (*agentproc.Host, error)

// Engine drives a single milestone.
type Engine struct {
	projectID   string
	workDir     string
	store       project.Store
	driver      vcs.Driver
	bus         *events.Bus
	clk         clock.Clock
	launch      Launcher
	docs        docs.Reader
	log         *slog.Logger

	dev *session
	acc *session

	runMu      sync.Mutex
	cancelRun  context.CancelFunc
	runDone    chan struct{}
}

type session struct {
	host   *agentproc.Host
	parser *agentstream.Parser
}

// New creates an engine for one project's active milestone.
func New(projectID, workDir string, store project.Store, driver vcs.Driver, bus *events.Bus, clk clock.Clock, launch Launcher, docsReader docs.Reader, log *slog.Logger) *Engine {
	return &Engine{
		projectID: projectID,
		workDir:   workDir,
		store:     store,
		driver:    driver,
		bus:       bus,
		clk:       clk,
		launch:    launch,
		docs:      docsReader,
		log:       log.With("project", projectID),
	}
}

// Start performs the pre-start sequence from spec §4.6 for a milestone
// moving ready->in_progress, then runs the main loop.
func (e *Engine) Start(ctx context.Context, milestoneID string) error {
	m, mv, err := e.store.ReadMilestone(ctx, e.projectID, milestoneID)
	if err != nil {
		return err
	}
	if !m.CanTransition(project.MilestoneInProgress) {
		return errkind.New(errkind.FatalEngine, fmt.Sprintf("milestone %s cannot enter in_progress from %s", milestoneID, m.Status))
	}

	st, err := e.driver.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Clean {
		return errkind.New(errkind.FatalEngine, "working tree is dirty at milestone start")
	}

	integrationBranch, err := e.driver.DefaultBranch(ctx)
	if err != nil {
		return err
	}
	if err := e.driver.SwitchBranch(ctx, integrationBranch); err != nil {
		return err
	}
	head, err := e.driver.HeadCommit(ctx)
	if err != nil {
		return err
	}
	if err := e.driver.CreateBranch(ctx, m.BranchName, head); err != nil {
		return err
	}
	if err := e.driver.SwitchBranch(ctx, m.BranchName); err != nil {
		return err
	}

	now := e.clk.Now()
	m.BaseCommit = head
	m.Transition(project.MilestoneInProgress, "system", "picked up by scheduler")
	m.StartedAt = &now
	if _, err := e.writeMilestoneAndTransition(ctx, m, mv, func(ctx context.Context, st *project.ProjectState) error {
		st.Status = project.StatusAwake
		st.CurrentMilestoneID = milestoneID
		st.LastActiveAt = e.clk.Now()
		return nil
	}); err != nil {
		return err
	}
	e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindMilestoneStatusChange, Payload: m})

	if err := e.spawnSessions(ctx); err != nil {
		return err
	}

	runCtx, done := e.beginRun(ctx)
	defer e.endRun(done)
	defer e.teardown()

	return e.runLoop(runCtx, milestoneID, 0, "")
}

// Resume re-enters a milestone after a restart, per spec §4.8.
func (e *Engine) Resume(ctx context.Context, milestoneID string) error {
	m, _, err := e.store.ReadMilestone(ctx, e.projectID, milestoneID)
	if err != nil {
		return err
	}

	branch, err := e.driver.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if branch != m.BranchName {
		if err := e.driver.SwitchBranch(ctx, m.BranchName); err != nil {
			return err
		}
	}
	st, err := e.driver.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Clean {
		// Ask the developer to reconcile before resuming (§4.8 step 3);
		// handled as a one-off repair round with a synthetic reason.
		if err := e.reconcileDirtyTree(ctx, m); err != nil {
			return err
		}
	}

	if err := e.spawnSessions(ctx); err != nil {
		return err
	}

	runCtx, done := e.beginRun(ctx)
	defer e.endRun(done)
	defer e.teardown()

	e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindRecovered, Payload: milestoneID})

	return e.runLoop(runCtx, milestoneID, m.IterationCount, "resumed after restart: continue from the last committed state")
}

func (e *Engine) reconcileDirtyTree(ctx context.Context, m *project.Milestone) error {
	commits, _ := e.driver.Log(ctx, m.BranchName, m.BaseCommit)
	if err := e.spawnSessions(ctx); err != nil {
		return err
	}
	p, err := prompt.Developer(prompt.DeveloperData{
		BranchName:         m.BranchName,
		IsRecovery:         true,
		RecoveryIterations: m.IterationCount,
		RecoveryCommitLog:  commits,
		RepairReason:       "The working tree has uncommitted changes from before a restart. Commit them with an appropriate message, or discard them if they are not meaningful progress, then report what you did.",
	})
	if err != nil {
		return err
	}
	if err := e.dev.host.Send(p); err != nil {
		return err
	}
	_, err = e.awaitVerdict(ctx, e.dev, 5*time.Minute)
	e.teardown()
	return err
}

func (e *Engine) spawnSessions(ctx context.Context) error {
	devHost, err := e.launch(ctx, agentproc.RoleDeveloper, e.workDir)
	if err != nil {
		return err
	}
	accHost, err := e.launch(ctx, agentproc.RoleAcceptor, e.workDir)
	if err != nil {
		_ = devHost.Close(2 * time.Second)
		return err
	}
	e.dev = &session{host: devHost, parser: agentstream.New(e.clk.Now)}
	e.acc = &session{host: accHost, parser: agentstream.New(e.clk.Now)}
	return nil
}

// beginRun derives a cancellable context for one Start/Resume run and
// records it so RequestCancel can reach a run in flight on this same
// Engine (spec §5: cancellation must stop the active round before
// abort touches the shared working tree). The returned done channel is
// closed by endRun once the run's own defers have finished.
func (e *Engine) beginRun(ctx context.Context) (context.Context, chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.runMu.Lock()
	e.cancelRun = cancel
	e.runDone = done
	e.runMu.Unlock()
	return runCtx, done
}

func (e *Engine) endRun(done chan struct{}) {
	close(done)
	e.runMu.Lock()
	if e.runDone == done {
		e.cancelRun = nil
		e.runDone = nil
	}
	e.runMu.Unlock()
}

// RequestCancel signals the in-flight run (if any) to stop and blocks
// until its goroutine has returned, so a caller may safely touch
// e.dev/e.acc/e.driver afterward without racing runLoop/awaitVerdict.
// A no-op if no run is in flight.
func (e *Engine) RequestCancel() {
	e.runMu.Lock()
	cancel := e.cancelRun
	done := e.runDone
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) teardown() {
	if e.dev != nil {
		_ = e.dev.host.Close(2 * time.Second)
	}
	if e.acc != nil {
		_ = e.acc.host.Close(2 * time.Second)
	}
}

// runLoop is the main loop from spec §4.6.
func (e *Engine) runLoop(ctx context.Context, milestoneID string, startIteration int, firstRepairReason string) error {
	repairReason := firstRepairReason
	deadline := e.agentTimeout(ctx)

	for {
		m, mv, err := e.store.ReadMilestone(ctx, e.projectID, milestoneID)
		if err != nil {
			return err
		}

		completed, err := e.devCommitLog(ctx, m)
		if err != nil {
			return err
		}

		devPrompt, err := e.buildDeveloperPrompt(ctx, m, completed, repairReason)
		if err != nil {
			return err
		}
		e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindRoundStarted, Payload: m.IterationCount + 1})

		if err := e.dev.host.Send(devPrompt); err != nil {
			return e.onSessionDead(ctx, m, mv, err)
		}
		devVerdict, err := e.awaitVerdict(ctx, e.dev, deadline)
		if err != nil {
			if quotaErr := e.checkQuota(ctx, m, err); quotaErr != nil {
				return quotaErr
			}
			m, mv, repairReason, err = e.recordRejection(ctx, m, mv, "timeout")
			if err != nil {
				return err
			}
			if repairReason == humanPauseSentinel {
				if err := e.awaitHumanResume(ctx); err != nil {
					return err
				}
				repairReason = ""
			}
			continue
		}

		if devVerdict.Verdict == agentstream.VerdictAllFeaturesComplete {
			return e.finalReview(ctx, milestoneID, devVerdict.Commits)
		}

		commitHash, err := e.driver.HeadCommit(ctx)
		if err != nil {
			return err
		}
		accPrompt, err := prompt.RoundAcceptor(prompt.RoundAcceptorData{
			SoulDoc:             e.docs.Soul(),
			AcceptanceCriterion: nextCriterion(m),
			CommitHash:          commitHash,
		})
		if err != nil {
			return err
		}
		if err := e.acc.host.Send(accPrompt); err != nil {
			return e.onSessionDead(ctx, m, mv, err)
		}
		accVerdict, err := e.awaitVerdict(ctx, e.acc, deadline)
		if err != nil {
			if quotaErr := e.checkQuota(ctx, m, err); quotaErr != nil {
				return quotaErr
			}
			m, mv, repairReason, err = e.recordRejection(ctx, m, mv, "timeout")
			if err != nil {
				return err
			}
			if repairReason == humanPauseSentinel {
				if err := e.awaitHumanResume(ctx); err != nil {
					return err
				}
				repairReason = ""
			}
			continue
		}

		switch accVerdict.Verdict {
		case agentstream.VerdictAccepted:
			m.ConsecutiveRejections = 0
			m.IterationCount++
			pause := m.IterationCount >= e.maxIterations(ctx)
			if _, err := e.writeMilestoneAndTransition(ctx, m, mv, func(ctx context.Context, st *project.ProjectState) error {
				if pause {
					st.Status = project.StatusPaused
				}
				return nil
			}); err != nil {
				return err
			}
			e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindVerdict, Payload: accVerdict})
			e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindRoundFinished, Payload: accVerdict})
			repairReason = ""
			if pause {
				e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindStatusChange, Payload: project.StatusPaused})
				return nil
			}
		case agentstream.VerdictRejected:
			e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindRoundFinished, Payload: accVerdict})
			m, mv, repairReason, err = e.recordRejection(ctx, m, mv, accVerdict.Reason)
			if err != nil {
				return err
			}
			if repairReason == humanPauseSentinel {
				if err := e.awaitHumanResume(ctx); err != nil {
					return err
				}
				repairReason = ""
			}
		default:
			return errkind.New(errkind.FatalEngine, "acceptor produced neither ACCEPTED nor REJECTED")
		}
	}
}

const humanPauseSentinel = "\x00paused"

func (e *Engine) recordRejection(ctx context.Context, m *project.Milestone, mv project.Version, reason string) (*project.Milestone, project.Version, string, error) {
	m.ConsecutiveRejections++
	pause := m.ConsecutiveRejections >= rejectionThreshold
	nv, err := e.writeMilestoneAndTransition(ctx, m, mv, func(ctx context.Context, st *project.ProjectState) error {
		if pause {
			st.Status = project.StatusPaused
		}
		return nil
	})
	if err != nil {
		return nil, "", "", err
	}
	if pause {
		e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindStatusChange, Payload: project.StatusPaused})
		return m, nv, humanPauseSentinel, nil
	}
	return m, nv, reason, nil
}

// awaitHumanResume blocks until the project state leaves paused; the
// Supervisor's control API writes that transition when a human calls
// Resume. The engine polls the persisted state rather than owning a
// channel because the signal may arrive from a different process
// (restart) than the one that paused.
func (e *Engine) awaitHumanResume(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, _, err := e.store.ReadProjectState(ctx, e.projectID)
			if err != nil {
				return err
			}
			if st.Status != project.StatusPaused {
				return nil
			}
		}
	}
}

// quotaSignal wraps a detected quota event with its (possibly derived)
// resetAt so checkQuota can arm the back-off timer at the right time
// instead of always falling back to the default.
type quotaSignal struct {
	resetAt time.Time
}

func (q *quotaSignal) Error() string { return "quota event detected" }

func (e *Engine) checkQuota(ctx context.Context, m *project.Milestone, cause error) error {
	var qs *quotaSignal
	if !errors.As(cause, &qs) {
		return nil
	}
	resetAt := qs.resetAt
	err := e.store.WithProjectLock(ctx, e.projectID, func(ctx context.Context) error {
		st, sv, err := e.store.ReadProjectState(ctx, e.projectID)
		if err != nil {
			return err
		}
		st.Status = project.StatusRateLimited
		st.RateLimitResetAt = &resetAt
		_, err = e.store.WriteProjectState(ctx, e.projectID, st, sv)
		return err
	})
	if err != nil {
		return err
	}
	e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindQuotaEvent, Payload: resetAt})
	return ErrQuotaSuspend
}

func (e *Engine) onSessionDead(ctx context.Context, m *project.Milestone, mv project.Version, cause error) error {
	_, _, _, err := e.recordRejection(ctx, m, mv, cause.Error())
	if err != nil {
		return err
	}
	return e.respawnDeadSession(ctx)
}

func (e *Engine) respawnDeadSession(ctx context.Context) error {
	if alive, _ := e.dev.host.Health(); !alive {
		h, err := e.launch(ctx, agentproc.RoleDeveloper, e.workDir)
		if err != nil {
			return err
		}
		e.dev = &session{host: h, parser: agentstream.New(e.clk.Now)}
	}
	if alive, _ := e.acc.host.Health(); !alive {
		h, err := e.launch(ctx, agentproc.RoleAcceptor, e.workDir)
		if err != nil {
			return err
		}
		e.acc = &session{host: h, parser: agentstream.New(e.clk.Now)}
	}
	return nil
}

// finalReview drives the final-review step of spec §4.6.
func (e *Engine) finalReview(ctx context.Context, milestoneID string, reportedCommits []string) error {
	m, mv, err := e.store.ReadMilestone(ctx, e.projectID, milestoneID)
	if err != nil {
		return err
	}
	commits, err := e.driver.Log(ctx, m.BranchName, m.BaseCommit)
	if err != nil {
		return err
	}
	if len(reportedCommits) > 0 {
		commits = reportedCommits
	}

	p, err := prompt.FinalReview(prompt.FinalReviewData{
		SoulDoc:            e.docs.Soul(),
		AcceptanceCriteria: m.AcceptanceCriteria,
		Commits:            commits,
	})
	if err != nil {
		return err
	}
	if err := e.acc.host.Send(p); err != nil {
		return e.onSessionDead(ctx, m, mv, err)
	}
	verdict, err := e.awaitVerdict(ctx, e.acc, e.agentTimeout(ctx))
	if err != nil {
		if quotaErr := e.checkQuota(ctx, m, err); quotaErr != nil {
			return quotaErr
		}
		return err
	}

	switch verdict.Verdict {
	case agentstream.VerdictAccepted:
		return e.completeMilestone(ctx, m, mv)
	case agentstream.VerdictRejected:
		e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindVerdict, Payload: verdict})
		return e.runLoop(ctx, milestoneID, m.IterationCount, verdict.Reason)
	default:
		return errkind.New(errkind.FatalEngine, "final review produced neither ACCEPTED nor REJECTED")
	}
}

func (e *Engine) completeMilestone(ctx context.Context, m *project.Milestone, mv project.Version) error {
	sleeping := func(ctx context.Context, st *project.ProjectState) error {
		st.Status = project.StatusSleeping
		st.CurrentMilestoneID = ""
		return nil
	}

	if m.RequiresHumanReview {
		m.Transition(project.MilestoneAwaitingReview, "acceptor", "final review accepted")
		_, err := e.writeMilestoneAndTransition(ctx, m, mv, sleeping)
		return err
	}

	if err := e.finalizeVersionControl(ctx, m); err != nil {
		return err
	}
	now := e.clk.Now()
	m.Transition(project.MilestoneCompleted, "system", "finalized")
	m.CompletedAt = &now
	if _, err := e.writeMilestoneAndTransition(ctx, m, mv, sleeping); err != nil {
		return err
	}
	e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindMilestoneStatusChange, Payload: m})
	return nil
}

// finalizeVersionControl performs spec §4.6.3's non-review completion
// steps: merge to the integration branch and tag it.
func (e *Engine) finalizeVersionControl(ctx context.Context, m *project.Milestone) error {
	integrationBranch, err := e.driver.DefaultBranch(ctx)
	if err != nil {
		return err
	}
	if err := e.driver.SwitchBranch(ctx, integrationBranch); err != nil {
		return err
	}
	if err := e.driver.Merge(ctx, m.BranchName, vcs.MergeFastForward); err != nil {
		if err := e.driver.Merge(ctx, m.BranchName, vcs.MergeCommit); err != nil {
			return err
		}
	}
	head, err := e.driver.HeadCommit(ctx)
	if err != nil {
		return err
	}
	return e.driver.Tag(ctx, project.TagNameFor(m.ID), head)
}

// Cancel implements §4.6.3's user-cancel path: reset to baseCommit and
// mark cancelled, never touching the integration branch.
func (e *Engine) Cancel(ctx context.Context, milestoneID string) error {
	return e.abort(ctx, milestoneID, project.MilestoneCancelled, "user cancel")
}

// Fail implements the fatal-failure rollback path.
func (e *Engine) Fail(ctx context.Context, milestoneID, reason string) error {
	return e.abort(ctx, milestoneID, project.MilestoneFailed, reason)
}

func (e *Engine) abort(ctx context.Context, milestoneID string, to project.MilestoneStatus, note string) error {
	e.RequestCancel()

	m, mv, err := e.store.ReadMilestone(ctx, e.projectID, milestoneID)
	if err != nil {
		return err
	}
	if err := e.driver.SwitchBranch(ctx, m.BranchName); err == nil {
		_ = e.driver.Reset(ctx, m.BaseCommit, true)
	}
	m.Transition(to, "system", note)
	if _, err := e.writeMilestoneAndTransition(ctx, m, mv, func(ctx context.Context, st *project.ProjectState) error {
		st.Status = project.StatusSleeping
		st.CurrentMilestoneID = ""
		return nil
	}); err != nil {
		return err
	}
	e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindMilestoneStatusChange, Payload: m})
	e.teardown()
	return nil
}

// writeMilestoneAndTransition writes m and, inside the same per-project
// lock, applies transition (if non-nil) to the current project state and
// writes it back -- the atomic milestone+state pairing spec §4.1(iii)
// requires so an external reader of state.json and milestones/{id}.json
// never observes a forbidden combination (§3, §8 invariant 6). Milestone
// is written before state, matching the store's documented ordering
// guarantee.
func (e *Engine) writeMilestoneAndTransition(ctx context.Context, m *project.Milestone, mv project.Version, transition func(ctx context.Context, st *project.ProjectState) error) (project.Version, error) {
	var nv project.Version
	err := e.store.WithProjectLock(ctx, e.projectID, func(ctx context.Context) error {
		v, err := e.store.WriteMilestone(ctx, e.projectID, m, mv)
		if err != nil {
			return err
		}
		nv = v
		if transition == nil {
			return nil
		}
		st, sv, err := e.store.ReadProjectState(ctx, e.projectID)
		if err != nil {
			return err
		}
		if err := transition(ctx, st); err != nil {
			return err
		}
		_, err = e.store.WriteProjectState(ctx, e.projectID, st, sv)
		return err
	})
	return nv, err
}

func (e *Engine) agentTimeout(ctx context.Context) time.Duration {
	cfg, err := e.store.ReadProjectConfig(ctx, e.projectID)
	if err != nil || cfg.AgentTimeoutMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(cfg.AgentTimeoutMs) * time.Millisecond
}

func (e *Engine) maxIterations(ctx context.Context) int {
	cfg, err := e.store.ReadProjectConfig(ctx, e.projectID)
	if err != nil || cfg.MaxIterationsPerMilestone <= 0 {
		return 20
	}
	return cfg.MaxIterationsPerMilestone
}

func (e *Engine) devCommitLog(ctx context.Context, m *project.Milestone) ([]string, error) {
	return e.driver.Log(ctx, m.BranchName, m.BaseCommit)
}

func (e *Engine) buildDeveloperPrompt(ctx context.Context, m *project.Milestone, completed []string, repairReason string) (string, error) {
	return prompt.Developer(prompt.DeveloperData{
		VisionDoc:         e.docs.Vision(),
		SoulDoc:           e.docs.Soul(),
		MilestoneDoc:      e.docs.Milestone(m.DocPath),
		MemoryDoc:         e.docs.Memory(),
		BranchName:        m.BranchName,
		RoundIndex:        m.IterationCount + 1,
		CompletedFeatures: completed,
		RepairReason:      repairReason,
	})
}

// nextCriterion picks the acceptance criterion for the current round; a
// simple index by iteration count since the Developer prompt contract
// (§4.6.1) directs work at "the next not-yet-done feature."
func nextCriterion(m *project.Milestone) string {
	if len(m.AcceptanceCriteria) == 0 {
		return ""
	}
	idx := m.IterationCount
	if idx >= len(m.AcceptanceCriteria) {
		idx = len(m.AcceptanceCriteria) - 1
	}
	return m.AcceptanceCriteria[idx]
}

// awaitVerdict reads a session's output until a terminal verdict is
// produced (idle window elapses, or the session exits) or the round
// deadline is reached, per §4.4's idle-window rule and §4.6's per-round
// deadline.
func (e *Engine) awaitVerdict(ctx context.Context, s *session, deadline time.Duration) (agentstream.Event, error) {
	idle := time.NewTimer(agentstream.IdleWindow)
	defer idle.Stop()
	roundDeadline := time.NewTimer(deadline)
	defer roundDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return agentstream.Event{}, ctx.Err()
		case <-roundDeadline.C:
			return agentstream.Event{}, errkind.New(errkind.TransientAgent, "round deadline exceeded")
		case <-idle.C:
			if ev, ok := s.parser.Flush(); ok {
				return ev, nil
			}
			idle.Reset(agentstream.IdleWindow)
		case out, ok := <-s.host.Output():
			if !ok {
				return agentstream.Event{}, errkind.New(errkind.TransientAgent, "session_dead")
			}
			if out.Exited {
				if ev, ok := s.parser.Flush(); ok {
					return ev, nil
				}
				return agentstream.Event{}, errkind.New(errkind.TransientAgent, "session_dead")
			}
			for _, pe := range s.parser.Feed(out.Chunk) {
				e.publishParsed(pe)
				if pe.Kind == agentstream.EventTelemetry {
					e.recordTelemetry(ctx, pe)
				}
				if pe.Kind == agentstream.EventQuota {
					resetAt := e.clk.Now().Add(60 * time.Minute)
					if pe.ResetAt != nil {
						resetAt = *pe.ResetAt
					}
					return agentstream.Event{}, &quotaSignal{resetAt: resetAt}
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(agentstream.IdleWindow)
		}
	}
}

// recordTelemetry folds a parsed token/cost sample into the project's
// running totals. Best-effort: a write conflict here just waits for the
// next sample rather than retrying, since telemetry is cumulative and
// approximate by nature.
func (e *Engine) recordTelemetry(ctx context.Context, pe agentstream.Event) {
	_ = e.store.WithProjectLock(ctx, e.projectID, func(ctx context.Context) error {
		st, sv, err := e.store.ReadProjectState(ctx, e.projectID)
		if err != nil {
			return err
		}
		st.CumulativeTokens += pe.Tokens
		st.CumulativeCostUsd += pe.CostUSD
		_, err = e.store.WriteProjectState(ctx, e.projectID, st, sv)
		return err
	})
}

func (e *Engine) publishParsed(pe agentstream.Event) {
	switch pe.Kind {
	case agentstream.EventText:
		e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindAgentStreamChunk, Payload: pe.Text})
	case agentstream.EventQuota:
		e.bus.Publish(events.Event{ProjectID: e.projectID, Kind: events.KindQuotaEvent, Payload: pe})
	}
}
