// Package supervisor is the Supervisor (spec's top-level component): it
// owns the set of registered projects, runs one Wake Scheduler per
// project, and exposes the Control API from spec §6.
//
// Grounded on the teacher's Orchestrator, which is likewise the single
// process-wide owner wiring together the kanban store, the worktree
// manager, and the background agent loops (background.go); here the
// per-ticket pipeline becomes a per-project registry of Wake Schedulers
// and Iteration Engines, and "tickets" become milestones.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anima-dev/anima/internal/agentproc"
	"github.com/anima-dev/anima/internal/clock"
	"github.com/anima-dev/anima/internal/confwatch"
	"github.com/anima-dev/anima/internal/docs"
	"github.com/anima-dev/anima/internal/errkind"
	"github.com/anima-dev/anima/internal/events"
	"github.com/anima-dev/anima/internal/iteration"
	"github.com/anima-dev/anima/internal/project"
	"github.com/anima-dev/anima/internal/vcs"
	"github.com/anima-dev/anima/internal/wake"
)

// AgentCLIConfig carries how to launch the Developer and Acceptor CLI
// sessions; the core carries no other environment coupling (spec §6).
type AgentCLIConfig struct {
	Path           string
	DeveloperArgs  []string
	AcceptorArgs   []string
}

// Supervisor is the single process-wide singleton (spec §9: "the only
// process-wide singleton").
type Supervisor struct {
	store project.Store
	clk   clock.Clock
	bus   *events.Bus
	cli   AgentCLIConfig
	log   *slog.Logger

	mu        sync.Mutex
	scheds    map[string]*wake.Scheduler
	engines   map[string]*iteration.Engine
	cancelRun map[string]context.CancelFunc
}

// New creates a Supervisor. Call Start to register its initial set of
// projects (typically from a prior ListProjects call) and begin their
// schedulers.
func New(store project.Store, clk clock.Clock, bus *events.Bus, cli AgentCLIConfig, log *slog.Logger) *Supervisor {
	return &Supervisor{
		store:     store,
		clk:       clk,
		bus:       bus,
		cli:       cli,
		log:       log,
		scheds:    make(map[string]*wake.Scheduler),
		engines:   make(map[string]*iteration.Engine),
		cancelRun: make(map[string]context.CancelFunc),
	}
}

// Start launches a Wake Scheduler for every currently-registered project,
// performing the crash-recovery startup check (spec §4.8) implicitly via
// each scheduler's immediate startup check.
func (s *Supervisor) Start(ctx context.Context) error {
	regs, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, r := range regs {
		if err := s.startProject(ctx, r); err != nil {
			s.log.Error("failed to start project scheduler", "project", r.ID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) startProject(parent context.Context, r project.ProjectRegistration) error {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.cancelRun[r.ID] = cancel
	sched := wake.New(r.ID, s.store, s.clk, s.bus, s, s.log)
	s.scheds[r.ID] = sched
	s.mu.Unlock()

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler exited", "project", r.ID, "error", err)
		}
	}()

	go func() {
		if err := confwatch.Watch(ctx, r.ID, r.Path, s.bus, s.log); err != nil && ctx.Err() == nil {
			s.log.Warn("config watcher exited", "project", r.ID, "error", err)
		}
	}()
	return nil
}

// Check implements wake.Checker: it is invoked whenever a project enters
// "checking". If the project already has an in-progress milestone (set
// before a quota suspension or a restart), it resumes that engine;
// otherwise it looks for the next ready milestone via MilestoneOrder.
func (s *Supervisor) Check(ctx context.Context, projectID string) (bool, error) {
	st, _, err := s.store.ReadProjectState(ctx, projectID)
	if err != nil {
		return false, err
	}

	eng, err := s.engineFor(ctx, projectID)
	if err != nil {
		return false, err
	}

	if st.CurrentMilestoneID != "" {
		go s.runEngine(ctx, projectID, func() error { return eng.Resume(ctx, st.CurrentMilestoneID) })
		return true, nil
	}

	order, _, err := s.store.ReadOrder(ctx, projectID)
	if err != nil {
		return false, err
	}
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return false, err
	}
	byID := make(map[string]*project.Milestone, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}
	next, ok := order.NextReady(byID)
	if !ok {
		return false, nil
	}

	go s.runEngine(ctx, projectID, func() error { return eng.Start(ctx, next.ID) })
	return true, nil
}

func (s *Supervisor) runEngine(ctx context.Context, projectID string, fn func() error) {
	if err := fn(); err != nil {
		switch {
		case errorsIs(err, iteration.ErrQuotaSuspend):
			// Expected suspension; the Wake Scheduler's rate_limited wait
			// picks this back up at resetAt.
		default:
			s.log.Error("iteration engine exited with error", "project", projectID, "error", err)
			s.forcePause(context.Background(), projectID, err)
		}
	}
}

func errorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *Supervisor) forcePause(ctx context.Context, projectID string, cause error) {
	st, v, err := s.store.ReadProjectState(ctx, projectID)
	if err != nil {
		return
	}
	st.Status = project.StatusPaused
	if _, err := s.store.WriteProjectState(ctx, projectID, st, v); err != nil {
		return
	}
	s.bus.Publish(events.Event{ProjectID: projectID, Kind: events.KindStatusChange, Payload: fmt.Sprintf("forced paused: %v", cause)})
}

func (s *Supervisor) engineFor(ctx context.Context, projectID string) (*iteration.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[projectID]; ok {
		return e, nil
	}

	regs, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var workDir string
	for _, r := range regs {
		if r.ID == projectID {
			workDir = r.Path
		}
	}
	if workDir == "" {
		return nil, fmt.Errorf("project %s not registered", projectID)
	}

	driver := vcs.New(workDir)
	docsReader := docs.NewFileReader(workDir)
	launch := func(ctx context.Context, role agentproc.Role, workDir string) (*agentproc.Host, error) {
		args := s.cli.DeveloperArgs
		if role == agentproc.RoleAcceptor {
			args = s.cli.AcceptorArgs
		}
		return agentproc.Spawn(ctx, role, s.cli.Path, workDir, args)
	}

	e := iteration.New(projectID, workDir, s.store, driver, s.bus, s.clk, launch, docsReader, s.log)
	s.engines[projectID] = e
	return e, nil
}

// RegisterProject implements the control API's registerProject.
func (s *Supervisor) RegisterProject(ctx context.Context, path, displayName string) (string, error) {
	reg := project.ProjectRegistration{Path: path, DisplayName: displayName}
	if err := s.store.AddProject(ctx, reg); err != nil {
		return "", err
	}
	regs, err := s.store.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	var id string
	for _, r := range regs {
		if r.Path == path {
			id = r.ID
		}
	}
	if err := s.startProject(ctx, project.ProjectRegistration{ID: id, Path: path}); err != nil {
		return id, err
	}
	return id, nil
}

// RemoveProject implements removeProject: it stops the scheduler and
// unregisters the project. In-flight milestones are left untouched on
// disk; a future re-registration will resume per §4.8.
func (s *Supervisor) RemoveProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	if cancel, ok := s.cancelRun[projectID]; ok {
		cancel()
		delete(s.cancelRun, projectID)
	}
	delete(s.scheds, projectID)
	delete(s.engines, projectID)
	s.mu.Unlock()
	return s.store.RemoveProject(ctx, projectID)
}

// ListProjects implements listProjects.
func (s *Supervisor) ListProjects(ctx context.Context) ([]project.ProjectRegistration, error) {
	return s.store.ListProjects(ctx)
}

// Snapshot is the read model returned by getProjectSnapshot.
type Snapshot struct {
	State      *project.ProjectState
	Config     *project.ProjectConfig
	Milestones []*project.Milestone
	Inbox      []*project.InboxItem
	Health     HealthSummary
}

// HealthSummary is a supplemented feature (see SPEC_FULL.md): a cheap
// derived signal for dashboards, grounded on the teacher's
// kanban.ComputeSystemHealth thrashing detector.
type HealthSummary struct {
	Thrashing        bool
	CurrentMilestone string
}

// GetProjectSnapshot implements getProjectSnapshot.
func (s *Supervisor) GetProjectSnapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	st, _, err := s.store.ReadProjectState(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.ReadProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	inbox, err := s.store.ListInboxItems(ctx, projectID)
	if err != nil {
		return nil, err
	}

	thrashing := false
	for _, m := range milestones {
		if m.ConsecutiveRejections >= 2 && m.Status == project.MilestoneInProgress {
			thrashing = true
		}
	}

	return &Snapshot{
		State:      st,
		Config:     cfg,
		Milestones: milestones,
		Inbox:      inbox,
		Health:     HealthSummary{Thrashing: thrashing, CurrentMilestone: st.CurrentMilestoneID},
	}, nil
}

// WakeNow implements wakeNow.
func (s *Supervisor) WakeNow(projectID string) error {
	sched, err := s.schedFor(projectID)
	if err != nil {
		return err
	}
	sched.WakeNow()
	return nil
}

// Pause implements pause.
func (s *Supervisor) Pause(projectID string) error {
	sched, err := s.schedFor(projectID)
	if err != nil {
		return err
	}
	sched.Pause()
	return nil
}

// Resume implements resume.
func (s *Supervisor) Resume(projectID string) error {
	sched, err := s.schedFor(projectID)
	if err != nil {
		return err
	}
	sched.Resume()
	return nil
}

func (s *Supervisor) schedFor(projectID string) (*wake.Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.scheds[projectID]
	if !ok {
		return nil, errkind.New(errkind.FatalEngine, fmt.Sprintf("project %s has no running scheduler", projectID))
	}
	return sched, nil
}

// CancelMilestone implements cancelMilestone. Engine.Cancel requests
// cancellation of any in-flight round (and blocks until it has actually
// stopped) before it touches the shared working tree, per spec §5's
// "only one [vcs/agent] at a time" policy; once that settles, the
// project's scheduler gets a Cancel signal, which moves the project to
// sleeping (a no-op when the engine already wrote sleeping) and restarts
// its sleeping wait from the current time.
func (s *Supervisor) CancelMilestone(ctx context.Context, projectID, milestoneID string) error {
	eng, err := s.engineFor(ctx, projectID)
	if err != nil {
		return err
	}
	if err := eng.Cancel(ctx, milestoneID); err != nil {
		return err
	}
	if sched, err := s.schedFor(projectID); err == nil {
		sched.Cancel()
	}
	return nil
}

// ApproveAwaitingReview implements approveAwaitingReview: it performs the
// deferred version-control finalization for a milestone that was left
// awaiting_review.
func (s *Supervisor) ApproveAwaitingReview(ctx context.Context, projectID, milestoneID string) error {
	m, mv, err := s.store.ReadMilestone(ctx, projectID, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != project.MilestoneAwaitingReview {
		return errkind.New(errkind.FatalEngine, fmt.Sprintf("milestone %s is not awaiting_review", milestoneID))
	}

	workDir, err := s.workDirFor(ctx, projectID)
	if err != nil {
		return err
	}
	driver := vcs.New(workDir)
	integrationBranch, err := driver.DefaultBranch(ctx)
	if err != nil {
		return err
	}
	if err := driver.SwitchBranch(ctx, integrationBranch); err != nil {
		return err
	}
	if err := driver.Merge(ctx, m.BranchName, vcs.MergeFastForward); err != nil {
		if err := driver.Merge(ctx, m.BranchName, vcs.MergeCommit); err != nil {
			return err
		}
	}
	head, err := driver.HeadCommit(ctx)
	if err != nil {
		return err
	}
	if err := driver.Tag(ctx, project.TagNameFor(m.ID), head); err != nil {
		return err
	}

	m.Transition(project.MilestoneCompleted, "human", "approved from awaiting_review")
	_, err = s.store.WriteMilestone(ctx, projectID, m, mv)
	return err
}

// RejectAwaitingReview implements rejectAwaitingReview: it reopens the
// milestone and resets the rejection counter, per spec §8 scenario 6.
func (s *Supervisor) RejectAwaitingReview(ctx context.Context, projectID, milestoneID, reason string) error {
	m, mv, err := s.store.ReadMilestone(ctx, projectID, milestoneID)
	if err != nil {
		return err
	}
	if m.Status != project.MilestoneAwaitingReview {
		return errkind.New(errkind.FatalEngine, fmt.Sprintf("milestone %s is not awaiting_review", milestoneID))
	}
	m.ConsecutiveRejections = 0
	m.Transition(project.MilestoneInProgress, "human", reason)
	if _, err := s.store.WriteMilestone(ctx, projectID, m, mv); err != nil {
		return err
	}

	st, sv, err := s.store.ReadProjectState(ctx, projectID)
	if err != nil {
		return err
	}
	st.Status = project.StatusAwake
	st.CurrentMilestoneID = milestoneID
	_, err = s.store.WriteProjectState(ctx, projectID, st, sv)
	if err != nil {
		return err
	}

	eng, err := s.engineFor(ctx, projectID)
	if err != nil {
		return err
	}
	go s.runEngine(ctx, projectID, func() error { return eng.Resume(ctx, milestoneID) })
	return nil
}

// ProvideHumanGuidance implements provideHumanGuidance by recording it as
// a memory note the next developer round will pick up (via
// internal/docs), mirroring the teacher's habit of feeding operator input
// back in as plain project documents rather than a side channel.
func (s *Supervisor) ProvideHumanGuidance(ctx context.Context, projectID, text string) error {
	workDir, err := s.workDirFor(ctx, projectID)
	if err != nil {
		return err
	}
	return appendMemory(workDir, text)
}

// appendMemory appends a timestamped note to .anima/memory/project.md,
// creating the file and its directory if this is the project's first
// note. The memory file's path matches docs.FileReader's Memory() path so
// the very next round's prompt picks the note up with no other plumbing.
func appendMemory(workDir, text string) error {
	dir := filepath.Join(workDir, ".anima", "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "project.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	entry := fmt.Sprintf("\n## %s\n\n%s\n", time.Now().UTC().Format(time.RFC3339), text)
	_, err = f.WriteString(entry)
	return err
}

// SubscribeEvents implements subscribeEvents. The subscription carries the
// events of all projects (the bus does not filter by project; callers
// filter client-side by Event.ProjectID).
func (s *Supervisor) SubscribeEvents(cancel <-chan struct{}) *events.Subscription {
	return s.bus.Subscribe(cancel)
}

// ProjectDoc returns the raw Markdown for one of a project's well-known
// documents ("vision", "soul", "memory"), or a milestone document when
// which is a milestone ID with a recorded DocPath. Used by the control
// API's doc-preview endpoint.
func (s *Supervisor) ProjectDoc(ctx context.Context, projectID, which string) (string, error) {
	workDir, err := s.workDirFor(ctx, projectID)
	if err != nil {
		return "", err
	}
	reader := docs.NewFileReader(workDir)
	switch which {
	case "vision":
		return reader.Vision(), nil
	case "soul":
		return reader.Soul(), nil
	case "memory":
		return reader.Memory(), nil
	default:
		m, _, err := s.store.ReadMilestone(ctx, projectID, which)
		if err != nil {
			return "", err
		}
		return reader.Milestone(m.DocPath), nil
	}
}

func (s *Supervisor) workDirFor(ctx context.Context, projectID string) (string, error) {
	regs, err := s.store.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range regs {
		if r.ID == projectID {
			return r.Path, nil
		}
	}
	return "", fmt.Errorf("project %s not registered", projectID)
}
