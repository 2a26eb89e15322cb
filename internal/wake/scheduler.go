// Package wake is the per-project Wake Scheduler (spec §4.5): it decides
// when a project leaves "sleeping" and what it does next, and owns the
// quota back-off timer.
//
// Grounded on the teacher's Orchestrator.runCycle ticker-driven loop
// (orchestrator.go) for the overall "tick, check, act" shape; the
// times-type schedule computation is new (the teacher only polls on a
// fixed interval) and uses robfig/cron/v3's field parser, the same
// library r3e-network-service_layer depends on directly for its own
// recurring-job scheduling.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anima-dev/anima/internal/clock"
	"github.com/anima-dev/anima/internal/errkind"
	"github.com/anima-dev/anima/internal/events"
	"github.com/anima-dev/anima/internal/project"
)

const defaultQuotaBackoff = 60 * time.Minute

// Checker is invoked each time the scheduler transitions into "checking".
// It returns whether a ready milestone was found and handed off; in that
// case the scheduler does not re-tick until the persisted project status
// leaves awake/checking (see awaitIterationExit).
type Checker interface {
	// Check looks for a ready milestone and, if found, starts an
	// Iteration Engine round for it. It returns true if one was started.
	Check(ctx context.Context, projectID string) (started bool, err error)
}

// Scheduler runs the wake state machine for one project.
type Scheduler struct {
	projectID string
	store     project.Store
	clk       clock.Clock
	bus       *events.Bus
	checker   Checker
	log       *slog.Logger

	control chan controlSignal
	done    chan struct{}
}

type controlSignalKind int

const (
	signalWakeNow controlSignalKind = iota
	signalPause
	signalResume
	signalCancel
)

type controlSignal struct {
	kind controlSignalKind
}

// New creates a scheduler for one project. Run must be called to start it.
func New(projectID string, store project.Store, clk clock.Clock, bus *events.Bus, checker Checker, log *slog.Logger) *Scheduler {
	return &Scheduler{
		projectID: projectID,
		store:     store,
		clk:       clk,
		bus:       bus,
		checker:   checker,
		log:       log.With("project", projectID),
		control:   make(chan controlSignal, 8),
		done:      make(chan struct{}),
	}
}

// WakeNow requests an immediate transition to checking.
func (s *Scheduler) WakeNow() { s.send(signalWakeNow) }

// Pause requests a transition to paused from any non-terminal state.
func (s *Scheduler) Pause() { s.send(signalPause) }

// Resume requests a transition out of paused back to awake.
func (s *Scheduler) Resume() { s.send(signalResume) }

// Cancel requests that the project be returned to sleeping. It does not
// cancel the milestone itself; Engine.Cancel does that.
func (s *Scheduler) Cancel() { s.send(signalCancel) }

func (s *Scheduler) send(kind controlSignalKind) {
	select {
	case s.control <- controlSignal{kind: kind}:
	case <-s.done:
	}
}

// Stop halts the scheduler's goroutine.
func (s *Scheduler) Stop() { close(s.done) }

// Run drives the state machine until ctx is cancelled or Stop is called.
// Spec §4.5: "On startup, a check is performed immediately regardless of
// type."
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverOnStartup(ctx); err != nil {
		return err
	}

	for {
		st, _, err := s.store.ReadProjectState(ctx, s.projectID)
		if err != nil {
			return err
		}

		switch st.Status {
		case project.StatusSleeping:
			if err := s.waitSleeping(ctx); err != nil {
				return err
			}
		case project.StatusRateLimited:
			if err := s.waitRateLimited(ctx, st); err != nil {
				return err
			}
		case project.StatusPaused:
			if err := s.waitPaused(ctx); err != nil {
				return err
			}
		case project.StatusAwake, project.StatusChecking:
			if err := s.doCheck(ctx); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}
	}
}

func (s *Scheduler) recoverOnStartup(ctx context.Context) error {
	st, _, err := s.store.ReadProjectState(ctx, s.projectID)
	if err != nil {
		return err
	}
	if st.Status == project.StatusSleeping {
		return s.transition(ctx, project.StatusChecking)
	}
	return nil
}

func (s *Scheduler) waitSleeping(ctx context.Context) error {
	cfg, err := s.store.ReadProjectConfig(ctx, s.projectID)
	if err != nil {
		return err
	}

	next, err := s.nextTick(cfg.WakeSchedule)
	if err != nil {
		s.log.Warn("invalid wake schedule, falling back to manual", "error", err)
		next = time.Time{}
	}

	var timerChan <-chan time.Time
	if !next.IsZero() {
		t := clock.NewTimer(s.clk, next)
		defer t.Stop()
		timerChan = t.Chan()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case sig := <-s.control:
		return s.handleControl(ctx, sig)
	case <-timerChan:
		return s.transition(ctx, project.StatusChecking)
	}
}

func (s *Scheduler) waitRateLimited(ctx context.Context, st *project.ProjectState) error {
	resetAt := s.clk.Now().Add(defaultQuotaBackoff)
	if st.RateLimitResetAt != nil {
		resetAt = *st.RateLimitResetAt
	}
	t := clock.NewTimer(s.clk, resetAt)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case sig := <-s.control:
		return s.handleControl(ctx, sig)
	case <-t.Chan():
		return s.transition(ctx, project.StatusChecking)
	}
}

func (s *Scheduler) waitPaused(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case sig := <-s.control:
		return s.handleControl(ctx, sig)
	}
}

func (s *Scheduler) doCheck(ctx context.Context) error {
	if err := s.transition(ctx, project.StatusChecking); err != nil {
		return err
	}

	started, err := s.checker.Check(ctx, s.projectID)
	if err != nil {
		return err
	}
	if started {
		// The Iteration Engine now owns state.status; this scheduler
		// resumes its loop once it observes a non-awake status again.
		return s.awaitIterationExit(ctx)
	}
	return s.transition(ctx, project.StatusSleeping)
}

// awaitIterationExit blocks until the project leaves "awake"/"checking",
// while still servicing control signals (pause/cancel/quota handling is
// applied by the Iteration Engine directly to ProjectState; this loop
// only needs to notice the result).
func (s *Scheduler) awaitIterationExit(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case sig := <-s.control:
			if err := s.handleControl(ctx, sig); err != nil {
				return err
			}
		case <-ticker.C:
			st, _, err := s.store.ReadProjectState(ctx, s.projectID)
			if err != nil {
				return err
			}
			if st.Status != project.StatusAwake && st.Status != project.StatusChecking {
				return nil
			}
		}
	}
}

func (s *Scheduler) handleControl(ctx context.Context, sig controlSignal) error {
	switch sig.kind {
	case signalWakeNow:
		return s.transition(ctx, project.StatusChecking)
	case signalPause:
		return s.transition(ctx, project.StatusPaused)
	case signalResume:
		return s.transition(ctx, project.StatusAwake)
	case signalCancel:
		return s.transition(ctx, project.StatusSleeping)
	}
	return nil
}

func (s *Scheduler) transition(ctx context.Context, to project.Status) error {
	st, v, err := s.store.ReadProjectState(ctx, s.projectID)
	if err != nil {
		return err
	}
	from := st.Status
	if from == to {
		return nil
	}
	st.Status = to
	if to == project.StatusAwake {
		st.LastActiveAt = s.clk.Now()
	}
	if _, err := s.store.WriteProjectState(ctx, s.projectID, st, v); err != nil {
		return err
	}
	s.bus.Publish(events.Event{
		ProjectID: s.projectID,
		Kind:      events.KindStatusChange,
		Payload:   map[string]project.Status{"from": from, "to": to},
	})
	return nil
}

// nextTick computes the next scheduled checking tick for the given
// schedule, per §4.5's timing rules.
func (s *Scheduler) nextTick(sched project.WakeSchedule) (time.Time, error) {
	now := s.clk.Now()
	switch sched.Type {
	case project.WakeManual:
		return time.Time{}, nil
	case project.WakeInterval:
		return now.Add(time.Duration(sched.IntervalMinutes) * time.Minute), nil
	case project.WakeTimes:
		return nextTimesTick(now, sched.Times)
	default:
		return time.Time{}, fmt.Errorf("unknown wake schedule type %q", sched.Type)
	}
}

// nextTimesTick parses each HH:MM entry as a daily cron expression via
// robfig/cron's standard parser and returns the earliest upcoming
// occurrence, re-derived fresh from now every call so daylight-saving
// transitions are naturally respected (spec §4.5: "re-derives after each
// tick").
func nextTimesTick(now time.Time, times []string) (time.Time, error) {
	if len(times) == 0 {
		return time.Time{}, errkind.New(errkind.FatalEngine, "times-type schedule has no entries")
	}
	var candidates []time.Time
	for _, hm := range times {
		sched, err := cron.ParseStandard(fmt.Sprintf("%s %s * * *", minutePart(hm), hourPart(hm)))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse wake time %q: %w", hm, err)
		}
		candidates = append(candidates, sched.Next(now))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates[0], nil
}

func hourPart(hm string) string {
	var h, m int
	_, _ = fmt.Sscanf(hm, "%d:%d", &h, &m)
	return fmt.Sprintf("%d", h)
}

func minutePart(hm string) string {
	var h, m int
	_, _ = fmt.Sscanf(hm, "%d:%d", &h, &m)
	return fmt.Sprintf("%d", m)
}
