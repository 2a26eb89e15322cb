// Package project defines the on-disk data model for a single managed
// project's ".anima/" state tree: ProjectState, ProjectConfig, InboxItem,
// Milestone, and MilestoneOrder, plus the small set of pure helper
// functions (status transitions, invariant checks) that operate
// on them without touching disk.
package project

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExtraFields is implemented by every on-disk record type so the store
// can round-trip fields from a newer schema version it doesn't know
// about (§9 "Dynamic typing & schema drift": unknown fields are
// preserved on a read-modify-write rather than silently dropped).
type ExtraFields interface {
	GetExtra() map[string]json.RawMessage
	SetExtra(map[string]json.RawMessage)
}

// Status is the lifecycle status of a project's scheduler/engine pairing.
type Status string

const (
	StatusSleeping    Status = "sleeping"
	StatusChecking    Status = "checking"
	StatusAwake       Status = "awake"
	StatusPaused      Status = "paused"
	StatusRateLimited Status = "rate_limited"
)

// MilestoneStatus is the lifecycle status of a single milestone.
type MilestoneStatus string

const (
	MilestoneDraft          MilestoneStatus = "draft"
	MilestoneReady          MilestoneStatus = "ready"
	MilestoneInProgress     MilestoneStatus = "in_progress"
	MilestoneAwaitingReview MilestoneStatus = "awaiting_review"
	MilestoneCompleted      MilestoneStatus = "completed"
	MilestoneCancelled      MilestoneStatus = "cancelled"
	MilestoneFailed         MilestoneStatus = "failed"
)

// InboxItemType classifies a dropped-in inbox item.
type InboxItemType string

const (
	InboxBug         InboxItemType = "bug"
	InboxFeature     InboxItemType = "feature"
	InboxOptimization InboxItemType = "optimization"
)

// InboxPriority orders inbox items for milestone-creation triage.
type InboxPriority string

const (
	InboxLow    InboxPriority = "low"
	InboxMedium InboxPriority = "medium"
	InboxHigh   InboxPriority = "high"
)

// InboxSource identifies where an inbox item came from.
type InboxSource string

const (
	InboxSourceManual InboxSource = "manual"
	InboxSourceGithub InboxSource = "github"
)

// InboxStatus tracks an inbox item through the milestone-creation flow.
type InboxStatus string

const (
	InboxStatusPending   InboxStatus = "pending"
	InboxStatusIncluded  InboxStatus = "included"
	InboxStatusDismissed InboxStatus = "dismissed"
)

// WakeScheduleType selects how the Wake Scheduler decides to leave sleeping.
type WakeScheduleType string

const (
	WakeInterval WakeScheduleType = "interval"
	WakeTimes    WakeScheduleType = "times"
	WakeManual   WakeScheduleType = "manual"
)

// WakeSchedule is the project's configured wake policy (see §4.5).
type WakeSchedule struct {
	Type           WakeScheduleType `json:"type"`
	IntervalMinutes int             `json:"intervalMinutes,omitempty"`
	Times          []string         `json:"times,omitempty"` // "HH:MM", 24h, local project time
}

// Validate checks the invariants from spec §3's ProjectConfig row.
func (w WakeSchedule) Validate() error {
	switch w.Type {
	case WakeInterval:
		if w.IntervalMinutes <= 0 {
			return fmt.Errorf("wakeSchedule: intervalMinutes must be > 0 for type=interval")
		}
	case WakeTimes:
		if len(w.Times) == 0 {
			return fmt.Errorf("wakeSchedule: times must be non-empty for type=times")
		}
		for _, t := range w.Times {
			if _, err := time.Parse("15:04", t); err != nil {
				return fmt.Errorf("wakeSchedule: invalid HH:MM time %q: %w", t, err)
			}
		}
	case WakeManual:
		// no further constraints
	default:
		return fmt.Errorf("wakeSchedule: unknown type %q", w.Type)
	}
	return nil
}

// ProjectRegistration is the application-scoped record of a managed project.
type ProjectRegistration struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"` // absolute path
	DisplayName string    `json:"displayName"`
	AddedAt     time.Time `json:"addedAt"`
}

// ProjectState is the project-scoped lifecycle record (state.json).
type ProjectState struct {
	SchemaVersion      int        `json:"schemaVersion,omitempty"`
	Status             Status     `json:"status"`
	CurrentMilestoneID string     `json:"currentMilestoneId,omitempty"`
	RateLimitResetAt   *time.Time `json:"rateLimitResetAt,omitempty"`
	CumulativeTokens   int64      `json:"cumulativeTokens"`
	CumulativeCostUsd  float64    `json:"cumulativeCostUsd"`
	FirstActivatedAt   time.Time  `json:"firstActivatedAt,omitempty"`
	LastActiveAt       time.Time  `json:"lastActiveAt,omitempty"`

	extra map[string]json.RawMessage
}

// GetExtra implements ExtraFields.
func (s *ProjectState) GetExtra() map[string]json.RawMessage { return s.extra }

// SetExtra implements ExtraFields.
func (s *ProjectState) SetExtra(m map[string]json.RawMessage) { s.extra = m }

// NewProjectState returns the initial state for a never-touched project.
func NewProjectState() *ProjectState {
	return &ProjectState{
		SchemaVersion: 1,
		Status:        StatusSleeping,
	}
}

// Invariant enforces the table in spec §3: currentMilestoneId is
// non-empty iff status is one of awake/paused/rate_limited.
func (s *ProjectState) Invariant() error {
	needsMilestone := s.Status == StatusAwake || s.Status == StatusPaused || s.Status == StatusRateLimited
	if needsMilestone && s.CurrentMilestoneID == "" {
		return fmt.Errorf("project state %s requires a currentMilestoneId", s.Status)
	}
	if !needsMilestone && s.CurrentMilestoneID != "" {
		return fmt.Errorf("project state %s must not carry a currentMilestoneId", s.Status)
	}
	return nil
}

// ProjectConfig is the human-authored, core-read-only project config.
type ProjectConfig struct {
	SchemaVersion             int          `json:"schemaVersion,omitempty"`
	Name                      string       `json:"name"`
	WakeSchedule              WakeSchedule `json:"wakeSchedule"`
	DefaultRequiresHumanReview bool        `json:"defaultRequiresHumanReview"`
	AgentTimeoutMs            int64        `json:"agentTimeoutMs"`
	MaxIterationsPerMilestone int          `json:"maxIterationsPerMilestone"`

	extra map[string]json.RawMessage
}

// GetExtra implements ExtraFields.
func (c *ProjectConfig) GetExtra() map[string]json.RawMessage { return c.extra }

// SetExtra implements ExtraFields.
func (c *ProjectConfig) SetExtra(m map[string]json.RawMessage) { c.extra = m }

// DefaultProjectConfig returns sensible defaults, mirroring the teacher's
// DefaultConfig() for the orchestrator.
func DefaultProjectConfig(name string) ProjectConfig {
	return ProjectConfig{
		SchemaVersion: 1,
		Name:          name,
		WakeSchedule: WakeSchedule{
			Type:           WakeInterval,
			IntervalMinutes: 10,
		},
		DefaultRequiresHumanReview: false,
		AgentTimeoutMs:            30 * 60 * 1000,
		MaxIterationsPerMilestone: 20,
	}
}

// InboxItem is a dropped-in piece of prospective work.
type InboxItem struct {
	ID                string        `json:"id"`
	Type              InboxItemType `json:"type"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Priority          InboxPriority `json:"priority"`
	Source            InboxSource   `json:"source"`
	SourceRef         string        `json:"sourceRef,omitempty"`
	Status            InboxStatus   `json:"status"`
	IncludedInMilestone string      `json:"includedInMilestone,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`

	extra map[string]json.RawMessage
}

// GetExtra implements ExtraFields.
func (i *InboxItem) GetExtra() map[string]json.RawMessage { return i.extra }

// SetExtra implements ExtraFields.
func (i *InboxItem) SetExtra(m map[string]json.RawMessage) { i.extra = m }

// Include marks the item included in a milestone, enforcing the
// pending->included invariant from spec §3.
func (i *InboxItem) Include(milestoneID string) error {
	if i.Status != InboxStatusPending {
		return fmt.Errorf("inbox item %s: cannot include from status %s", i.ID, i.Status)
	}
	i.Status = InboxStatusIncluded
	i.IncludedInMilestone = milestoneID
	return nil
}

// Dismiss marks the item dismissed.
func (i *InboxItem) Dismiss() error {
	if i.Status != InboxStatusPending {
		return fmt.Errorf("inbox item %s: cannot dismiss from status %s", i.ID, i.Status)
	}
	i.Status = InboxStatusDismissed
	return nil
}

// HistoryEntry tracks a milestone status transition.
type HistoryEntry struct {
	Status MilestoneStatus `json:"status"`
	At     time.Time       `json:"at"`
	By     string          `json:"by"`
	Note   string          `json:"note,omitempty"`
}

// Milestone is a bounded unit of work with a document, acceptance
// criteria, and a dedicated branch.
type Milestone struct {
	SchemaVersion       int             `json:"schemaVersion,omitempty"`
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	DocPath             string          `json:"docPath"`
	RequiresHumanReview bool            `json:"requiresHumanReview"`
	Status              MilestoneStatus `json:"status"`
	BranchName          string          `json:"branchName"`
	BaseCommit          string          `json:"baseCommit,omitempty"`
	AcceptanceCriteria  []string        `json:"acceptanceCriteria,omitempty"`
	IterationCount      int             `json:"iterationCount"`
	ConsecutiveRejections int           `json:"consecutiveRejections"`
	TokensUsed          int64           `json:"tokensUsed"`
	CostUsd             float64         `json:"costUsd"`
	History             []HistoryEntry  `json:"history"`
	CreatedAt           time.Time       `json:"createdAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`

	// ResumePhase records where in the main loop (§4.6) the engine was,
	// for crash recovery per §4.8 step 5.
	ResumePhase string `json:"resumePhase,omitempty"`

	extra map[string]json.RawMessage
}

// GetExtra implements ExtraFields.
func (m *Milestone) GetExtra() map[string]json.RawMessage { return m.extra }

// SetExtra implements ExtraFields.
func (m *Milestone) SetExtra(e map[string]json.RawMessage) { m.extra = e }

// BranchNameFor returns the canonical branch name for a milestone id.
func BranchNameFor(milestoneID string) string {
	return fmt.Sprintf("milestone/%s", milestoneID)
}

// TagNameFor returns the canonical tag name for a milestone id.
func TagNameFor(milestoneID string) string {
	return fmt.Sprintf("milestone-%s", milestoneID)
}

// NewMilestone creates a draft milestone with the canonical branch name.
func NewMilestone(id, title, docPath string, requiresReview bool) *Milestone {
	return &Milestone{
		SchemaVersion:       1,
		ID:                  id,
		Title:               title,
		DocPath:             docPath,
		RequiresHumanReview: requiresReview,
		Status:              MilestoneDraft,
		BranchName:          BranchNameFor(id),
		CreatedAt:           time.Now(),
		History: []HistoryEntry{{
			Status: MilestoneDraft,
			At:     time.Now(),
			By:     "system",
			Note:   "milestone created",
		}},
	}
}

// milestoneTransitions enumerates the legal status graph from §4.7.
var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestoneDraft:          {MilestoneReady},
	MilestoneReady:          {MilestoneDraft, MilestoneInProgress},
	MilestoneInProgress:     {MilestoneAwaitingReview, MilestoneCompleted, MilestoneCancelled, MilestoneFailed},
	MilestoneAwaitingReview: {MilestoneCompleted, MilestoneInProgress, MilestoneCancelled},
	MilestoneCompleted:      {},
	MilestoneCancelled:      {},
	MilestoneFailed:         {},
}

// CanTransition reports whether moving from the milestone's current
// status to `to` is legal per the lifecycle graph in spec §4.7.
func (m *Milestone) CanTransition(to MilestoneStatus) bool {
	for _, allowed := range milestoneTransitions[m.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the milestone to a new status and appends history.
// Callers are expected to have already validated CanTransition (the
// Iteration Engine / Wake Scheduler own the policy decisions; this is
// just the bookkeeping, matching the teacher's UpdateTicketStatus).
func (m *Milestone) Transition(to MilestoneStatus, by, note string) {
	m.Status = to
	m.History = append(m.History, HistoryEntry{
		Status: to,
		At:     time.Now(),
		By:     by,
		Note:   note,
	})
}

// Deletable reports whether a milestone may be deleted outright (only
// draft/ready per §4.7); anything else requires cancellation.
func (m *Milestone) Deletable() bool {
	return m.Status == MilestoneDraft || m.Status == MilestoneReady
}

// IsTerminal reports whether the milestone has reached a terminal status.
func (m *Milestone) IsTerminal() bool {
	switch m.Status {
	case MilestoneCompleted, MilestoneCancelled, MilestoneFailed:
		return true
	default:
		return false
	}
}

// MilestoneOrder is the externally-maintained ordered list of ready
// milestone ids (order.json).
type MilestoneOrder struct {
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	MilestoneIDs  []string `json:"milestoneIds"`

	extra map[string]json.RawMessage
}

// GetExtra implements ExtraFields.
func (o *MilestoneOrder) GetExtra() map[string]json.RawMessage { return o.extra }

// SetExtra implements ExtraFields.
func (o *MilestoneOrder) SetExtra(m map[string]json.RawMessage) { o.extra = m }

// NextReady returns the first id in the order that refers to a milestone
// currently in the `ready` status; ids referring to milestones that are
// not ready (or no longer exist) are ignored per spec §3's invariant.
func (o MilestoneOrder) NextReady(milestones map[string]*Milestone) (*Milestone, bool) {
	for _, id := range o.MilestoneIDs {
		m, ok := milestones[id]
		if !ok || m.Status != MilestoneReady {
			continue
		}
		return m, true
	}
	return nil, false
}
