package project

import "context"

// Version is an opaque concurrency token returned by a read and required
// by the matching write. A write presenting a stale token fails with
// errkind.PersistenceStale (see internal/store).
type Version string

// Store is the persistence interface the rest of the core depends on.
// internal/store.FileStore is the production implementation (durable
// JSON files with atomic rename and an advisory per-project lock);
// tests may substitute an in-memory fake that satisfies the same
// contract.
type Store interface {
	// Registry (application-scoped, not under a single project's lock).
	ListProjects(ctx context.Context) ([]ProjectRegistration, error)
	AddProject(ctx context.Context, reg ProjectRegistration) error
	RemoveProject(ctx context.Context, id string) error

	// Project-scoped reads return the current value plus a version token.
	ReadProjectState(ctx context.Context, projectID string) (*ProjectState, Version, error)
	ReadProjectConfig(ctx context.Context, projectID string) (*ProjectConfig, error)
	ReadMilestone(ctx context.Context, projectID, milestoneID string) (*Milestone, Version, error)
	ListMilestones(ctx context.Context, projectID string) ([]*Milestone, error)
	ReadInboxItem(ctx context.Context, projectID, itemID string) (*InboxItem, error)
	ListInboxItems(ctx context.Context, projectID string) ([]*InboxItem, error)
	ReadOrder(ctx context.Context, projectID string) (*MilestoneOrder, Version, error)

	// Project-scoped writes; version must be the token from the most
	// recent read of the same record, or "" for first-ever write.
	WriteProjectState(ctx context.Context, projectID string, s *ProjectState, v Version) (Version, error)
	WriteMilestone(ctx context.Context, projectID string, m *Milestone, v Version) (Version, error)
	WriteOrder(ctx context.Context, projectID string, o *MilestoneOrder, v Version) (Version, error)

	// WithProjectLock serializes multi-file writes for one project. The
	// closure may perform any number of Write* calls; §4.1 guarantees the
	// milestone file is durable before the project-state file within the
	// same lock so observers never see a mismatched pair.
	WithProjectLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) error
}
