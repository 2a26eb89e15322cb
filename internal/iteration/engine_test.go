package iteration

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-dev/anima/internal/clock"
	"github.com/anima-dev/anima/internal/events"
	"github.com/anima-dev/anima/internal/project"
	"github.com/anima-dev/anima/internal/vcs"
)

// fakeStore is a minimal in-memory project.Store for engine tests.
type fakeStore struct {
	mu         sync.Mutex
	state      *project.ProjectState
	config     project.ProjectConfig
	milestones map[string]*project.Milestone
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:      project.NewProjectState(),
		config:     project.DefaultProjectConfig("p"),
		milestones: make(map[string]*project.Milestone),
	}
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]project.ProjectRegistration, error) { return nil, nil }
func (f *fakeStore) AddProject(ctx context.Context, r project.ProjectRegistration) error      { return nil }
func (f *fakeStore) RemoveProject(ctx context.Context, id string) error                       { return nil }

func (f *fakeStore) ReadProjectState(ctx context.Context, projectID string) (*project.ProjectState, project.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.state
	return &cp, "v", nil
}

func (f *fakeStore) WriteProjectState(ctx context.Context, projectID string, s *project.ProjectState, v project.Version) (project.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.state = &cp
	return "v2", nil
}

func (f *fakeStore) ReadProjectConfig(ctx context.Context, projectID string) (*project.ProjectConfig, error) {
	cfg := f.config
	return &cfg, nil
}

func (f *fakeStore) ReadMilestone(ctx context.Context, projectID, milestoneID string) (*project.Milestone, project.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[milestoneID]
	if !ok {
		return nil, "", assert.AnError
	}
	cp := *m
	return &cp, "v", nil
}

func (f *fakeStore) WriteMilestone(ctx context.Context, projectID string, m *project.Milestone, v project.Version) (project.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.milestones[m.ID] = &cp
	return "v2", nil
}

func (f *fakeStore) ListMilestones(ctx context.Context, projectID string) ([]*project.Milestone, error) {
	return nil, nil
}
func (f *fakeStore) ReadInboxItem(ctx context.Context, projectID, itemID string) (*project.InboxItem, error) {
	return nil, nil
}
func (f *fakeStore) ListInboxItems(ctx context.Context, projectID string) ([]*project.InboxItem, error) {
	return nil, nil
}
func (f *fakeStore) ReadOrder(ctx context.Context, projectID string) (*project.MilestoneOrder, project.Version, error) {
	return nil, "", nil
}
func (f *fakeStore) WriteOrder(ctx context.Context, projectID string, o *project.MilestoneOrder, v project.Version) (project.Version, error) {
	return "", nil
}
func (f *fakeStore) WithProjectLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ project.Store = (*fakeStore)(nil)

// fakeDriver is a no-op vcs.Driver that records the branches it was asked
// to switch to and reset, for assertions.
type fakeDriver struct {
	switched []string
	resetTo  string
}

func (d *fakeDriver) CurrentBranch(ctx context.Context) (string, error) { return "main", nil }
func (d *fakeDriver) CreateBranch(ctx context.Context, name, fromRef string) error { return nil }
func (d *fakeDriver) SwitchBranch(ctx context.Context, name string) error {
	d.switched = append(d.switched, name)
	return nil
}
func (d *fakeDriver) Status(ctx context.Context) (vcs.Status, error) { return vcs.Status{Clean: true}, nil }
func (d *fakeDriver) Log(ctx context.Context, branch, since string) ([]string, error) { return nil, nil }
func (d *fakeDriver) ShowCommit(ctx context.Context, hash string) (vcs.CommandResult, error) {
	return vcs.CommandResult{}, nil
}
func (d *fakeDriver) Diff(ctx context.Context, fromRef, toRef string) (string, error) { return "", nil }
func (d *fakeDriver) Merge(ctx context.Context, branch string, strategy vcs.MergeStrategy) error {
	return nil
}
func (d *fakeDriver) Tag(ctx context.Context, name, ref string) error { return nil }
func (d *fakeDriver) Reset(ctx context.Context, ref string, hard bool) error {
	d.resetTo = ref
	return nil
}
func (d *fakeDriver) DeleteBranch(ctx context.Context, name string, force bool) error { return nil }
func (d *fakeDriver) Commit(ctx context.Context, message string) error               { return nil }
func (d *fakeDriver) HeadCommit(ctx context.Context) (string, error)                 { return "deadbeef", nil }
func (d *fakeDriver) DefaultBranch(ctx context.Context) (string, error)              { return "main", nil }

var _ vcs.Driver = (*fakeDriver)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(store *fakeStore, driver *fakeDriver) *Engine {
	return New("p1", "/tmp/p1", store, driver, events.New(), clock.New(), nil, nil, testLogger())
}

func TestNextCriterionIndexesByIterationCount(t *testing.T) {
	m := &project.Milestone{AcceptanceCriteria: []string{"a", "b", "c"}}

	m.IterationCount = 0
	assert.Equal(t, "a", nextCriterion(m))

	m.IterationCount = 1
	assert.Equal(t, "b", nextCriterion(m))

	m.IterationCount = 99
	assert.Equal(t, "c", nextCriterion(m), "iteration count past the end clamps to the last criterion")
}

func TestNextCriterionEmptyList(t *testing.T) {
	assert.Equal(t, "", nextCriterion(&project.Milestone{}))
}

func TestAgentTimeoutUsesConfigOrDefault(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeDriver{})

	store.config.AgentTimeoutMs = 45_000
	assert.Equal(t, 45_000_000_000, int(e.agentTimeout(context.Background())))

	store.config.AgentTimeoutMs = 0
	assert.Equal(t, int(30*60*1e9), int(e.agentTimeout(context.Background())), "zero config falls back to 30 minutes")
}

func TestMaxIterationsUsesConfigOrDefault(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeDriver{})

	store.config.MaxIterationsPerMilestone = 5
	assert.Equal(t, 5, e.maxIterations(context.Background()))

	store.config.MaxIterationsPerMilestone = 0
	assert.Equal(t, 20, e.maxIterations(context.Background()), "zero config falls back to the default")
}

func TestCancelResetsBranchAndReturnsProjectToSleeping(t *testing.T) {
	store := newFakeStore()
	driver := &fakeDriver{}
	e := newTestEngine(store, driver)
	ctx := context.Background()

	m := project.NewMilestone("m1", "t", "d", false)
	m.BranchName = "milestone/m1"
	m.BaseCommit = "basecommit"
	m.Transition(project.MilestoneReady, "x", "")
	m.Transition(project.MilestoneInProgress, "x", "")
	store.milestones["m1"] = m

	st, _, err := store.ReadProjectState(ctx, "p1")
	require.NoError(t, err)
	st.Status = project.StatusAwake
	st.CurrentMilestoneID = "m1"
	_, err = store.WriteProjectState(ctx, "p1", st, "v")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, "m1"))

	assert.Equal(t, []string{"milestone/m1"}, driver.switched)
	assert.Equal(t, "basecommit", driver.resetTo)

	got := store.milestones["m1"]
	assert.Equal(t, project.MilestoneCancelled, got.Status)

	after, _, err := store.ReadProjectState(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusSleeping, after.Status)
	assert.Empty(t, after.CurrentMilestoneID)
}
