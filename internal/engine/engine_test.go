package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusrun/internal/config"
	"campusrun/internal/domain"
	"campusrun/internal/ports"
)

// fakeStore is an in-memory TaskStore with the same compare-and-set contract
// as the Redis adapter.
type fakeStore struct {
	tasks map[string]*domain.Task
	swaps int

	// afterGet / afterSwap fire once, simulating a concurrent writer.
	afterGet  func(s *fakeStore)
	afterSwap func(s *fakeStore)
}

func newFakeStore(tasks ...*domain.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*domain.Task{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	cp.DeclinedRunners = append([]string(nil), t.DeclinedRunners...)
	if s.afterGet != nil {
		f := s.afterGet
		s.afterGet = nil
		f(s)
	}
	return &cp, nil
}

func (s *fakeStore) TasksByStatus(_ context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) SwapAssignment(_ context.Context, taskID string, expect, next ports.AssignmentState) error {
	s.swaps++
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != expect.Status || t.AssignedRunner != expect.AssignedRunner {
		return domain.ErrConflict
	}
	t.Status = next.Status
	t.AssignedRunner = next.AssignedRunner
	t.AssignedAt = next.AssignedAt
	t.DeclinedRunners = next.DeclinedRunners
	t.Escalations = next.Escalations
	t.CancelReason = next.CancelReason
	if s.afterSwap != nil {
		f := s.afterSwap
		s.afterSwap = nil
		f(s)
	}
	return nil
}

type fakeDirectory struct {
	runners []*domain.Runner
	counts  map[string]map[string]int
	listErr error
	cntErr  error
	cntGets int
}

func (d *fakeDirectory) Runner(_ context.Context, id string) (*domain.Runner, error) {
	for _, r := range d.runners {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, domain.ErrRunnerNotFound
}

func (d *fakeDirectory) OnlineRunners(context.Context) ([]*domain.Runner, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []*domain.Runner
	for _, r := range d.runners {
		if r.Online {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *fakeDirectory) CompletedByCategory(_ context.Context, runnerID string) (map[string]int, error) {
	d.cntGets++
	if d.cntErr != nil {
		return nil, d.cntErr
	}
	return d.counts[runnerID], nil
}

type offerCall struct {
	TaskID   string
	RunnerID string
}

// fakeNotifier returns pre-configured statuses/errors in order; the last one
// repeats.
type fakeNotifier struct {
	calls    []offerCall
	statuses []ports.DispatchStatus
	errs     []error
	idx      int
}

func (n *fakeNotifier) Offer(_ context.Context, taskID, runnerID string) (ports.DispatchStatus, error) {
	n.calls = append(n.calls, offerCall{TaskID: taskID, RunnerID: runnerID})

	i := n.idx
	n.idx++
	var status ports.DispatchStatus
	if len(n.statuses) > 0 {
		if i >= len(n.statuses) {
			i = len(n.statuses) - 1
		}
		status = n.statuses[i]
	}
	var err error
	if len(n.errs) > 0 {
		j := n.idx - 1
		if j >= len(n.errs) {
			j = len(n.errs) - 1
		}
		err = n.errs[j]
	}
	return status, err
}

type fakeCaller struct {
	resolved []*domain.Task
}

func (c *fakeCaller) TaskResolved(_ context.Context, t *domain.Task) error {
	cp := *t
	c.resolved = append(c.resolved, &cp)
	return nil
}

const earthRadius = 6371000.0

// runnerEastOf places a runner the given distance due east of origin.
func runnerEastOf(id string, origin domain.Location, meters float64, locAt time.Time) *domain.Runner {
	dLon := meters / (earthRadius * math.Cos(origin.Lat*math.Pi/180)) * 180 / math.Pi
	return &domain.Runner{
		ID:         id,
		Online:     true,
		Location:   &domain.Location{Lat: origin.Lat, Lon: origin.Lon + dLon},
		LocationAt: locAt,
	}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testMatchConfig() config.Match {
	return config.Match{
		ServiceRadiusMeters: 500,
		DecisionWindow:      60 * time.Second,
		LocationFreshness:   5 * time.Minute,
		DispatchRetryDelay:  0,
	}
}

func newTestEngine(store *fakeStore, dir *fakeDirectory, notifier *fakeNotifier, caller *fakeCaller) (*Engine, *time.Time) {
	now := t0
	e := New(store, dir, notifier, caller, testMatchConfig())
	e.Now = func() time.Time { return now }
	return e, &now
}

func printTask(id string) *domain.Task {
	return &domain.Task{
		ID:         id,
		Title:      "print thesis draft",
		Categories: []string{"print"},
		Origin:     &domain.Location{Lat: 7.11, Lon: 125.61},
		Status:     domain.StatusPending,
		CreatedAt:  t0,
	}
}

func TestAssignOffersTopCandidate(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{
		runners: []*domain.Runner{
			runnerEastOf("r2", *task.Origin, 100, t0),
			runnerEastOf("r1", *task.Origin, 400, t0),
		},
		counts: map[string]map[string]int{
			"r1": {"print": 3},
			"r2": {"print": 1},
		},
	}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	caller := &fakeCaller{}
	e, _ := newTestEngine(store, dir, notifier, caller)

	got, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	// Affinity dominates distance: r1 outranks the closer r2.
	assert.Equal(t, domain.StatusOfferPending, got.Status)
	assert.Equal(t, "r1", got.AssignedRunner)
	assert.Equal(t, t0, got.AssignedAt)
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, offerCall{TaskID: "t1", RunnerID: "r1"}, notifier.calls[0])
	assert.Empty(t, caller.resolved)
}

func TestAssignIsIdempotentWhileOfferLive(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)
	got, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "r1", got.AssignedRunner)
	assert.Len(t, notifier.calls, 1, "retrying Assign must not re-dispatch a live offer")
}

func TestAssignWithoutOriginCancels(t *testing.T) {
	task := printTask("t1")
	task.Origin = nil
	store := newFakeStore(task)
	notifier := &fakeNotifier{}
	caller := &fakeCaller{}
	e, _ := newTestEngine(store, &fakeDirectory{}, notifier, caller)

	got, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.CancelNoOriginLocation, got.CancelReason)
	assert.Empty(t, notifier.calls)
	require.Len(t, caller.resolved, 1)
}

func TestAssignEmptyPoolCancelsImmediately(t *testing.T) {
	task := printTask("t1")
	store := newFakeStore(task)
	notifier := &fakeNotifier{}
	caller := &fakeCaller{}
	e, _ := newTestEngine(store, &fakeDirectory{}, notifier, caller)

	got, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.CancelNoEligibleRunner, got.CancelReason)
	assert.Empty(t, notifier.calls, "no offer may ever be created for an empty pool")
	require.Len(t, caller.resolved, 1)
	assert.Equal(t, domain.CancelNoEligibleRunner, caller.resolved[0].CancelReason)
}

func TestDeclineEscalatesToNextCandidate(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{
		runners: []*domain.Runner{
			runnerEastOf("r1", *task.Origin, 400, t0),
			runnerEastOf("r2", *task.Origin, 100, t0),
		},
		counts: map[string]map[string]int{"r1": {"print": 3}, "r2": {"print": 1}},
	}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	caller := &fakeCaller{}
	e, _ := newTestEngine(store, dir, notifier, caller)

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	got, err := e.Decline(context.Background(), "t1", "r1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusOfferPending, got.Status)
	assert.Equal(t, "r2", got.AssignedRunner)
	assert.Equal(t, []string{"r1"}, got.DeclinedRunners)
	assert.Equal(t, 1, got.Escalations)

	// r1 has the higher affinity but must never be re-offered.
	got, err = e.Decline(context.Background(), "t1", "r2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.CancelNoEligibleRunner, got.CancelReason)
	require.Len(t, caller.resolved, 1)
}

func TestDeclineByNonHolderRejected(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	_, err = e.Decline(context.Background(), "t1", "r9")
	assert.ErrorIs(t, err, domain.ErrNotOfferHolder)
}

func TestDeclineIsIdempotent(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{
		runners: []*domain.Runner{
			runnerEastOf("r1", *task.Origin, 100, t0),
			runnerEastOf("r2", *task.Origin, 200, t0),
		},
	}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)
	_, err = e.Decline(context.Background(), "t1", "r1")
	require.NoError(t, err)

	swapsBefore := store.swaps
	got, err := e.Decline(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.AssignedRunner)
	assert.Equal(t, swapsBefore, store.swaps, "replayed decline must not write")
}

func TestExpiredOfferEscalatesAndLateAcceptRejected(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{
		runners: []*domain.Runner{
			runnerEastOf("r1", *task.Origin, 400, t0),
			runnerEastOf("r2", *task.Origin, 100, t0),
		},
		counts: map[string]map[string]int{"r1": {"print": 3}, "r2": {"print": 1}},
	}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, now := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	// 61s without a decision: a late accept loses to expiry and the offer
	// moves to the next candidate.
	*now = t0.Add(61 * time.Second)
	_, err = e.Accept(context.Background(), "t1", "r1")
	assert.ErrorIs(t, err, domain.ErrOfferExpired)
	assert.Equal(t, "r2", store.tasks["t1"].AssignedRunner)
	assert.Contains(t, store.tasks["t1"].DeclinedRunners, "r1")

	// And once escalated, an even later accept from r1 cannot land either.
	*now = t0.Add(62 * time.Second)
	_, err = e.Accept(context.Background(), "t1", "r1")
	assert.ErrorIs(t, err, domain.ErrNotOfferHolder)
}

func TestCheckExpiryEscalates(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{
		runners: []*domain.Runner{
			runnerEastOf("r1", *task.Origin, 100, t0),
			runnerEastOf("r2", *task.Origin, 200, t0),
		},
	}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, now := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	// Still inside the window: no-op.
	*now = t0.Add(59 * time.Second)
	got, err := e.CheckExpiry(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.AssignedRunner)

	*now = t0.Add(60 * time.Second)
	got, err = e.CheckExpiry(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.AssignedRunner)
	assert.Equal(t, 1, got.Escalations)
}

func TestAcceptWithinWindow(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	caller := &fakeCaller{}
	e, now := newTestEngine(store, dir, notifier, caller)

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	*now = t0.Add(59 * time.Second)
	got, err := e.Accept(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, got.Status)
	assert.Equal(t, "r1", got.AssignedRunner)
	require.Len(t, caller.resolved, 1)
	assert.Equal(t, domain.StatusAccepted, caller.resolved[0].Status)

	// Replay is a no-op.
	got, err = e.Accept(context.Background(), "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, got.Status)
}

func TestDispatchFailureRollsBackAssignment(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	notifier := &fakeNotifier{
		statuses: []ports.DispatchStatus{"", ""},
		errs:     []error{context.DeadlineExceeded, context.DeadlineExceeded},
	}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	assert.ErrorIs(t, err, domain.ErrDispatchFailed)
	assert.Len(t, notifier.calls, 2, "exactly one retry")

	// Re-rankable, not half-assigned.
	assert.Equal(t, domain.StatusPending, store.tasks["t1"].Status)
	assert.Empty(t, store.tasks["t1"].AssignedRunner)
}

func TestDispatchRetryRecovers(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	notifier := &fakeNotifier{
		statuses: []ports.DispatchStatus{"", ports.DispatchAssigned},
		errs:     []error{context.DeadlineExceeded, nil},
	}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	got, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOfferPending, got.Status)
	assert.Len(t, notifier.calls, 2)
}

func TestDispatchCancellationOutcomeCancelsTask(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchNoRunner}}
	caller := &fakeCaller{}
	e, _ := newTestEngine(store, dir, notifier, caller)

	got, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err, "a cancellation outcome is not an error")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.CancelNoEligibleRunner, got.CancelReason)
	require.Len(t, caller.resolved, 1)
}

func TestVerificationFailureSurfacedLoudly(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{runners: []*domain.Runner{runnerEastOf("r1", *task.Origin, 100, t0)}}
	store := newFakeStore(task)
	// Another writer steals the assignment between the engine's write and
	// the dispatcher's verification read.
	store.afterSwap = func(s *fakeStore) {
		s.tasks["t1"].AssignedRunner = "intruder"
	}
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	assert.NotErrorIs(t, err, domain.ErrDispatchFailed)
}

func TestConcurrentEscalationLosesCompareAndSet(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{
		runners: []*domain.Runner{
			runnerEastOf("r1", *task.Origin, 100, t0),
			runnerEastOf("r2", *task.Origin, 200, t0),
			runnerEastOf("r3", *task.Origin, 300, t0),
		},
	}
	store := newFakeStore(task)
	notifier := &fakeNotifier{statuses: []ports.DispatchStatus{ports.DispatchAssigned}}
	e, _ := newTestEngine(store, dir, notifier, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.NoError(t, err)

	// Between this decline's read and its write, another process escalates
	// the same task to r2.
	store.afterGet = func(s *fakeStore) {
		s.tasks["t1"].AssignedRunner = "r2"
		s.tasks["t1"].DeclinedRunners = []string{"r1"}
	}
	_, err = e.Decline(context.Background(), "t1", "r1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	// The concurrent winner's assignment is untouched: never two offers.
	assert.Equal(t, "r2", store.tasks["t1"].AssignedRunner)
}

func TestStoreFailurePropagates(t *testing.T) {
	task := printTask("t1")
	dir := &fakeDirectory{listErr: context.DeadlineExceeded}
	store := newFakeStore(task)
	e, _ := newTestEngine(store, dir, &fakeNotifier{}, &fakeCaller{})

	_, err := e.Assign(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, domain.StatusPending, store.tasks["t1"].Status, "failure must not half-transition the task")
}
