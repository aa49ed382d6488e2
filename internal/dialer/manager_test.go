package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trunkdial/internal/config"
	"trunkdial/internal/gateway"
	"trunkdial/internal/store"
)

// fakePlacer scripts accept/reject per phone number and feeds outcomes back
// asynchronously, the way the AMI gateway does.
type fakePlacer struct {
	mu       sync.Mutex
	deliver  gateway.OutcomeFunc
	script   func(req gateway.OriginateRequest) (gateway.Outcome, error)
	delay    time.Duration
	hold     bool // accept calls but never deliver their outcomes
	held     []gateway.CallOutcome
	inFlight int
	peak     int
}

func (f *fakePlacer) Originate(ctx context.Context, req gateway.OriginateRequest) error {
	outcome, err := f.script(req)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	oc := gateway.CallOutcome{
		CallHandle: req.CallHandle,
		JobID:      req.JobID,
		ItemID:     req.ItemID,
		Outcome:    outcome,
	}

	go func() {
		time.Sleep(f.delay)
		f.mu.Lock()
		f.inFlight--
		hold := f.hold
		if hold {
			f.held = append(f.held, oc)
		}
		deliver := f.deliver
		f.mu.Unlock()
		if !hold {
			deliver(oc)
		}
	}()
	return nil
}

func (f *fakePlacer) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakePlacer) heldOutcomes() []gateway.CallOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.CallOutcome, len(f.held))
	copy(out, f.held)
	return out
}

func answerAll(req gateway.OriginateRequest) (gateway.Outcome, error) {
	return gateway.OutcomeAnswered, nil
}

type harness struct {
	store   *store.MemoryStore
	manager *Manager
	placer  *fakePlacer
}

const (
	testOwner    = "owner-1"
	testCampaign = "camp-1"
)

func seedStore(t *testing.T, ports, contacts int) *store.MemoryStore {
	t.Helper()

	st := store.NewMemoryStore()
	if err := st.CreateCampaign(&store.Campaign{ID: testCampaign, OwnerID: testOwner, Name: "test", CallerID: "5550000"}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	numbers := make([]string, contacts)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("555%04d", i)
	}
	if contacts > 0 {
		if _, err := st.AddContacts(testCampaign, numbers); err != nil {
			t.Fatalf("add contacts: %v", err)
		}
	}
	for i := 1; i <= ports; i++ {
		if err := st.RegisterPort(&store.Port{OwnerID: testOwner, Trunk: "trunk-a", PortNumber: i}); err != nil {
			t.Fatalf("register port: %v", err)
		}
	}
	return st
}

func newHarness(t *testing.T, ports, contacts int, script func(gateway.OriginateRequest) (gateway.Outcome, error)) *harness {
	t.Helper()

	st := seedStore(t, ports, contacts)
	placer := &fakePlacer{script: script, delay: 10 * time.Millisecond}
	cfg := &config.DialerConfig{PollIntervalMS: 5, OriginateTimeoutS: 2, StatusBroadcastS: 1}
	manager := NewManager(st, placer, cfg)
	placer.deliver = manager.HandleOutcome

	t.Cleanup(manager.Shutdown)
	return &harness{store: st, manager: manager, placer: placer}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) jobState(t *testing.T, jobID string) store.JobState {
	t.Helper()
	job, err := h.store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job.State
}

func TestJobRunsToCompletion(t *testing.T) {
	h := newHarness(t, 2, 5, answerAll)

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if job.State != store.JobRunning {
		t.Fatalf("state after start = %s, want running", job.State)
	}

	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})

	got, _ := h.store.GetJob(job.ID)
	if got.CompletedCalls != 5 || got.SuccessfulCalls != 5 || got.FailedCalls != 0 {
		t.Fatalf("accounting = %d/%d/%d, want 5/5/0",
			got.CompletedCalls, got.SuccessfulCalls, got.FailedCalls)
	}
	if got.EndedAt == nil {
		t.Fatal("completed job has no ended_at")
	}

	// Every port back in the shared pool.
	avail, _ := h.store.ListAvailablePorts(testOwner)
	if len(avail) != 2 {
		t.Fatalf("available ports = %d, want 2", len(avail))
	}
	leased, _ := h.store.ListJobPorts(job.ID)
	if len(leased) != 0 {
		t.Fatalf("job still holds %d ports", len(leased))
	}
}

func TestMixedOutcomesPreserveAccountingIdentity(t *testing.T) {
	h := newHarness(t, 3, 9, func(req gateway.OriginateRequest) (gateway.Outcome, error) {
		switch req.PhoneNumber[len(req.PhoneNumber)-1] {
		case '0', '3', '6':
			return gateway.OutcomeBusy, nil
		case '1', '4':
			return gateway.OutcomeNoAnswer, nil
		default:
			return gateway.OutcomeAnswered, nil
		}
	})

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})

	got, _ := h.store.GetJob(job.ID)
	if got.CompletedCalls != got.TotalCalls {
		t.Fatalf("completed = %d, total = %d", got.CompletedCalls, got.TotalCalls)
	}
	if got.SuccessfulCalls+got.FailedCalls != got.CompletedCalls {
		t.Fatal("accounting identity broken")
	}
	if got.SuccessfulCalls != 4 || got.FailedCalls != 5 {
		t.Fatalf("split = %d/%d, want 4/5", got.SuccessfulCalls, got.FailedCalls)
	}
}

func TestRejectedOriginationsStillFinishTheJob(t *testing.T) {
	h := newHarness(t, 2, 4, func(req gateway.OriginateRequest) (gateway.Outcome, error) {
		if req.PhoneNumber == "5550001" {
			return "", fmt.Errorf("%w: reason 5", gateway.ErrRejected)
		}
		if req.PhoneNumber == "5550002" {
			return "", gateway.ErrUnreachable
		}
		return gateway.OutcomeAnswered, nil
	})

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})

	got, _ := h.store.GetJob(job.ID)
	if got.CompletedCalls != 4 || got.SuccessfulCalls != 2 || got.FailedCalls != 2 {
		t.Fatalf("accounting = %d/%d/%d, want 4/2/2",
			got.CompletedCalls, got.SuccessfulCalls, got.FailedCalls)
	}

	// Rejection is a normal failed attempt; gateway trouble is an error.
	items, _ := h.store.ListJobItems(job.ID)
	states := map[string]store.ItemState{}
	for _, it := range items {
		states[it.PhoneNumber] = it.State
	}
	if states["5550001"] != store.ItemFailed {
		t.Fatalf("rejected item state = %s, want failed", states["5550001"])
	}
	if states["5550002"] != store.ItemError {
		t.Fatalf("unreachable item state = %s, want error", states["5550002"])
	}
}

func TestConcurrencyNeverExceedsReservedPorts(t *testing.T) {
	h := newHarness(t, 2, 10, answerAll)
	h.placer.delay = 20 * time.Millisecond

	job, err := h.manager.StartJob(testOwner, testCampaign, 2)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})

	if peak := h.placer.peakConcurrency(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestMaxConcurrentTruncatesPortReservation(t *testing.T) {
	h := newHarness(t, 4, 3, answerAll)

	job, err := h.manager.StartJob(testOwner, testCampaign, 2)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if job.MaxConcurrentCalls != 2 {
		t.Fatalf("reserved = %d, want 2", job.MaxConcurrentCalls)
	}

	leased, _ := h.store.ListJobPorts(job.ID)
	avail, _ := h.store.ListAvailablePorts(testOwner)
	if len(leased) != 2 || len(avail) != 2 {
		t.Fatalf("leased/available = %d/%d, want 2/2", len(leased), len(avail))
	}

	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})
}

func TestStopJobReleasesPortsAndDiscardsLateOutcomes(t *testing.T) {
	h := newHarness(t, 1, 3, answerAll)
	h.placer.hold = true
	h.placer.delay = time.Millisecond

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	waitFor(t, "first call in flight", func() bool {
		return len(h.placer.heldOutcomes()) > 0
	})

	if err := h.manager.StopJob(testOwner, job.ID); err != nil {
		t.Fatalf("stop job: %v", err)
	}
	if state := h.jobState(t, job.ID); state != store.JobCancelled {
		t.Fatalf("state after stop = %s, want cancelled", state)
	}
	// Stopping again is a no-op.
	if err := h.manager.StopJob(testOwner, job.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	avail, _ := h.store.ListAvailablePorts(testOwner)
	if len(avail) != 1 {
		t.Fatalf("available after stop = %d, want 1", len(avail))
	}

	// The in-flight call reports after cancellation; its lease is gone, so
	// the outcome must not touch the counters.
	for _, oc := range h.placer.heldOutcomes() {
		h.manager.HandleOutcome(oc)
	}
	got, _ := h.store.GetJob(job.ID)
	if got.CompletedCalls != 0 {
		t.Fatalf("late outcome counted: completed = %d", got.CompletedCalls)
	}
}

func TestDuplicateOutcomeCountedOnce(t *testing.T) {
	h := newHarness(t, 1, 1, answerAll)

	var mu sync.Mutex
	var delivered []gateway.CallOutcome
	inner := h.placer.deliver
	h.placer.deliver = func(oc gateway.CallOutcome) {
		mu.Lock()
		delivered = append(delivered, oc)
		mu.Unlock()
		inner(oc)
	}

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})

	mu.Lock()
	ocs := append([]gateway.CallOutcome(nil), delivered...)
	mu.Unlock()
	if len(ocs) != 1 {
		t.Fatalf("delivered %d outcomes, want 1", len(ocs))
	}

	h.manager.HandleOutcome(ocs[0]) // duplicate delivery

	got, _ := h.store.GetJob(job.ID)
	if got.CompletedCalls != 1 || got.SuccessfulCalls != 1 {
		t.Fatalf("accounting after duplicate = %d/%d, want 1/1",
			got.CompletedCalls, got.SuccessfulCalls)
	}
}

func TestStartJobValidation(t *testing.T) {
	t.Run("empty contact list", func(t *testing.T) {
		h := newHarness(t, 1, 0, answerAll)
		if _, err := h.manager.StartJob(testOwner, testCampaign, 0); !errors.Is(err, store.ErrEmptyContactList) {
			t.Fatalf("err = %v, want ErrEmptyContactList", err)
		}
	})

	t.Run("no ports", func(t *testing.T) {
		h := newHarness(t, 0, 2, answerAll)
		if _, err := h.manager.StartJob(testOwner, testCampaign, 0); !errors.Is(err, ErrNoPortsAvailable) {
			t.Fatalf("err = %v, want ErrNoPortsAvailable", err)
		}

		// The failed attempt must not leave an active job behind.
		jobs, _ := h.store.ListActiveJobs()
		if len(jobs) != 0 {
			t.Fatalf("active jobs after failed start = %d", len(jobs))
		}
	})

	t.Run("foreign campaign", func(t *testing.T) {
		h := newHarness(t, 1, 2, answerAll)
		if _, err := h.manager.StartJob("intruder", testCampaign, 0); !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("err = %v, want ErrPermissionDenied", err)
		}
	})

	t.Run("unknown campaign", func(t *testing.T) {
		h := newHarness(t, 1, 2, answerAll)
		if _, err := h.manager.StartJob(testOwner, "nope", 0); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("job already active", func(t *testing.T) {
		h := newHarness(t, 1, 5, answerAll)
		h.placer.hold = true

		if _, err := h.manager.StartJob(testOwner, testCampaign, 0); err != nil {
			t.Fatalf("first start: %v", err)
		}
		if _, err := h.manager.StartJob(testOwner, testCampaign, 0); !errors.Is(err, store.ErrJobAlreadyActive) {
			t.Fatalf("err = %v, want ErrJobAlreadyActive", err)
		}
	})
}

func TestStopJobPermissions(t *testing.T) {
	h := newHarness(t, 1, 3, answerAll)
	h.placer.hold = true

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	if err := h.manager.StopJob("intruder", job.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if err := h.manager.StopJob(testOwner, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := h.manager.StopJob(testOwner, job.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestJobStatusSnapshot(t *testing.T) {
	h := newHarness(t, 2, 4, answerAll)

	job, err := h.manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitFor(t, "job completion", func() bool {
		return h.jobState(t, job.ID) == store.JobCompleted
	})

	st, err := h.manager.JobStatus(testOwner, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != store.JobCompleted || st.TotalCalls != 4 || st.CompletedCalls != 4 {
		t.Fatalf("snapshot = %+v", st)
	}
	if st.PendingCalls != 0 || st.ActiveCalls != 0 || st.ReservedPorts != 0 {
		t.Fatalf("finished job still shows activity: %+v", st)
	}

	if _, err := h.manager.JobStatus("intruder", job.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	// Admin path: empty owner skips the ownership check.
	if _, err := h.manager.JobStatus("", job.ID); err != nil {
		t.Fatalf("admin status: %v", err)
	}
}

// flakyStore injects transient failures into the item transition calls
type flakyStore struct {
	store.Store
	mu             sync.Mutex
	failInProgress int
	failDone       int
}

func (f *flakyStore) MarkItemInProgress(itemID, portID, callHandle string) error {
	f.mu.Lock()
	if f.failInProgress > 0 {
		f.failInProgress--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Store.MarkItemInProgress(itemID, portID, callHandle)
}

func (f *flakyStore) MarkItemDone(itemID, callHandle string, final store.ItemState, result string) (bool, error) {
	f.mu.Lock()
	if f.failDone > 0 {
		f.failDone--
		f.mu.Unlock()
		return false, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Store.MarkItemDone(itemID, callHandle, final, result)
}

func TestTransientAssignErrorDoesNotStallJob(t *testing.T) {
	st := seedStore(t, 1, 2)
	flaky := &flakyStore{Store: st, failInProgress: 1}

	placer := &fakePlacer{script: answerAll, delay: 10 * time.Millisecond}
	cfg := &config.DialerConfig{PollIntervalMS: 5, OriginateTimeoutS: 2}
	manager := NewManager(flaky, placer, cfg)
	placer.deliver = manager.HandleOutcome
	t.Cleanup(manager.Shutdown)

	job, err := manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	waitFor(t, "job completion", func() bool {
		j, err := st.GetJob(job.ID)
		return err == nil && j.State == store.JobCompleted
	})

	j, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.CompletedCalls != 2 || j.SuccessfulCalls != 2 {
		t.Fatalf("accounting = %d completed / %d ok, want 2/2", j.CompletedCalls, j.SuccessfulCalls)
	}
	items, err := st.ListJobItems(job.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	for _, it := range items {
		if !it.State.Terminal() {
			t.Fatalf("item %s left in %s", it.ID, it.State)
		}
	}
	ports, err := st.ListAvailablePorts(testOwner)
	if err != nil || len(ports) != 1 {
		t.Fatalf("available ports = %d (%v), want 1", len(ports), err)
	}
}

func TestRejectedCallSurvivesTransientDoneError(t *testing.T) {
	st := seedStore(t, 1, 1)
	flaky := &flakyStore{Store: st, failDone: 1}

	rejectAll := func(req gateway.OriginateRequest) (gateway.Outcome, error) {
		return "", fmt.Errorf("%w: reason 5", gateway.ErrRejected)
	}
	placer := &fakePlacer{script: rejectAll, delay: time.Millisecond}
	cfg := &config.DialerConfig{PollIntervalMS: 5, OriginateTimeoutS: 2}
	manager := NewManager(flaky, placer, cfg)
	placer.deliver = manager.HandleOutcome
	t.Cleanup(manager.Shutdown)

	job, err := manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	waitFor(t, "job completion", func() bool {
		j, err := st.GetJob(job.ID)
		return err == nil && j.State == store.JobCompleted
	})

	j, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.CompletedCalls != 1 || j.FailedCalls != 1 {
		t.Fatalf("accounting = %d completed / %d failed, want 1/1", j.CompletedCalls, j.FailedCalls)
	}
	items, err := st.ListJobItems(job.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("list items: %d (%v)", len(items), err)
	}
	if items[0].State != store.ItemFailed {
		t.Fatalf("item state = %s, want failed", items[0].State)
	}
}

func TestLostOutcomeIsReapedAndPortRecovered(t *testing.T) {
	st := seedStore(t, 1, 1)

	// Accept the call but never deliver its outcome, as if the hangup
	// event got dropped on the wire.
	placer := &fakePlacer{script: answerAll, delay: time.Millisecond, hold: true}
	cfg := &config.DialerConfig{PollIntervalMS: 5, OriginateTimeoutS: 2, MaxCallDurationS: 1}
	manager := NewManager(st, placer, cfg)
	placer.deliver = manager.HandleOutcome
	t.Cleanup(manager.Shutdown)

	job, err := manager.StartJob(testOwner, testCampaign, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	waitFor(t, "lost call written off", func() bool {
		j, err := st.GetJob(job.ID)
		return err == nil && j.State == store.JobCompleted
	})

	j, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.CompletedCalls != 1 || j.FailedCalls != 1 {
		t.Fatalf("accounting = %d completed / %d failed, want 1/1", j.CompletedCalls, j.FailedCalls)
	}
	items, err := st.ListJobItems(job.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("list items: %d (%v)", len(items), err)
	}
	if items[0].State != store.ItemError {
		t.Fatalf("item state = %s, want error", items[0].State)
	}
	ports, err := st.ListAvailablePorts(testOwner)
	if err != nil || len(ports) != 1 {
		t.Fatalf("available ports = %d (%v), want 1", len(ports), err)
	}
}
