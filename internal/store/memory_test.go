package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func seedPorts(t *testing.T, m *MemoryStore, owner string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := &Port{OwnerID: owner, Trunk: "trunk-a", PortNumber: i}
		if err := m.RegisterPort(p); err != nil {
			t.Fatalf("register port: %v", err)
		}
		ids = append(ids, p.ID)
	}
	return ids
}

func TestReservePortsSkipsTakenPorts(t *testing.T) {
	m := NewMemoryStore()
	ids := seedPorts(t, m, "owner-1", 3)

	n, err := m.ReservePorts("owner-1", ids[:2], "job-1")
	if err != nil || n != 2 {
		t.Fatalf("first reserve = %d, %v; want 2", n, err)
	}

	// Second job asks for all three; only the free one should land.
	n, err = m.ReservePorts("owner-1", ids, "job-2")
	if err != nil || n != 1 {
		t.Fatalf("second reserve = %d, %v; want 1", n, err)
	}

	ports, _ := m.ListJobPorts("job-1")
	if len(ports) != 2 {
		t.Fatalf("job-1 holds %d ports, want 2", len(ports))
	}
}

func TestReservePortsIgnoresForeignOwner(t *testing.T) {
	m := NewMemoryStore()
	ids := seedPorts(t, m, "owner-1", 2)

	n, err := m.ReservePorts("owner-2", ids, "job-x")
	if err != nil || n != 0 {
		t.Fatalf("reserve foreign ports = %d, %v; want 0", n, err)
	}
}

func TestPortLifecycleTransitions(t *testing.T) {
	m := NewMemoryStore()
	ids := seedPorts(t, m, "owner-1", 1)
	id := ids[0]

	if _, err := m.ReservePorts("owner-1", ids, "job-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// in_call requires the owning job
	if ok, _ := m.MarkPortInCall(id, "job-other"); ok {
		t.Fatal("foreign job marked port in_call")
	}
	if ok, _ := m.MarkPortInCall(id, "job-1"); !ok {
		t.Fatal("owning job could not mark port in_call")
	}
	// already in_call, not claimable again
	if ok, _ := m.MarkPortInCall(id, "job-1"); ok {
		t.Fatal("in_call port claimed twice")
	}

	// release returns the port to the job's reserved pool, not to available
	if ok, _ := m.ReleasePort(id, "job-1"); !ok {
		t.Fatal("release failed")
	}
	p, _ := m.GetPort(id)
	if p.State != PortReserved {
		t.Fatalf("state after release = %s, want reserved", p.State)
	}
	if p.CurrentJobID == nil || *p.CurrentJobID != "job-1" {
		t.Fatal("release dropped the job lease")
	}

	// releasing again is a stale no-op
	if ok, _ := m.ReleasePort(id, "job-1"); ok {
		t.Fatal("double release reported success")
	}
}

func TestReleaseJobPortsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	ids := seedPorts(t, m, "owner-1", 3)
	m.ReservePorts("owner-1", ids, "job-1")
	m.MarkPortInCall(ids[0], "job-1")

	for i := 0; i < 2; i++ {
		if err := m.ReleaseJobPorts("job-1"); err != nil {
			t.Fatalf("release job ports: %v", err)
		}
	}

	avail, _ := m.ListAvailablePorts("owner-1")
	if len(avail) != 3 {
		t.Fatalf("available after release = %d, want 3", len(avail))
	}
	for _, id := range ids {
		p, _ := m.GetPort(id)
		if p.CurrentJobID != nil {
			t.Fatalf("port %s still leased after release", id)
		}
	}
}

func TestClaimQueuedExactlyOnce(t *testing.T) {
	m := NewMemoryStore()
	numbers := make([]string, 50)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("55500%02d", i)
	}
	if _, err := m.EnqueueContacts("job-1", "camp-1", numbers); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := m.ClaimQueued("job-1", 3)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("claimed %d distinct items, want 50", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", id, n)
		}
	}
}

func TestClaimQueuedPreservesOrder(t *testing.T) {
	m := NewMemoryStore()
	m.EnqueueContacts("job-1", "camp-1", []string{"first", "second", "third"})

	items, err := m.ClaimQueued("job-1", 2)
	if err != nil || len(items) != 2 {
		t.Fatalf("claim = %d items, %v; want 2", len(items), err)
	}
	if items[0].PhoneNumber != "first" || items[1].PhoneNumber != "second" {
		t.Fatalf("claim order = %s, %s", items[0].PhoneNumber, items[1].PhoneNumber)
	}
}

func TestEnqueueContactsEmpty(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.EnqueueContacts("job-1", "camp-1", nil); !errors.Is(err, ErrEmptyContactList) {
		t.Fatalf("err = %v, want ErrEmptyContactList", err)
	}
	if _, err := m.EnqueueContacts("job-1", "camp-1", []string{"", ""}); !errors.Is(err, ErrEmptyContactList) {
		t.Fatalf("blank numbers: err = %v, want ErrEmptyContactList", err)
	}
}

func TestMarkItemDoneDuplicateAndStale(t *testing.T) {
	m := NewMemoryStore()
	m.EnqueueContacts("job-1", "camp-1", []string{"5551234"})
	items, _ := m.ClaimQueued("job-1", 1)
	it := items[0]

	if err := m.MarkItemInProgress(it.ID, "port-1", "handle-1"); err != nil {
		t.Fatalf("in progress: %v", err)
	}

	// Wrong handle: stale delivery from some earlier attempt.
	if ok, _ := m.MarkItemDone(it.ID, "handle-0", ItemCompleted, "answered"); ok {
		t.Fatal("stale handle accepted")
	}

	if ok, _ := m.MarkItemDone(it.ID, "handle-1", ItemCompleted, "answered"); !ok {
		t.Fatal("first delivery rejected")
	}
	// Duplicate delivery.
	if ok, _ := m.MarkItemDone(it.ID, "handle-1", ItemFailed, "busy"); ok {
		t.Fatal("duplicate delivery accepted")
	}

	got, _ := m.GetItem(it.ID)
	if got.State != ItemCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.Result == nil || *got.Result != "answered" {
		t.Fatal("result overwritten by duplicate")
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
}

func TestRequeueItemClearsAssignment(t *testing.T) {
	m := NewMemoryStore()
	m.EnqueueContacts("job-1", "camp-1", []string{"5551234"})
	items, _ := m.ClaimQueued("job-1", 1)

	if err := m.RequeueItem(items[0].ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ := m.GetItem(items[0].ID)
	if got.State != ItemQueued {
		t.Fatalf("state = %s, want queued", got.State)
	}
	if got.Attempts != 0 {
		t.Fatal("requeue must not count as an attempt")
	}
}

func TestCountPendingItems(t *testing.T) {
	m := NewMemoryStore()
	m.EnqueueContacts("job-1", "camp-1", []string{"1", "2", "3"})
	items, _ := m.ClaimQueued("job-1", 3)

	m.MarkItemInProgress(items[0].ID, "p", "h1")
	m.MarkItemDone(items[0].ID, "h1", ItemCompleted, "answered")

	n, err := m.CountPendingItems("job-1")
	if err != nil || n != 2 {
		t.Fatalf("pending = %d, %v; want 2", n, err)
	}
}

func TestCreateJobOneActivePerCampaign(t *testing.T) {
	m := NewMemoryStore()
	j1 := &DialJob{CampaignID: "camp-1", OwnerID: "o", State: JobStarting}
	if err := m.CreateJob(j1); err != nil {
		t.Fatalf("first job: %v", err)
	}

	j2 := &DialJob{CampaignID: "camp-1", OwnerID: "o", State: JobStarting}
	if err := m.CreateJob(j2); !errors.Is(err, ErrJobAlreadyActive) {
		t.Fatalf("second job err = %v, want ErrJobAlreadyActive", err)
	}

	// Other campaigns are unaffected.
	j3 := &DialJob{CampaignID: "camp-2", OwnerID: "o", State: JobStarting}
	if err := m.CreateJob(j3); err != nil {
		t.Fatalf("other campaign: %v", err)
	}

	// Once terminal, the campaign can run again.
	if ok, _ := m.SetJobState(j1.ID, []JobState{JobStarting}, JobCancelled); !ok {
		t.Fatal("cancel failed")
	}
	j4 := &DialJob{CampaignID: "camp-1", OwnerID: "o", State: JobStarting}
	if err := m.CreateJob(j4); err != nil {
		t.Fatalf("after terminal: %v", err)
	}
}

func TestSetJobStateGuard(t *testing.T) {
	m := NewMemoryStore()
	j := &DialJob{CampaignID: "camp-1", State: JobStarting}
	m.CreateJob(j)

	if ok, _ := m.SetJobState(j.ID, []JobState{JobRunning}, JobCompleted); ok {
		t.Fatal("guard ignored current state")
	}
	if ok, _ := m.SetJobState(j.ID, []JobState{JobStarting, JobRunning}, JobCancelled); !ok {
		t.Fatal("valid transition refused")
	}
	got, _ := m.GetJob(j.ID)
	if got.EndedAt == nil {
		t.Fatal("terminal transition did not stamp ended_at")
	}
}

func TestRecordCallResultAccounting(t *testing.T) {
	m := NewMemoryStore()
	j := &DialJob{CampaignID: "camp-1", State: JobRunning, TotalCalls: 3}
	m.CreateJob(j)

	m.RecordCallResult(j.ID, true)
	m.RecordCallResult(j.ID, false)
	m.RecordCallResult(j.ID, false)

	got, _ := m.GetJob(j.ID)
	if got.CompletedCalls != 3 || got.SuccessfulCalls != 1 || got.FailedCalls != 2 {
		t.Fatalf("accounting = %d/%d/%d, want 3/1/2",
			got.CompletedCalls, got.SuccessfulCalls, got.FailedCalls)
	}
	if got.SuccessfulCalls+got.FailedCalls != got.CompletedCalls {
		t.Fatal("accounting identity broken")
	}
}
