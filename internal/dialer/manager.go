package dialer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trunkdial/internal/config"
	"trunkdial/internal/gateway"
	"trunkdial/internal/metrics"
	"trunkdial/internal/store"
)

var (
	// ErrNoPortsAvailable is returned when a job start can reserve no ports
	ErrNoPortsAvailable = errors.New("no ports available")
	// ErrPermissionDenied is returned when the caller does not own the
	// campaign or job
	ErrPermissionDenied = errors.New("permission denied")
)

// Manager owns the scheduler loops. It starts one Runner per job, routes
// call outcomes back to the store and tears everything down on shutdown.
type Manager struct {
	store  store.Store
	placer gateway.CallPlacer
	cfg    *config.DialerConfig

	mu       sync.Mutex
	runners  map[string]*Runner
	shutdown bool
	wg       sync.WaitGroup
}

// NewManager creates a manager over the given store and call placer
func NewManager(st store.Store, placer gateway.CallPlacer, cfg *config.DialerConfig) *Manager {
	return &Manager{
		store:   st,
		placer:  placer,
		cfg:     cfg,
		runners: make(map[string]*Runner),
	}
}

// StartJob creates a dial job for the campaign, enqueues its contacts,
// reserves ports and starts the scheduler loop. maxConcurrent caps the
// number of ports taken; zero means take every available port.
func (m *Manager) StartJob(ownerID, campaignID string, maxConcurrent int) (*store.DialJob, error) {
	campaign, err := m.store.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.OwnerID != ownerID {
		return nil, ErrPermissionDenied
	}

	numbers, err := m.store.ListContactNumbers(campaignID)
	if err != nil {
		return nil, err
	}
	if len(numbers) == 0 {
		return nil, store.ErrEmptyContactList
	}

	job := &store.DialJob{
		ID:                 uuid.NewString(),
		CampaignID:         campaignID,
		OwnerID:            ownerID,
		State:              store.JobStarting,
		TotalCalls:         len(numbers),
		MaxConcurrentCalls: maxConcurrent,
		StartedAt:          time.Now(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}

	if _, err := m.store.EnqueueContacts(job.ID, campaignID, numbers); err != nil {
		m.failJob(job.ID)
		return nil, fmt.Errorf("enqueue contacts: %w", err)
	}

	ports, err := m.store.ListAvailablePorts(ownerID)
	if err != nil {
		m.failJob(job.ID)
		return nil, err
	}
	if maxConcurrent > 0 && len(ports) > maxConcurrent {
		ports = ports[:maxConcurrent]
	}
	if len(ports) == 0 {
		m.failJob(job.ID)
		return nil, ErrNoPortsAvailable
	}

	portIDs := make([]string, len(ports))
	for i, p := range ports {
		portIDs[i] = p.ID
	}
	reserved, err := m.store.ReservePorts(ownerID, portIDs, job.ID)
	if err != nil {
		m.failJob(job.ID)
		return nil, err
	}
	if reserved == 0 {
		m.failJob(job.ID)
		return nil, ErrNoPortsAvailable
	}

	if err := m.store.SetJobConcurrency(job.ID, reserved); err != nil {
		log.Printf("[Manager] Job %s: failed to record concurrency: %v", job.ID, err)
	}

	ok, err := m.store.SetJobState(job.ID, []store.JobState{store.JobStarting}, store.JobRunning)
	if err != nil || !ok {
		// Cancelled between create and here. Runner never starts.
		m.store.ReleaseJobPorts(job.ID)
		if err == nil {
			err = errors.New("job cancelled before start")
		}
		return nil, err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		m.store.SetJobState(job.ID, []store.JobState{store.JobRunning}, store.JobCancelled)
		m.store.ReleaseJobPorts(job.ID)
		return nil, errors.New("manager is shutting down")
	}
	runner := newRunner(job.ID, campaign.CallerID, m.store, m.placer, m.cfg)
	m.runners[job.ID] = runner
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.ActiveJobs.Inc()
	go func() {
		defer m.wg.Done()
		runner.run()

		m.mu.Lock()
		delete(m.runners, job.ID)
		m.mu.Unlock()
		metrics.ActiveJobs.Dec()
	}()

	log.Printf("[Manager] Job %s started: campaign=%s contacts=%d ports=%d",
		job.ID, campaignID, len(numbers), reserved)

	job.State = store.JobRunning
	job.MaxConcurrentCalls = reserved
	return job, nil
}

func (m *Manager) failJob(jobID string) {
	m.store.SetJobState(jobID, []store.JobState{store.JobStarting}, store.JobFailed)
	m.store.ReleaseJobPorts(jobID)
}

// StopJob cancels a running job. In-flight calls are left to finish; their
// late outcomes are discarded once the ports are back. Idempotent:
// stopping a finished job is a no-op.
func (m *Manager) StopJob(ownerID, jobID string) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return ErrPermissionDenied
	}
	if job.State.Terminal() {
		return nil
	}

	ok, err := m.store.SetJobState(jobID,
		[]store.JobState{store.JobStarting, store.JobRunning},
		store.JobCancelled)
	if err != nil {
		return err
	}
	if ok {
		log.Printf("[Manager] Job %s cancelled", jobID)
	}
	// Ports come back immediately; the runner notices the state on its
	// next poll and exits.
	return m.store.ReleaseJobPorts(jobID)
}

// JobStatus returns a point-in-time snapshot of the job
func (m *Manager) JobStatus(ownerID, jobID string) (*Status, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, ErrPermissionDenied
	}
	return m.buildStatus(job)
}

func (m *Manager) buildStatus(job *store.DialJob) (*Status, error) {
	pending, err := m.store.CountPendingItems(job.ID)
	if err != nil {
		return nil, err
	}
	ports, err := m.store.ListJobPorts(job.ID)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, p := range ports {
		if p.State == store.PortInCall {
			active++
		}
	}
	return &Status{
		JobID:           job.ID,
		CampaignID:      job.CampaignID,
		State:           job.State,
		TotalCalls:      job.TotalCalls,
		CompletedCalls:  job.CompletedCalls,
		SuccessfulCalls: job.SuccessfulCalls,
		FailedCalls:     job.FailedCalls,
		PendingCalls:    pending,
		ActiveCalls:     active,
		ReservedPorts:   len(ports),
		StartedAt:       job.StartedAt,
		EndedAt:         job.EndedAt,
	}, nil
}

// ActiveStatuses snapshots every non-terminal job, for the broadcaster
func (m *Manager) ActiveStatuses() ([]Status, error) {
	jobs, err := m.store.ListActiveJobs()
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(jobs))
	for i := range jobs {
		st, err := m.buildStatus(&jobs[i])
		if err != nil {
			log.Printf("[Manager] Status for job %s: %v", jobs[i].ID, err)
			continue
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

// HandleOutcome processes a call result from the gateway. Duplicate and
// stale deliveries fall out of the conditional item update and are skipped.
func (m *Manager) HandleOutcome(oc gateway.CallOutcome) {
	item, err := m.store.GetItem(oc.ItemID)
	if err != nil {
		log.Printf("[Manager] Outcome for unknown item %s: %v", oc.ItemID, err)
		return
	}
	portID := ""
	if item.AssignedPort != nil {
		portID = *item.AssignedPort
	}

	// A cancelled job gave its ports back already; anything still in
	// flight reports against a lease that no longer exists. Drop it.
	if portID != "" {
		port, err := m.store.GetPort(portID)
		if err != nil {
			log.Printf("[Manager] Outcome references unknown port %s: %v", portID, err)
			return
		}
		if port.CurrentJobID == nil || *port.CurrentJobID != oc.JobID {
			log.Printf("[Manager] Discarding late outcome for item %s: port %s no longer leased", oc.ItemID, portID)
			return
		}
	}

	final := store.ItemFailed
	if oc.Outcome.Success() {
		final = store.ItemCompleted
	}
	updated, err := m.store.MarkItemDone(oc.ItemID, oc.CallHandle, final, string(oc.Outcome))
	if err != nil {
		log.Printf("[Manager] Outcome for item %s: %v", oc.ItemID, err)
		return
	}
	if !updated {
		log.Printf("[Manager] Discarding stale outcome for item %s handle %s", oc.ItemID, oc.CallHandle)
		return
	}

	if err := m.store.RecordCallResult(oc.JobID, oc.Outcome.Success()); err != nil {
		log.Printf("[Manager] Recording result for job %s: %v", oc.JobID, err)
	}
	metrics.CallsCompleted.WithLabelValues(string(oc.Outcome)).Inc()

	// Release strictly after the counters: the loop must never see a free
	// port whose call is not yet accounted.
	if portID != "" {
		if _, err := m.store.ReleasePort(portID, oc.JobID); err != nil {
			log.Printf("[Manager] Releasing port %s: %v", portID, err)
		}
	}
}

// Shutdown stops every runner loop and waits for in-flight call goroutines.
// Jobs are left in their current state; a restart can resume them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	for _, r := range m.runners {
		r.stop()
	}
	m.mu.Unlock()

	m.wg.Wait()
	log.Println("[Manager] All runners stopped")
}
