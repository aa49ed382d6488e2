package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-node
// deployments. All conditional-transition semantics match the MySQL
// implementation; the mutex stands in for row-level atomicity.
type MemoryStore struct {
	mu        sync.Mutex
	ports     map[string]*Port
	items     map[string]*QueueItem
	itemSeq   map[string]int64 // itemID -> insertion order, claim is FIFO-ish
	seq       int64
	jobs      map[string]*DialJob
	campaigns map[string]*Campaign
	contacts  map[string][]string // campaignID -> numbers
	users     map[string]*User    // username -> user
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ports:     make(map[string]*Port),
		items:     make(map[string]*QueueItem),
		itemSeq:   make(map[string]int64),
		jobs:      make(map[string]*DialJob),
		campaigns: make(map[string]*Campaign),
		contacts:  make(map[string][]string),
		users:     make(map[string]*User),
	}
}

// --- ports ---

func (m *MemoryStore) RegisterPort(p *Port) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.State == "" {
		p.State = PortAvailable
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	m.ports[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPort(portID string) (*Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[portID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListAvailablePorts(ownerID string) ([]Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Port
	for _, p := range m.ports {
		if p.OwnerID == ownerID && p.State == PortAvailable {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trunk != out[j].Trunk {
			return out[i].Trunk < out[j].Trunk
		}
		return out[i].PortNumber < out[j].PortNumber
	})
	return out, nil
}

func (m *MemoryStore) ListOwnerPorts(ownerID string) ([]Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Port
	for _, p := range m.ports {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trunk != out[j].Trunk {
			return out[i].Trunk < out[j].Trunk
		}
		return out[i].PortNumber < out[j].PortNumber
	})
	return out, nil
}

func (m *MemoryStore) ListJobPorts(jobID string) ([]Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Port
	for _, p := range m.ports {
		if p.CurrentJobID != nil && *p.CurrentJobID == jobID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trunk != out[j].Trunk {
			return out[i].Trunk < out[j].Trunk
		}
		return out[i].PortNumber < out[j].PortNumber
	})
	return out, nil
}

func (m *MemoryStore) ReservePorts(ownerID string, portIDs []string, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reserved := 0
	for _, id := range portIDs {
		p, ok := m.ports[id]
		if !ok || p.OwnerID != ownerID || p.State != PortAvailable {
			continue // taken by a racing job, or not ours: skip
		}
		jid := jobID
		p.State = PortReserved
		p.CurrentJobID = &jid
		reserved++
	}
	return reserved, nil
}

func (m *MemoryStore) MarkPortInCall(portID, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[portID]
	if !ok || p.State != PortReserved || p.CurrentJobID == nil || *p.CurrentJobID != jobID {
		return false, nil
	}
	p.State = PortInCall
	return true, nil
}

func (m *MemoryStore) ReleasePort(portID, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[portID]
	if !ok || p.State != PortInCall || p.CurrentJobID == nil || *p.CurrentJobID != jobID {
		return false, nil
	}
	p.State = PortReserved
	return true, nil
}

func (m *MemoryStore) ReleaseJobPorts(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.ports {
		if p.CurrentJobID != nil && *p.CurrentJobID == jobID {
			p.State = PortAvailable
			p.CurrentJobID = nil
		}
	}
	return nil
}

// --- queue ---

func (m *MemoryStore) EnqueueContacts(jobID, campaignID string, numbers []string) (int, error) {
	if len(numbers) == 0 {
		return 0, ErrEmptyContactList
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, num := range numbers {
		if num == "" {
			continue
		}
		it := &QueueItem{
			ID:          uuid.NewString(),
			JobID:       jobID,
			CampaignID:  campaignID,
			PhoneNumber: num,
			State:       ItemQueued,
			CreatedAt:   time.Now(),
		}
		m.seq++
		m.items[it.ID] = it
		m.itemSeq[it.ID] = m.seq
		n++
	}
	if n == 0 {
		return 0, ErrEmptyContactList
	}
	return n, nil
}

func (m *MemoryStore) GetItem(itemID string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) ListJobItems(jobID string) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueItem
	for _, it := range m.items {
		if it.JobID == jobID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.itemSeq[out[i].ID] < m.itemSeq[out[j].ID]
	})
	return out, nil
}

func (m *MemoryStore) ClaimQueued(jobID string, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued []*QueueItem
	for _, it := range m.items {
		if it.JobID == jobID && it.State == ItemQueued {
			queued = append(queued, it)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return m.itemSeq[queued[i].ID] < m.itemSeq[queued[j].ID]
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]QueueItem, 0, len(queued))
	for _, it := range queued {
		it.State = ItemAssigned
		out = append(out, *it)
	}
	return out, nil
}

func (m *MemoryStore) RequeueItem(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if it.State == ItemAssigned {
		it.State = ItemQueued
		it.AssignedPort = nil
	}
	return nil
}

func (m *MemoryStore) MarkItemInProgress(itemID, portID, callHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	it.State = ItemInProgress
	it.AssignedPort = &portID
	it.CallHandle = &callHandle
	it.Attempts++
	it.LastAttemptAt = &now
	return nil
}

func (m *MemoryStore) MarkItemDone(itemID, callHandle string, final ItemState, result string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return false, nil
	}
	if it.State.Terminal() {
		return false, nil // duplicate delivery
	}
	if it.State != ItemInProgress && it.State != ItemAssigned {
		return false, nil
	}
	if it.CallHandle == nil || *it.CallHandle != callHandle {
		return false, nil // stale: a different attempt owns this item
	}
	it.State = final
	it.Result = &result
	it.AssignedPort = nil
	return true, nil
}

func (m *MemoryStore) CountPendingItems(jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.JobID == jobID && !it.State.Terminal() {
			n++
		}
	}
	return n, nil
}

// --- jobs ---

func (m *MemoryStore) CreateJob(job *DialJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.CampaignID == job.CampaignID && !j.State.Terminal() {
			return ErrJobAlreadyActive
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(jobID string) (*DialJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListActiveJobs() ([]DialJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DialJob
	for _, j := range m.jobs {
		if !j.State.Terminal() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetJobState(jobID string, from []JobState, to JobState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	match := false
	for _, f := range from {
		if j.State == f {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	j.State = to
	if to.Terminal() {
		now := time.Now()
		j.EndedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) SetJobConcurrency(jobID string, ports int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.MaxConcurrentCalls = ports
	return nil
}

func (m *MemoryStore) RecordCallResult(jobID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.CompletedCalls++
	if success {
		j.SuccessfulCalls++
	} else {
		j.FailedCalls++
	}
	return nil
}

// --- campaigns ---

func (m *MemoryStore) CreateCampaign(c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCampaign(id string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) AddContacts(campaignID string, numbers []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return 0, ErrNotFound
	}
	n := 0
	for _, num := range numbers {
		if num == "" {
			continue
		}
		m.contacts[campaignID] = append(m.contacts[campaignID], num)
		n++
	}
	return n, nil
}

func (m *MemoryStore) ListContactNumbers(campaignID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.contacts[campaignID]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

// --- users ---

func (m *MemoryStore) CreateUser(u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cp := *u
	m.users[u.Username] = &cp
	return nil
}

func (m *MemoryStore) GetUserByUsername(username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}
