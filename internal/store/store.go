package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrEmptyContactList is returned when a job is started against a
	// campaign with no contacts
	ErrEmptyContactList = errors.New("contact list is empty")
	// ErrJobAlreadyActive is returned when the campaign already has a job
	// in starting or running state
	ErrJobAlreadyActive = errors.New("campaign already has an active job")
)

// PortStore manages the trunk port inventory. Every state transition is a
// conditional write; concurrent scheduler instances coordinate only through
// these operations, never through in-process locks.
type PortStore interface {
	RegisterPort(p *Port) error
	GetPort(portID string) (*Port, error)
	// ListAvailablePorts returns the owner's ports in available state.
	ListAvailablePorts(ownerID string) ([]Port, error)
	// ListOwnerPorts returns every port of the owner regardless of state.
	ListOwnerPorts(ownerID string) ([]Port, error)
	// ListJobPorts returns every port currently lent to the job.
	ListJobPorts(jobID string) ([]Port, error)
	// ReservePorts transitions the given ports from available to reserved
	// and stamps the job id. Ports taken by a racing job are skipped, not
	// overwritten; the count of ports actually reserved is returned.
	ReservePorts(ownerID string, portIDs []string, jobID string) (int, error)
	// MarkPortInCall is valid only from reserved and only while the port is
	// lent to jobID. Returns false (logged by callers) otherwise.
	MarkPortInCall(portID, jobID string) (bool, error)
	// ReleasePort returns an in_call port to the job's reserved pool so the
	// loop can claim it for the next contact. Valid only from in_call and
	// only while the port is lent to jobID; stale callbacks after the job
	// released its ports become no-ops here.
	ReleasePort(portID, jobID string) (bool, error)
	// ReleaseJobPorts unconditionally returns every port lent to the job,
	// regardless of sub-state. Idempotent; this is the guaranteed cleanup
	// path.
	ReleaseJobPorts(jobID string) error
}

// QueueStore manages the per-job contact backlog. Claiming is a
// compare-and-swap on state, guaranteeing no two claimers receive the
// same item.
type QueueStore interface {
	// EnqueueContacts bulk-creates queued items for the job. Returns
	// ErrEmptyContactList when numbers is empty.
	EnqueueContacts(jobID, campaignID string, numbers []string) (int, error)
	GetItem(itemID string) (*QueueItem, error)
	ListJobItems(jobID string) ([]QueueItem, error)
	// ClaimQueued atomically moves up to limit queued items of the job to
	// assigned and returns them. Insertion order, but ordering is not a
	// correctness requirement.
	ClaimQueued(jobID string, limit int) ([]QueueItem, error)
	// RequeueItem puts an assigned item back to queued (port lost before
	// origination). No attempt is recorded.
	RequeueItem(itemID string) error
	// MarkItemInProgress records the origination attempt: attempts += 1,
	// port and call handle stamped.
	MarkItemInProgress(itemID, portID, callHandle string) error
	// MarkItemDone moves an item to a terminal state, conditional on the
	// item still being non-terminal and carrying the same call handle.
	// Returns false for duplicate or stale deliveries so callers skip the
	// counter updates.
	MarkItemDone(itemID, callHandle string, final ItemState, result string) (bool, error)
	// CountPendingItems counts items still queued, assigned or in_progress.
	// The scheduler loop terminates the job when this reaches zero.
	CountPendingItems(jobID string) (int, error)
}

// JobStore manages dialer job records
type JobStore interface {
	// CreateJob inserts the job in starting state. Fails with
	// ErrJobAlreadyActive if the campaign has a non-terminal job.
	CreateJob(job *DialJob) error
	GetJob(jobID string) (*DialJob, error)
	// ListActiveJobs returns jobs in starting or running state.
	ListActiveJobs() ([]DialJob, error)
	// SetJobState transitions the job if its current state is one of from.
	// Returns false when the guard does not hold.
	SetJobState(jobID string, from []JobState, to JobState) (bool, error)
	// SetJobConcurrency records how many ports were actually reserved.
	SetJobConcurrency(jobID string, ports int) error
	// RecordCallResult bumps completed and successful/failed counters in a
	// single atomic update, preserving the accounting identity.
	RecordCallResult(jobID string, success bool) error
}

// CampaignStore manages campaigns and their contact lists
type CampaignStore interface {
	CreateCampaign(c *Campaign) error
	GetCampaign(id string) (*Campaign, error)
	AddContacts(campaignID string, numbers []string) (int, error)
	ListContactNumbers(campaignID string) ([]string, error)
}

// UserStore manages API accounts
type UserStore interface {
	CreateUser(u *User) error
	GetUserByUsername(username string) (*User, error)
}

// Store is the full persistence surface consumed by the scheduler and API
type Store interface {
	PortStore
	QueueStore
	JobStore
	CampaignStore
	UserStore
}
