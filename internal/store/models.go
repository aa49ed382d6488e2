package store

import (
	"fmt"
	"time"
)

// PortState is the allocation state of a trunk port
type PortState string

const (
	PortAvailable PortState = "available"
	PortReserved  PortState = "reserved"
	PortInCall    PortState = "in_call"
)

// Port represents one addressable outbound trunk channel.
// A port carries exactly one call at a time; allocation is driven
// exclusively by the scheduler.
type Port struct {
	ID           string     `db:"id" json:"id"`
	OwnerID      string     `db:"owner_id" json:"owner_id"`
	Trunk        string     `db:"trunk" json:"trunk"`
	PortNumber   int        `db:"port_number" json:"port_number"`
	SIPUsername  string     `db:"sip_username" json:"sip_username"`
	SIPSecret    string     `db:"sip_secret" json:"-"`
	State        PortState  `db:"state" json:"state"`
	CurrentJobID *string    `db:"current_job_id" json:"current_job_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Address returns the dial prefix for this port, e.g. SIP/gsm-gw1-3
func (p *Port) Address() string {
	return fmt.Sprintf("SIP/%s-%d", p.Trunk, p.PortNumber)
}

// ItemState is the lifecycle state of a queue item
type ItemState string

const (
	ItemQueued     ItemState = "queued"
	ItemAssigned   ItemState = "assigned"
	ItemInProgress ItemState = "in_progress"
	ItemCompleted  ItemState = "completed"
	ItemFailed     ItemState = "failed"
	ItemError      ItemState = "error"
)

// Terminal reports whether the state is final. Items are never mutated
// once terminal.
func (s ItemState) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemError
}

// QueueItem is one contact's dialing record within a job
type QueueItem struct {
	ID            string     `db:"id" json:"id"`
	JobID         string     `db:"job_id" json:"job_id"`
	CampaignID    string     `db:"campaign_id" json:"campaign_id"`
	PhoneNumber   string     `db:"phone_number" json:"phone_number"`
	State         ItemState  `db:"state" json:"state"`
	AssignedPort  *string    `db:"assigned_port" json:"assigned_port,omitempty"`
	CallHandle    *string    `db:"call_handle" json:"call_handle,omitempty"`
	Result        *string    `db:"result" json:"result,omitempty"`
	Attempts      int        `db:"attempts" json:"attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// JobState is the lifecycle state of a dialer job
type JobState string

const (
	JobStarting  JobState = "starting"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the job reached a final state. All transitions
// are one-way; no state is re-enterable.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// DialJob is one execution of "dial this campaign's contact list now".
// Invariant: CompletedCalls == SuccessfulCalls + FailedCalls <= TotalCalls.
type DialJob struct {
	ID                 string     `db:"id" json:"id"`
	CampaignID         string     `db:"campaign_id" json:"campaign_id"`
	OwnerID            string     `db:"owner_id" json:"owner_id"`
	State              JobState   `db:"state" json:"state"`
	TotalCalls         int        `db:"total_calls" json:"total_calls"`
	CompletedCalls     int        `db:"completed_calls" json:"completed_calls"`
	SuccessfulCalls    int        `db:"successful_calls" json:"successful_calls"`
	FailedCalls        int        `db:"failed_calls" json:"failed_calls"`
	MaxConcurrentCalls int        `db:"max_concurrent_calls" json:"max_concurrent_calls"`
	StartedAt          time.Time  `db:"started_at" json:"started_at"`
	EndedAt            *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// Campaign is the contact-list container a job dials against
type Campaign struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Name      string    `db:"name" json:"name"`
	CallerID  string    `db:"caller_id" json:"caller_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// User is an API account allowed to run jobs against its own ports
type User struct {
	ID           string `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	Role         string `db:"role" json:"role"`
	Active       bool   `db:"active" json:"active"`
}
