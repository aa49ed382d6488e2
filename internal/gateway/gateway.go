package gateway

import (
	"context"
	"errors"
)

// Outcome is the terminal result of a placed call as reported by the
// telephony control plane.
type Outcome string

const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeTransferred Outcome = "transferred"
	OutcomeNoAnswer    Outcome = "no_answer"
	OutcomeBusy        Outcome = "busy"
	OutcomeFailed      Outcome = "failed"
)

// Success reports whether the outcome counts as a successful call
func (o Outcome) Success() bool {
	return o == OutcomeAnswered || o == OutcomeTransferred
}

// Valid reports whether the value is a known outcome
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAnswered, OutcomeTransferred, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed:
		return true
	}
	return false
}

// OriginateRequest carries everything the gateway needs to place one call
type OriginateRequest struct {
	CallHandle  string
	JobID       string
	ItemID      string
	PortID      string
	PortAddress string // dial prefix, e.g. SIP/gsm-gw1-3
	PhoneNumber string
	CallerID    string
}

// CallOutcome is the asynchronous result delivered after origination was
// accepted.
type CallOutcome struct {
	CallHandle string  `json:"call_handle"`
	JobID      string  `json:"job_id"`
	ItemID     string  `json:"item_id"`
	Outcome    Outcome `json:"outcome"`
}

// OutcomeFunc is the sink for asynchronous call outcomes. The wire shape of
// delivery (AMI event stream, HTTP webhook) is a pluggable boundary; every
// producer funnels into one of these.
type OutcomeFunc func(CallOutcome)

// Origination failure classes. Rejections are per-call failures the job
// absorbs; transport and auth failures indicate the gateway itself is
// unhealthy.
var (
	ErrUnreachable = errors.New("gateway unreachable")
	ErrRejected    = errors.New("origination rejected")
	ErrAuthFailed  = errors.New("gateway authentication failed")
)

// CallPlacer originates outbound calls. Originate returns once the gateway
// accepted or rejected the request; the call outcome arrives later through
// the OutcomeFunc. Implementations must honor ctx cancellation so a hung
// gateway cannot starve a port.
type CallPlacer interface {
	Originate(ctx context.Context, req OriginateRequest) error
}
