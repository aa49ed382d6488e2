package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"trunkdial/internal/config"
)

// AMIPlacer places calls through the Asterisk Manager Interface. Origination
// is synchronous up to the OriginateResponse (accept/reject); the call
// lifecycle after acceptance is observed through Hangup events and turned
// into CallOutcomes for the sink.
type AMIPlacer struct {
	client  *AMIClient
	context string // dialplan context for accepted calls
	sink    OutcomeFunc

	mu       sync.Mutex
	pending  map[string]chan Event       // ActionID -> OriginateResponse
	active   map[string]OriginateRequest // call handle -> request
	aliases  map[string]string           // asterisk Uniqueid -> call handle
	stopChan chan struct{}
	running  bool
}

// NewAMIPlacer creates a placer over a connected AMI client
func NewAMIPlacer(client *AMIClient, cfg *config.AMIConfig, sink OutcomeFunc) *AMIPlacer {
	return &AMIPlacer{
		client:   client,
		context:  cfg.Context,
		sink:     sink,
		pending:  make(map[string]chan Event),
		active:   make(map[string]OriginateRequest),
		aliases:  make(map[string]string),
		stopChan: make(chan struct{}),
	}
}

// Start begins the event listener loop
func (p *AMIPlacer) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.listenEvents()
	log.Println("[AMIPlacer] Event listener started")
}

// Stop stops the listener
func (p *AMIPlacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopChan)
}

func (p *AMIPlacer) listenEvents() {
	events := p.client.Subscribe()

	for {
		select {
		case <-p.stopChan:
			return
		case event := <-events:
			switch event.Type {
			case "OriginateResponse":
				if actionID := event.Fields["ActionID"]; actionID != "" {
					p.dispatch(actionID, event)
				}
			case "VarSet":
				p.handleVarSet(event)
			case "Hangup":
				p.handleHangup(event)
			}
		}
	}
}

func (p *AMIPlacer) dispatch(actionID string, event Event) {
	p.mu.Lock()
	ch, exists := p.pending[actionID]
	p.mu.Unlock()

	if exists {
		select {
		case ch <- event:
		default:
		}
	}
}

// handleVarSet links the Asterisk channel Uniqueid to our call handle once
// the TRUNKDIAL_HANDLE variable shows up on the channel.
func (p *AMIPlacer) handleVarSet(event Event) {
	if event.Fields["Variable"] != "TRUNKDIAL_HANDLE" {
		return
	}
	asteriskID := event.Fields["Uniqueid"]
	handle := event.Fields["Value"]
	if asteriskID == "" || handle == "" {
		return
	}

	p.mu.Lock()
	if _, ok := p.active[handle]; ok {
		p.aliases[asteriskID] = handle
	}
	p.mu.Unlock()
}

// handleHangup turns the end of an accepted call into a CallOutcome
func (p *AMIPlacer) handleHangup(event Event) {
	asteriskID := event.Fields["Uniqueid"]
	if asteriskID == "" {
		return
	}

	p.mu.Lock()
	handle, ok := p.aliases[asteriskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	req := p.active[handle]
	delete(p.aliases, asteriskID)
	delete(p.active, handle)
	p.mu.Unlock()

	cause, _ := strconv.Atoi(event.Fields["Cause"])
	outcome := outcomeFromHangupCause(cause)

	log.Printf("[AMIPlacer] Call %s ended: cause=%d outcome=%s", handle, cause, outcome)
	if p.sink != nil {
		p.sink(CallOutcome{
			CallHandle: handle,
			JobID:      req.JobID,
			ItemID:     req.ItemID,
			Outcome:    outcome,
		})
	}
}

// outcomeFromHangupCause maps Q.850 hangup causes to call outcomes
func outcomeFromHangupCause(cause int) Outcome {
	switch cause {
	case 16: // normal clearing
		return OutcomeAnswered
	case 17: // user busy
		return OutcomeBusy
	case 18, 19, 21: // no response, no answer, rejected
		return OutcomeNoAnswer
	case 1, 27: // unallocated number, destination out of order
		return OutcomeFailed
	case 34, 38: // no circuit, network out of order
		return OutcomeFailed
	default:
		return OutcomeNoAnswer
	}
}

// Originate sends an Originate action and waits for the matching
// OriginateResponse. Acceptance registers the call for outcome tracking;
// rejection and ctx expiry return errors the scheduler records against the
// queue item.
func (p *AMIPlacer) Originate(ctx context.Context, req OriginateRequest) error {
	actionID := "td-" + req.CallHandle

	respChan := make(chan Event, 1)
	p.mu.Lock()
	p.pending[actionID] = respChan
	p.active[req.CallHandle] = req
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, actionID)
		p.mu.Unlock()
	}()

	vars := fmt.Sprintf("TRUNKDIAL_HANDLE=%s,TRUNKDIAL_JOB=%s,TRUNKDIAL_ITEM=%s",
		req.CallHandle, req.JobID, req.ItemID)

	action := fmt.Sprintf(
		"Action: Originate\r\n"+
			"ActionID: %s\r\n"+
			"Channel: %s/%s\r\n"+
			"Context: %s\r\n"+
			"Exten: s\r\n"+
			"Priority: 1\r\n"+
			"CallerID: %s\r\n"+
			"Async: true\r\n"+
			"Variable: %s\r\n"+
			"\r\n",
		actionID,
		req.PortAddress, req.PhoneNumber,
		p.context,
		req.CallerID,
		vars,
	)

	if err := p.client.SendAction(action); err != nil {
		p.dropActive(req.CallHandle)
		return err
	}

	select {
	case event := <-respChan:
		if event.Fields["Response"] == "Success" {
			// Accepted. Hangup tracking owns the call from here.
			return nil
		}
		p.dropActive(req.CallHandle)
		// Reason codes: 0=fail, 1=no such channel, 5=busy, 8=congestion
		return fmt.Errorf("%w: reason %s", ErrRejected, event.Fields["Reason"])

	case <-ctx.Done():
		p.dropActive(req.CallHandle)
		return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	}
}

func (p *AMIPlacer) dropActive(handle string) {
	p.mu.Lock()
	delete(p.active, handle)
	p.mu.Unlock()
}
