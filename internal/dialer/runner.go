package dialer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trunkdial/internal/config"
	"trunkdial/internal/gateway"
	"trunkdial/internal/metrics"
	"trunkdial/internal/store"
)

// Runner is the scheduler loop for a single job. Each iteration matches
// free ports against queued contacts; the port's in_call state is the only
// concurrency gate, so the loop can never dial past the reserved pool.
type Runner struct {
	jobID    string
	callerID string
	store    store.Store
	placer   gateway.CallPlacer

	pollInterval     time.Duration
	originateTimeout time.Duration
	maxCallDuration  time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	callWG   sync.WaitGroup

	errStreak int
}

// failureThreshold is how many consecutive store errors the loop tolerates
// before declaring the job failed.
const failureThreshold = 10

func newRunner(jobID, callerID string, st store.Store, placer gateway.CallPlacer, cfg *config.DialerConfig) *Runner {
	maxCall := cfg.MaxCallDuration()
	if maxCall <= 0 {
		maxCall = 10 * time.Minute
	}
	return &Runner{
		jobID:            jobID,
		callerID:         callerID,
		store:            st,
		placer:           placer,
		pollInterval:     cfg.PollInterval(),
		originateTimeout: cfg.OriginateTimeout(),
		maxCallDuration:  maxCall,
		stopChan:         make(chan struct{}),
	}
}

// stop signals process shutdown. The job record keeps its state; a restart
// can pick the job up again.
func (r *Runner) stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

func (r *Runner) run() {
	log.Printf("[Runner %s] Loop started", r.jobID)
	defer log.Printf("[Runner %s] Loop stopped", r.jobID)

	for {
		select {
		case <-r.stopChan:
			r.callWG.Wait()
			return
		default:
		}

		job, err := r.store.GetJob(r.jobID)
		if err != nil {
			log.Printf("[Runner %s] Load job: %v", r.jobID, err)
			if r.recordLoopError() {
				return
			}
			r.sleep()
			continue
		}
		r.errStreak = 0
		if job.State != store.JobRunning {
			// Cancelled out from under us. Ports were already released
			// by the stop path; just drain and leave.
			r.callWG.Wait()
			if err := r.store.ReleaseJobPorts(r.jobID); err != nil {
				log.Printf("[Runner %s] Release ports: %v", r.jobID, err)
			}
			return
		}

		// Pending counts queued, assigned and in_progress, so zero means
		// every call has also reported back.
		pending, err := r.store.CountPendingItems(r.jobID)
		if err != nil {
			log.Printf("[Runner %s] Count pending: %v", r.jobID, err)
			if r.recordLoopError() {
				return
			}
			r.sleep()
			continue
		}
		if pending == 0 {
			r.finish()
			return
		}

		r.reapStaleCalls()

		if err := r.dispatch(); err != nil {
			log.Printf("[Runner %s] Dispatch: %v", r.jobID, err)
		}
		r.sleep()
	}
}

// dispatch claims one queued contact per free port and fires the calls
func (r *Runner) dispatch() error {
	ports, err := r.store.ListJobPorts(r.jobID)
	if err != nil {
		return err
	}
	free := ports[:0]
	for _, p := range ports {
		if p.State == store.PortReserved {
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		return nil
	}

	items, err := r.store.ClaimQueued(r.jobID, len(free))
	if err != nil {
		return err
	}

	for i, item := range items {
		port := free[i]
		ok, err := r.store.MarkPortInCall(port.ID, r.jobID)
		if err != nil || !ok {
			// Port slipped away (job stopped mid-iteration). Put the
			// contact back; no attempt was made.
			if reqErr := r.store.RequeueItem(item.ID); reqErr != nil {
				log.Printf("[Runner %s] Requeue item %s: %v", r.jobID, item.ID, reqErr)
			}
			continue
		}
		r.callWG.Add(1)
		go r.placeCall(port, item)
	}
	return nil
}

// placeCall originates one call on a port already marked in_call. The port
// is handed back only on rejection; accepted calls release it through the
// outcome path.
func (r *Runner) placeCall(port store.Port, item store.QueueItem) {
	defer r.callWG.Done()

	handle := uuid.NewString()
	if err := r.store.MarkItemInProgress(item.ID, port.ID, handle); err != nil {
		log.Printf("[Runner %s] Item %s in_progress: %v", r.jobID, item.ID, err)
		// No attempt was made. The item must go back to queued or the
		// loop will wait on it forever.
		if reqErr := r.store.RequeueItem(item.ID); reqErr != nil {
			log.Printf("[Runner %s] Requeue item %s: %v", r.jobID, item.ID, reqErr)
		}
		if _, relErr := r.store.ReleasePort(port.ID, r.jobID); relErr != nil {
			log.Printf("[Runner %s] Release port %s: %v", r.jobID, port.ID, relErr)
		}
		return
	}

	metrics.CallsOriginated.Inc()
	metrics.PortsInCall.Inc()
	defer metrics.PortsInCall.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), r.originateTimeout)
	defer cancel()

	start := time.Now()
	err := r.placer.Originate(ctx, gateway.OriginateRequest{
		CallHandle:  handle,
		JobID:       r.jobID,
		ItemID:      item.ID,
		PortID:      port.ID,
		PortAddress: port.Address(),
		PhoneNumber: item.PhoneNumber,
		CallerID:    r.callerID,
	})
	metrics.OriginateDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		// Accepted. The gateway owns the call now; the outcome callback
		// finishes the accounting and frees the port.
		return
	}

	final := store.ItemError
	kind := "unreachable"
	if errors.Is(err, gateway.ErrRejected) {
		final = store.ItemFailed
		kind = "rejected"
	}
	metrics.OriginateErrors.WithLabelValues(kind).Inc()
	log.Printf("[Runner %s] Originate %s -> %s: %v", r.jobID, item.PhoneNumber, port.Address(), err)

	reason := err.Error()
	if len(reason) > 200 {
		reason = reason[:200]
	}
	// A transient store error here would leave the item in_progress with
	// no outcome ever coming, so retry before giving up.
	var updated bool
	var derr error
	for attempt := 0; attempt < 3; attempt++ {
		updated, derr = r.store.MarkItemDone(item.ID, handle, final, reason)
		if derr == nil {
			break
		}
		log.Printf("[Runner %s] Item %s done: %v", r.jobID, item.ID, derr)
		r.sleep()
	}
	if updated {
		if rerr := r.store.RecordCallResult(r.jobID, false); rerr != nil {
			log.Printf("[Runner %s] Record result: %v", r.jobID, rerr)
		}
	}
	if _, rerr := r.store.ReleasePort(port.ID, r.jobID); rerr != nil {
		log.Printf("[Runner %s] Release port %s: %v", r.jobID, port.ID, rerr)
	}
}

// finish completes the job once the backlog is empty
func (r *Runner) finish() {
	r.callWG.Wait()

	ok, err := r.store.SetJobState(r.jobID,
		[]store.JobState{store.JobRunning}, store.JobCompleted)
	if err != nil {
		log.Printf("[Runner %s] Complete job: %v", r.jobID, err)
	}
	if ok {
		log.Printf("[Runner %s] Job completed", r.jobID)
	}
	if err := r.store.ReleaseJobPorts(r.jobID); err != nil {
		log.Printf("[Runner %s] Release ports: %v", r.jobID, err)
	}
}

// reapStaleCalls writes off accepted calls whose outcome never came back.
// Dropped AMI events or a gateway reconnect can lose a Hangup; without this
// sweep the item stays in_progress and the job never completes.
func (r *Runner) reapStaleCalls() {
	items, err := r.store.ListJobItems(r.jobID)
	if err != nil {
		log.Printf("[Runner %s] List items: %v", r.jobID, err)
		return
	}
	cutoff := time.Now().Add(-r.maxCallDuration)
	for _, item := range items {
		if item.State != store.ItemInProgress || item.CallHandle == nil {
			continue
		}
		if item.LastAttemptAt == nil || item.LastAttemptAt.After(cutoff) {
			continue
		}
		updated, err := r.store.MarkItemDone(item.ID, *item.CallHandle, store.ItemError, "call result lost")
		if err != nil {
			log.Printf("[Runner %s] Reap item %s: %v", r.jobID, item.ID, err)
			continue
		}
		if !updated {
			// The real outcome just landed. Leave it alone.
			continue
		}
		log.Printf("[Runner %s] Reaped stale call: item=%s age=%v",
			r.jobID, item.ID, time.Since(*item.LastAttemptAt))
		metrics.OriginateErrors.WithLabelValues("lost").Inc()
		if err := r.store.RecordCallResult(r.jobID, false); err != nil {
			log.Printf("[Runner %s] Record result: %v", r.jobID, err)
		}
		if item.AssignedPort != nil {
			if _, err := r.store.ReleasePort(*item.AssignedPort, r.jobID); err != nil {
				log.Printf("[Runner %s] Release port %s: %v", r.jobID, *item.AssignedPort, err)
			}
		}
	}
}

// recordLoopError tracks consecutive store failures. Past the threshold the
// job is marked failed and its ports are given back; returns true when the
// loop should exit.
func (r *Runner) recordLoopError() bool {
	r.errStreak++
	if r.errStreak < failureThreshold {
		return false
	}
	log.Printf("[Runner %s] Too many consecutive errors, failing job", r.jobID)
	r.callWG.Wait()
	if _, err := r.store.SetJobState(r.jobID,
		[]store.JobState{store.JobRunning}, store.JobFailed); err != nil {
		log.Printf("[Runner %s] Fail job: %v", r.jobID, err)
	}
	if err := r.store.ReleaseJobPorts(r.jobID); err != nil {
		log.Printf("[Runner %s] Release ports: %v", r.jobID, err)
	}
	return true
}

func (r *Runner) sleep() {
	select {
	case <-r.stopChan:
	case <-time.After(r.pollInterval):
	}
}
