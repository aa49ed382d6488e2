package dialer

import (
	"log"
	"sync"
	"time"

	"trunkdial/internal/store"
)

// Status is a point-in-time snapshot of one dial job
type Status struct {
	JobID           string         `json:"job_id"`
	CampaignID      string         `json:"campaign_id"`
	State           store.JobState `json:"state"`
	TotalCalls      int            `json:"total_calls"`
	CompletedCalls  int            `json:"completed_calls"`
	SuccessfulCalls int            `json:"successful_calls"`
	FailedCalls     int            `json:"failed_calls"`
	PendingCalls    int            `json:"pending_calls"`
	ActiveCalls     int            `json:"active_calls"`
	ReservedPorts   int            `json:"reserved_ports"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
}

// Publisher receives periodic job status snapshots
type Publisher interface {
	PublishJobStatus(Status)
}

// Broadcaster pushes a snapshot of every active job to the publisher on a
// fixed interval.
type Broadcaster struct {
	manager   *Manager
	publisher Publisher
	interval  time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBroadcaster(m *Manager, pub Publisher, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		manager:   m,
		publisher: pub,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.loop()
	log.Println("[Broadcaster] Started")
}

func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			statuses, err := b.manager.ActiveStatuses()
			if err != nil {
				log.Printf("[Broadcaster] Snapshot: %v", err)
				continue
			}
			for _, st := range statuses {
				b.publisher.PublishJobStatus(st)
			}
		}
	}
}
