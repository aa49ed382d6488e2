package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MySQLStore implements Store on MySQL. Every state transition is a single
// conditional UPDATE so that concurrent scheduler instances and callback
// deliveries coordinate through the database, never through process memory.
type MySQLStore struct {
	conn *Connection
}

// NewMySQLStore creates a store over an open connection
func NewMySQLStore(conn *Connection) *MySQLStore {
	return &MySQLStore{conn: conn}
}

// --- ports ---

const portColumns = `id, owner_id, trunk, port_number, sip_username, sip_secret, state, current_job_id, created_at`

func scanPort(row interface{ Scan(...any) error }) (*Port, error) {
	var p Port
	err := row.Scan(&p.ID, &p.OwnerID, &p.Trunk, &p.PortNumber,
		&p.SIPUsername, &p.SIPSecret, &p.State, &p.CurrentJobID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MySQLStore) RegisterPort(p *Port) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.State == "" {
		p.State = PortAvailable
	}
	query := `
		INSERT INTO trunkdial_ports (id, owner_id, trunk, port_number, sip_username, sip_secret, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.DB.Exec(query, p.ID, p.OwnerID, p.Trunk, p.PortNumber,
		p.SIPUsername, p.SIPSecret, p.State)
	if err != nil {
		return fmt.Errorf("registering port: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetPort(portID string) (*Port, error) {
	query := `SELECT ` + portColumns + ` FROM trunkdial_ports WHERE id = ?`
	p, err := scanPort(s.conn.DB.QueryRow(query, portID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying port: %w", err)
	}
	return p, nil
}

func (s *MySQLStore) listPorts(query string, args ...any) ([]Port, error) {
	rows, err := s.conn.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing ports: %w", err)
	}
	defer rows.Close()

	ports := make([]Port, 0)
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning port: %w", err)
		}
		ports = append(ports, *p)
	}
	return ports, rows.Err()
}

func (s *MySQLStore) ListAvailablePorts(ownerID string) ([]Port, error) {
	query := `SELECT ` + portColumns + ` FROM trunkdial_ports
		WHERE owner_id = ? AND state = 'available'
		ORDER BY trunk, port_number`
	return s.listPorts(query, ownerID)
}

func (s *MySQLStore) ListOwnerPorts(ownerID string) ([]Port, error) {
	query := `SELECT ` + portColumns + ` FROM trunkdial_ports
		WHERE owner_id = ?
		ORDER BY trunk, port_number`
	return s.listPorts(query, ownerID)
}

func (s *MySQLStore) ListJobPorts(jobID string) ([]Port, error) {
	query := `SELECT ` + portColumns + ` FROM trunkdial_ports
		WHERE current_job_id = ?
		ORDER BY trunk, port_number`
	return s.listPorts(query, jobID)
}

func (s *MySQLStore) ReservePorts(ownerID string, portIDs []string, jobID string) (int, error) {
	if len(portIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(portIDs)), ",")
	args := make([]any, 0, len(portIDs)+2)
	args = append(args, jobID, ownerID)
	for _, id := range portIDs {
		args = append(args, id)
	}

	// Ports grabbed by a racing job fail the state guard and are skipped.
	query := fmt.Sprintf(`
		UPDATE trunkdial_ports
		SET state = 'reserved', current_job_id = ?
		WHERE owner_id = ? AND state = 'available' AND id IN (%s)
	`, placeholders)

	result, err := s.conn.DB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("reserving ports: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *MySQLStore) MarkPortInCall(portID, jobID string) (bool, error) {
	query := `
		UPDATE trunkdial_ports
		SET state = 'in_call'
		WHERE id = ? AND current_job_id = ? AND state = 'reserved'
	`
	result, err := s.conn.DB.Exec(query, portID, jobID)
	if err != nil {
		return false, fmt.Errorf("marking port in_call: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *MySQLStore) ReleasePort(portID, jobID string) (bool, error) {
	query := `
		UPDATE trunkdial_ports
		SET state = 'reserved'
		WHERE id = ? AND current_job_id = ? AND state = 'in_call'
	`
	result, err := s.conn.DB.Exec(query, portID, jobID)
	if err != nil {
		return false, fmt.Errorf("releasing port: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *MySQLStore) ReleaseJobPorts(jobID string) error {
	query := `
		UPDATE trunkdial_ports
		SET state = 'available', current_job_id = NULL
		WHERE current_job_id = ?
	`
	if _, err := s.conn.DB.Exec(query, jobID); err != nil {
		return fmt.Errorf("releasing job ports: %w", err)
	}
	return nil
}

// --- queue ---

const itemColumns = `id, job_id, campaign_id, phone_number, state, assigned_port, call_handle, result, attempts, last_attempt_at, created_at`

func scanItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var it QueueItem
	err := row.Scan(&it.ID, &it.JobID, &it.CampaignID, &it.PhoneNumber, &it.State,
		&it.AssignedPort, &it.CallHandle, &it.Result, &it.Attempts,
		&it.LastAttemptAt, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *MySQLStore) EnqueueContacts(jobID, campaignID string, numbers []string) (int, error) {
	if len(numbers) == 0 {
		return 0, ErrEmptyContactList
	}

	tx, err := s.conn.DB.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO trunkdial_queue_items (id, job_id, campaign_id, phone_number, state)
		VALUES (?, ?, ?, ?, 'queued')
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, num := range numbers {
		if num == "" {
			continue
		}
		if _, err := stmt.Exec(uuid.NewString(), jobID, campaignID, num); err != nil {
			return 0, fmt.Errorf("enqueueing contact: %w", err)
		}
		inserted++
	}
	if inserted == 0 {
		return 0, ErrEmptyContactList
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *MySQLStore) GetItem(itemID string) (*QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM trunkdial_queue_items WHERE id = ?`
	it, err := scanItem(s.conn.DB.QueryRow(query, itemID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue item: %w", err)
	}
	return it, nil
}

func (s *MySQLStore) ListJobItems(jobID string) ([]QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM trunkdial_queue_items WHERE job_id = ? ORDER BY seq`
	rows, err := s.conn.DB.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing queue items: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// ClaimQueued stamps a unique claim token into up to limit queued rows and
// reads the stamped rows back. The UPDATE is the compare-and-swap: two
// concurrent claimers can never stamp the same row.
func (s *MySQLStore) ClaimQueued(jobID string, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()

	claim := `
		UPDATE trunkdial_queue_items
		SET state = 'assigned', claim_token = ?
		WHERE job_id = ? AND state = 'queued'
		ORDER BY seq
		LIMIT ?
	`
	result, err := s.conn.DB.Exec(claim, token, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming queue items: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}

	query := `SELECT ` + itemColumns + ` FROM trunkdial_queue_items WHERE claim_token = ? ORDER BY seq`
	rows, err := s.conn.DB.Query(query, token)
	if err != nil {
		return nil, fmt.Errorf("reading claimed items: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (s *MySQLStore) RequeueItem(itemID string) error {
	query := `
		UPDATE trunkdial_queue_items
		SET state = 'queued', assigned_port = NULL, claim_token = NULL
		WHERE id = ? AND state = 'assigned'
	`
	_, err := s.conn.DB.Exec(query, itemID)
	return err
}

func (s *MySQLStore) MarkItemInProgress(itemID, portID, callHandle string) error {
	query := `
		UPDATE trunkdial_queue_items
		SET state = 'in_progress', assigned_port = ?, call_handle = ?,
		    attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = ? AND state = 'assigned'
	`
	result, err := s.conn.DB.Exec(query, portID, callHandle, itemID)
	if err != nil {
		return fmt.Errorf("marking item in_progress: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLStore) MarkItemDone(itemID, callHandle string, final ItemState, result string) (bool, error) {
	query := `
		UPDATE trunkdial_queue_items
		SET state = ?, result = ?, assigned_port = NULL
		WHERE id = ? AND call_handle = ? AND state IN ('assigned', 'in_progress')
	`
	res, err := s.conn.DB.Exec(query, string(final), result, itemID, callHandle)
	if err != nil {
		return false, fmt.Errorf("marking item done: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *MySQLStore) CountPendingItems(jobID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM trunkdial_queue_items
		WHERE job_id = ? AND state IN ('queued', 'assigned', 'in_progress')
	`
	var n int
	if err := s.conn.DB.QueryRow(query, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending items: %w", err)
	}
	return n, nil
}

// --- jobs ---

const jobColumns = `id, campaign_id, owner_id, state, total_calls, completed_calls, successful_calls, failed_calls, max_concurrent_calls, started_at, ended_at`

func scanJob(row interface{ Scan(...any) error }) (*DialJob, error) {
	var j DialJob
	err := row.Scan(&j.ID, &j.CampaignID, &j.OwnerID, &j.State, &j.TotalCalls,
		&j.CompletedCalls, &j.SuccessfulCalls, &j.FailedCalls,
		&j.MaxConcurrentCalls, &j.StartedAt, &j.EndedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts the row only if the campaign has no active job. The
// guard runs inside the INSERT itself so two racing starts cannot both
// succeed.
func (s *MySQLStore) CreateJob(job *DialJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = JobStarting
	}
	query := `
		INSERT INTO trunkdial_jobs (id, campaign_id, owner_id, state, total_calls, max_concurrent_calls)
		SELECT ?, ?, ?, ?, ?, ?
		FROM DUAL
		WHERE NOT EXISTS (
			SELECT 1 FROM trunkdial_jobs
			WHERE campaign_id = ? AND state IN ('starting', 'running')
		)
	`
	result, err := s.conn.DB.Exec(query, job.ID, job.CampaignID, job.OwnerID,
		string(job.State), job.TotalCalls, job.MaxConcurrentCalls, job.CampaignID)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrJobAlreadyActive
	}
	job.StartedAt = time.Now()
	return nil
}

func (s *MySQLStore) GetJob(jobID string) (*DialJob, error) {
	query := `SELECT ` + jobColumns + ` FROM trunkdial_jobs WHERE id = ?`
	j, err := scanJob(s.conn.DB.QueryRow(query, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return j, nil
}

func (s *MySQLStore) ListActiveJobs() ([]DialJob, error) {
	query := `SELECT ` + jobColumns + ` FROM trunkdial_jobs WHERE state IN ('starting', 'running')`
	rows, err := s.conn.DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]DialJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *MySQLStore) SetJobState(jobID string, from []JobState, to JobState) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+2)
	args = append(args, string(to), jobID)
	for _, f := range from {
		args = append(args, string(f))
	}

	ended := ""
	if to.Terminal() {
		ended = ", ended_at = NOW()"
	}
	query := fmt.Sprintf(`
		UPDATE trunkdial_jobs
		SET state = ?%s
		WHERE id = ? AND state IN (%s)
	`, ended, placeholders)

	result, err := s.conn.DB.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("updating job state: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *MySQLStore) SetJobConcurrency(jobID string, ports int) error {
	query := `UPDATE trunkdial_jobs SET max_concurrent_calls = ? WHERE id = ?`
	_, err := s.conn.DB.Exec(query, ports, jobID)
	return err
}

func (s *MySQLStore) RecordCallResult(jobID string, success bool) error {
	column := "failed_calls"
	if success {
		column = "successful_calls"
	}
	query := fmt.Sprintf(`
		UPDATE trunkdial_jobs
		SET completed_calls = completed_calls + 1, %s = %s + 1
		WHERE id = ?
	`, column, column)
	_, err := s.conn.DB.Exec(query, jobID)
	return err
}

// --- campaigns ---

func (s *MySQLStore) CreateCampaign(c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `INSERT INTO trunkdial_campaigns (id, owner_id, name, caller_id) VALUES (?, ?, ?, ?)`
	if _, err := s.conn.DB.Exec(query, c.ID, c.OwnerID, c.Name, c.CallerID); err != nil {
		return fmt.Errorf("creating campaign: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetCampaign(id string) (*Campaign, error) {
	query := `SELECT id, owner_id, name, caller_id, created_at FROM trunkdial_campaigns WHERE id = ?`
	var c Campaign
	err := s.conn.DB.QueryRow(query, id).Scan(&c.ID, &c.OwnerID, &c.Name, &c.CallerID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying campaign: %w", err)
	}
	return &c, nil
}

func (s *MySQLStore) AddContacts(campaignID string, numbers []string) (int, error) {
	if _, err := s.GetCampaign(campaignID); err != nil {
		return 0, err
	}

	tx, err := s.conn.DB.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO trunkdial_contacts (campaign_id, phone_number) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, num := range numbers {
		if num == "" {
			continue
		}
		if _, err := stmt.Exec(campaignID, num); err != nil {
			continue // skip bad rows, keep loading the rest
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func (s *MySQLStore) ListContactNumbers(campaignID string) ([]string, error) {
	query := `SELECT phone_number FROM trunkdial_contacts WHERE campaign_id = ? ORDER BY id`
	rows, err := s.conn.DB.Query(query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	numbers := make([]string, 0)
	for rows.Next() {
		var num string
		if err := rows.Scan(&num); err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		numbers = append(numbers, num)
	}
	return numbers, rows.Err()
}

// --- users ---

func (s *MySQLStore) CreateUser(u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	query := `INSERT INTO trunkdial_users (id, username, password_hash, role, active) VALUES (?, ?, ?, ?, ?)`
	_, err := s.conn.DB.Exec(query, u.ID, u.Username, u.PasswordHash, u.Role, u.Active)
	return err
}

func (s *MySQLStore) GetUserByUsername(username string) (*User, error) {
	query := `SELECT id, username, password_hash, role, active FROM trunkdial_users WHERE username = ?`
	var u User
	err := s.conn.DB.QueryRow(query, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
