package ingest

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"eventd/metrics"
	"eventd/util/goroutine"

	"go.uber.org/zap"
)

// DefaultDLQBufferSize is the number of dropped datagrams waiting to be persisted
const DefaultDLQBufferSize = 1024

// DLQ status values
const (
	DLQStatusPending   = "pending"
	DLQStatusReplayed  = "replayed"
	DLQStatusDiscarded = "discarded"
)

// ErrDLQEventNotFound is returned by Get for an unknown id
var ErrDLQEventNotFound = errors.New("DLQ event not found")

// ErrDLQStatusConflict is returned by UpdateStatusFrom when the event is not in the expected status
var ErrDLQStatusConflict = errors.New("DLQ event status changed")

// DroppedDatagram is a datagram an endpoint could not forward
type DroppedDatagram struct {
	Endpoint   string
	Reason     string // metrics.ReasonQueueFull, ReasonRateLimited or ReasonOversized
	Payload    []byte // truncated to the frame size for oversized datagrams
	Size       int    // original datagram size
	ReceivedAt time.Time
}

// DLQEvent represents a persisted dead-letter record
type DLQEvent struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`
	Reason     string    `json:"reason"`
	Payload    []byte    `json:"payload"`
	Size       int       `json:"size"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
}

// DLQ persists dropped datagrams to the dead_letter_queue table.
// Submit is non-blocking and safe to call from the event loop; a single
// writer goroutine performs the inserts.
type DLQ struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	ch      chan *DroppedDatagram
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	stopped bool
}

// NewDLQ creates a DLQ; call Start before submitting
func NewDLQ(db *sql.DB, bufferSize int, logger *zap.SugaredLogger) *DLQ {
	if bufferSize <= 0 {
		bufferSize = DefaultDLQBufferSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DLQ{
		db:     db,
		logger: logger,
		ch:     make(chan *DroppedDatagram, bufferSize),
	}
}

// Start launches the writer goroutine
func (d *DLQ) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	if d.stopped {
		// Stop closed the previous channel
		d.ch = make(chan *DroppedDatagram, cap(d.ch))
		d.stopped = false
	}
	d.running = true
	d.wg.Add(1)
	go d.writer(d.ch)
}

// Stop stops accepting submissions and waits until the backlog is written
func (d *DLQ) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.stopped = true
	close(d.ch)
	d.mu.Unlock()

	d.wg.Wait()
}

// Submit queues a dropped datagram for persistence without blocking.
// It returns false when the DLQ is stopped or its buffer is full.
func (d *DLQ) Submit(dd *DroppedDatagram) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return false
	}
	select {
	case d.ch <- dd:
		return true
	default:
		return false
	}
}

func (d *DLQ) writer(ch <-chan *DroppedDatagram) {
	defer d.wg.Done()
	defer goroutine.Recover("dlq-writer", d.logger)

	for dd := range ch {
		if err := d.Add(dd); err != nil {
			metrics.DLQWriteFailures.Inc()
		}
	}
}

// Add writes a dropped datagram synchronously
func (d *DLQ) Add(dd *DroppedDatagram) error {
	query := `
		INSERT INTO dead_letter_queue
		(endpoint, reason, payload, size, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	receivedAt := dd.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := d.db.Exec(query,
		dd.Endpoint,
		dd.Reason,
		dd.Payload,
		dd.Size,
		DLQStatusPending,
		receivedAt.UTC(),
	)
	if err != nil {
		d.logger.Errorw("Failed to write datagram to DLQ", "error", err, "endpoint", dd.Endpoint, "reason", dd.Reason)
		return fmt.Errorf("failed to write datagram to DLQ: %w", err)
	}

	metrics.DLQEvents.WithLabelValues(dd.Reason).Inc()
	return nil
}

// Get retrieves a DLQ event by ID
func (d *DLQ) Get(id int64) (*DLQEvent, error) {
	query := `
		SELECT id, timestamp, endpoint, reason, payload, size, status, received_at
		FROM dead_letter_queue
		WHERE id = ?
	`

	var event DLQEvent
	err := d.db.QueryRow(query, id).Scan(
		&event.ID,
		&event.Timestamp,
		&event.Endpoint,
		&event.Reason,
		&event.Payload,
		&event.Size,
		&event.Status,
		&event.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrDLQEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ event: %w", err)
	}
	return &event, nil
}

// DLQFilter narrows List and Count; empty fields match everything
type DLQFilter struct {
	Endpoint string
	Reason   string
	Status   string
}

func (f DLQFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.Endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.Reason != "" {
		clauses = append(clauses, "reason = ?")
		args = append(args, f.Reason)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Count returns the number of records matching filter
func (d *DLQ) Count(filter DLQFilter) (int, error) {
	where, args := filter.where()
	var total int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM dead_letter_queue "+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count DLQ events: %w", err)
	}
	return total, nil
}

// List returns up to limit records matching filter, newest first
func (d *DLQ) List(filter DLQFilter, page, limit int) ([]*DLQEvent, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	where, args := filter.where()

	query := fmt.Sprintf(`
		SELECT id, timestamp, endpoint, reason, payload, size, status, received_at
		FROM dead_letter_queue
		%s
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, limit, (page-1)*limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query DLQ events: %w", err)
	}
	defer rows.Close()

	events := []*DLQEvent{}
	for rows.Next() {
		var event DLQEvent
		if err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.Endpoint,
			&event.Reason,
			&event.Payload,
			&event.Size,
			&event.Status,
			&event.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan DLQ event: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating DLQ events: %w", err)
	}
	return events, nil
}

// UpdateStatus updates the status of a DLQ event
func (d *DLQ) UpdateStatus(id int64, status string) error {
	switch status {
	case DLQStatusPending, DLQStatusReplayed, DLQStatusDiscarded:
	default:
		return fmt.Errorf("invalid DLQ status %q", status)
	}
	res, err := d.db.Exec(`UPDATE dead_letter_queue SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update DLQ event status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id=%d", ErrDLQEventNotFound, id)
	}
	return nil
}

// Prune deletes records written before the cutoff
func (d *DLQ) Prune(before time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM dead_letter_queue WHERE timestamp < ?`, before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune DLQ events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned DLQ events: %w", err)
	}
	return n, nil
}

// UpdateStatusFrom moves an event from one status to another in a single
// statement, so concurrent callers cannot both claim the same event
func (d *DLQ) UpdateStatusFrom(id int64, from, to string) error {
	for _, status := range []string{from, to} {
		switch status {
		case DLQStatusPending, DLQStatusReplayed, DLQStatusDiscarded:
		default:
			return fmt.Errorf("invalid DLQ status %q", status)
		}
	}
	res, err := d.db.Exec(`UPDATE dead_letter_queue SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update DLQ event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update DLQ event status: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := d.Get(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: id=%d is not %s", ErrDLQStatusConflict, id, from)
}
