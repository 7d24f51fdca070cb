package ingest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eventd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupDLQTestDB opens an in-memory database with the production schema
func setupDLQTestDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := storage.NewSQLite(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.DB
}

func dropped(reason, payload string) *DroppedDatagram {
	return &DroppedDatagram{
		Endpoint:   "/var/ossec/queue/sockets/queue",
		Reason:     reason,
		Payload:    []byte(payload),
		Size:       len(payload),
		ReceivedAt: time.Now(),
	}
}

func TestDLQ_AddAndGet(t *testing.T) {
	db := setupDLQTestDB(t)
	dlq := NewDLQ(db, 0, zap.NewNop().Sugar())

	require.NoError(t, dlq.Add(dropped("queue_full", "1:agent:payload")))

	events, err := dlq.List(DLQFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got, err := dlq.Get(events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "queue_full", got.Reason)
	assert.Equal(t, []byte("1:agent:payload"), got.Payload)
	assert.Equal(t, len("1:agent:payload"), got.Size)
	assert.Equal(t, DLQStatusPending, got.Status)
	assert.Equal(t, "/var/ossec/queue/sockets/queue", got.Endpoint)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestDLQ_GetNotFound(t *testing.T) {
	dlq := NewDLQ(setupDLQTestDB(t), 0, nil)

	_, err := dlq.Get(42)
	assert.ErrorIs(t, err, ErrDLQEventNotFound)
}

func TestDLQ_ListFilterAndPaging(t *testing.T) {
	dlq := NewDLQ(setupDLQTestDB(t), 0, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, dlq.Add(dropped("queue_full", fmt.Sprintf("full-%d", i))))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, dlq.Add(dropped("oversized", fmt.Sprintf("big-%d", i))))
	}

	total, err := dlq.Count(DLQFilter{})
	require.NoError(t, err)
	assert.Equal(t, 8, total)

	full, err := dlq.Count(DLQFilter{Reason: "queue_full"})
	require.NoError(t, err)
	assert.Equal(t, 5, full)

	page1, err := dlq.List(DLQFilter{Reason: "queue_full"}, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	// newest first
	assert.Equal(t, []byte("full-4"), page1[0].Payload)
	assert.Equal(t, []byte("full-3"), page1[1].Payload)

	page3, err := dlq.List(DLQFilter{Reason: "queue_full"}, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, []byte("full-0"), page3[0].Payload)

	none, err := dlq.List(DLQFilter{Endpoint: "/nowhere"}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDLQ_UpdateStatus(t *testing.T) {
	dlq := NewDLQ(setupDLQTestDB(t), 0, nil)
	require.NoError(t, dlq.Add(dropped("rate_limited", "x")))

	events, err := dlq.List(DLQFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	id := events[0].ID

	require.NoError(t, dlq.UpdateStatus(id, DLQStatusDiscarded))
	got, err := dlq.Get(id)
	require.NoError(t, err)
	assert.Equal(t, DLQStatusDiscarded, got.Status)

	assert.Error(t, dlq.UpdateStatus(id, "bogus"))
	assert.ErrorIs(t, dlq.UpdateStatus(id+100, DLQStatusReplayed), ErrDLQEventNotFound)

	pending, err := dlq.Count(DLQFilter{Status: DLQStatusPending})
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDLQ_SubmitRequiresStart(t *testing.T) {
	dlq := NewDLQ(setupDLQTestDB(t), 1, nil)

	assert.False(t, dlq.Submit(dropped("queue_full", "early")))

	dlq.Start()
	dlq.Start()
	assert.True(t, dlq.Submit(dropped("queue_full", "on time")))
	dlq.Stop()
	dlq.Stop()

	assert.False(t, dlq.Submit(dropped("queue_full", "late")))

	total, err := dlq.Count(DLQFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDLQ_RestartAfterStop(t *testing.T) {
	dlq := NewDLQ(setupDLQTestDB(t), 4, nil)

	dlq.Start()
	dlq.Stop()

	dlq.Start()
	assert.True(t, dlq.Submit(dropped("queue_full", "after restart")))
	dlq.Stop()

	total, err := dlq.Count(DLQFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDLQ_UpdateStatusFrom(t *testing.T) {
	dlq := NewDLQ(setupDLQTestDB(t), 0, nil)
	require.NoError(t, dlq.Add(dropped("queue_full", "claim")))

	events, err := dlq.List(DLQFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	id := events[0].ID

	require.NoError(t, dlq.UpdateStatusFrom(id, DLQStatusPending, DLQStatusReplayed))

	// second claim loses
	err = dlq.UpdateStatusFrom(id, DLQStatusPending, DLQStatusReplayed)
	assert.ErrorIs(t, err, ErrDLQStatusConflict)

	require.NoError(t, dlq.UpdateStatusFrom(id, DLQStatusReplayed, DLQStatusPending))
	got, err := dlq.Get(id)
	require.NoError(t, err)
	assert.Equal(t, DLQStatusPending, got.Status)

	assert.ErrorIs(t, dlq.UpdateStatusFrom(id+100, DLQStatusPending, DLQStatusReplayed), ErrDLQEventNotFound)
	assert.Error(t, dlq.UpdateStatusFrom(id, DLQStatusPending, "bogus"))
}

func TestDLQ_StopFlushesBacklog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dlq.db")
	s, err := storage.NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()

	dlq := NewDLQ(s.DB, 1000, zap.NewNop().Sugar())
	dlq.Start()

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	var accepted sync.Map
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := fmt.Sprintf("p%d-%d", p, i)
				if dlq.Submit(dropped("queue_full", payload)) {
					accepted.Store(payload, true)
				}
			}
		}(p)
	}
	wg.Wait()
	dlq.Stop()

	want := 0
	accepted.Range(func(_, _ any) bool {
		want++
		return true
	})

	total, err := dlq.Count(DLQFilter{})
	require.NoError(t, err)
	assert.Equal(t, want, total)
	assert.Equal(t, producers*perProducer, want, "buffer was large enough for every submission")
}

func TestDLQ_Prune(t *testing.T) {
	db := setupDLQTestDB(t)
	dlq := NewDLQ(db, 0, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		require.NoError(t, dlq.Add(dropped("queue_full", fmt.Sprintf("p-%d", i))))
	}

	removed, err := dlq.Prune(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = dlq.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	total, err := dlq.Count(DLQFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}
