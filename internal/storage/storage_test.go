package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tosinamuda/graspy-natlas/internal/storage/migrations"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu     sync.Mutex
	execs  []execCall
	copies map[string][][]any
	err    error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.err
}

func (f *fakeDB) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copies == nil {
		f.copies = make(map[string][][]any)
	}
	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		f.copies[table.Sanitize()] = append(f.copies[table.Sanitize()], values)
		n++
	}
	return n, f.err
}

func TestRunMigrations(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, RunMigrations(context.Background(), db))
	require.Len(t, db.execs, len(migrations.Files))
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS requests")
	assert.Contains(t, db.execs[1].sql, "CREATE TABLE IF NOT EXISTS topic_streams")
}

func TestRunMigrations_Error(t *testing.T) {
	db := &fakeDB{err: errors.New("permission denied")}
	err := RunMigrations(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_initial.up.sql")
}

func TestInsertStreamEventsJob(t *testing.T) {
	db := &fakeDB{}
	id := uuid.New()
	ts := time.Now()
	job := InsertStreamEventsJob(id, ts, []StreamEvent{
		{Index: 1, Kind: "draft", Data: []byte(`{"id":"t1"}`), RawBytes: 19},
		{Index: 2, Kind: "complete", Data: []byte(`{"is_complete":true}`), RawBytes: 28},
	})
	require.NoError(t, job.Execute(context.Background(), db))

	rows := db.copies[`"stream_events"`]
	require.Len(t, rows, 2)
	assert.Equal(t, []any{ts, id, 1, "draft", `{"id":"t1"}`, 19}, rows[0])
	assert.Equal(t, "complete", rows[1][3])
}

func TestUpsertTopicStreamJob(t *testing.T) {
	db := &fakeDB{}
	id := uuid.New()
	job := UpsertTopicStreamJob(TopicStream{RequestID: id, TopicID: "t1", Complete: true, Messages: 2})
	require.NoError(t, job.Execute(context.Background(), db))

	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "ON CONFLICT (request_id)")
	args := db.execs[0].args
	assert.Equal(t, id, args[0])
	assert.Equal(t, "t1", *args[2].(*string))
	assert.Nil(t, args[3].(*string))
	assert.Equal(t, true, args[4])
}

func TestBatchWriter_FlushesOnShutdown(t *testing.T) {
	db := &fakeDB{}
	w := NewBatchWriter(db, 10, 100, time.Hour)

	for i := 0; i < 3; i++ {
		w.Enqueue(InsertRequestJob(&RequestRecord{ID: uuid.New(), Method: "GET", Path: "/api/subjects"}))
	}
	w.Shutdown()

	assert.Len(t, db.execs, 3)
	assert.Zero(t, w.Dropped())

	w.Enqueue(InsertRequestJob(&RequestRecord{ID: uuid.New()}))
	assert.Equal(t, 1, w.Dropped())
	w.Shutdown()
}

func TestBatchWriter_FlushesOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewBatchWriter(db, 10, 2, time.Hour)
	defer w.Shutdown()

	w.Enqueue(InsertRequestJob(&RequestRecord{ID: uuid.New()}))
	w.Enqueue(InsertRequestJob(&RequestRecord{ID: uuid.New()}))

	assert.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.execs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBatchWriter_DropsWhenFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var ran sync.WaitGroup
	ran.Add(2)

	blocking := WriteJobFunc(func(ctx context.Context, db DB) error {
		close(started)
		<-release
		ran.Done()
		return nil
	})
	quick := WriteJobFunc(func(ctx context.Context, db DB) error {
		ran.Done()
		return errors.New("constraint violation")
	})

	w := NewBatchWriter(&fakeDB{}, 1, 1, time.Hour)
	w.Enqueue(blocking)
	<-started

	w.Enqueue(quick)
	w.Enqueue(quick)
	assert.Equal(t, 1, w.Dropped())

	close(release)
	ran.Wait()
	w.Shutdown()
	assert.Equal(t, 1, w.Failed())
}
