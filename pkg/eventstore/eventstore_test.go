package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"), getEnv("PGPORT", "5432"), getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"), getEnv("PGDATABASE", "testdb"))

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id UUID NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (aggregate_id, version)
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

var sqlmockNow = time.Now().UTC()

type testPayload struct {
	Message string `json:"message"`
}

func newMock(t *testing.T) (*EventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEventStore(sqlx.NewDb(db, "postgres")), mock
}

const versionQuery = `SELECT COALESCE\(MAX\("version"\), \$1\) FROM "events" WHERE \("aggregate_id" = \$2\)`

func TestNewEvent_RoundTripsPayload(t *testing.T) {
	id := uuid.New()
	ev, err := NewEvent(id, "loan", "LoanBorrowed", testPayload{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, id, ev.AggregateID)
	assert.Equal(t, "loan", ev.AggregateType)
	assert.JSONEq(t, `{"message":"hi"}`, string(ev.EventData))

	var got testPayload
	require.NoError(t, ev.Decode(&got))
	assert.Equal(t, "hi", got.Message)
}

func TestAppendEvents_InsertsAllRowsInOneStatement(t *testing.T) {
	store, mock := newMock(t)
	id := uuid.New()
	first, _ := NewEvent(id, "loan", "LoanRenewed", testPayload{Message: "x"})
	second, _ := NewEvent(id, "loan", "LoanReturned", testPayload{Message: "y"})

	mock.ExpectBegin()
	mock.ExpectQuery(versionQuery).
		WithArgs(0, id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO "events" \("aggregate_id", "aggregate_type", "created_at", "event_data", "event_type", "metadata", "version"\) VALUES \(.+\), \(.+\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.AppendEvents(context.Background(), id, "loan", 1, []Event{first, second})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvents_VersionMismatchIsConflict(t *testing.T) {
	store, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(versionQuery).
		WithArgs(0, id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectRollback()

	err := store.AppendEvents(context.Background(), id, "loan", 1, []Event{{EventType: "LoanReturned"}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvents_UniqueViolationIsConflict(t *testing.T) {
	store, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO "events"`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.AppendEvents(context.Background(), id, "loan", 0, []Event{{EventType: "LoanBorrowed", EventData: []byte(`{}`)}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestAppendEvents_NegativeVersionRejected(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.AppendEvents(context.Background(), uuid.New(), "loan", -1, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestAppendEvents_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	store, mock := newMock(t)
	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO "events"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.AppendEvents(context.Background(), id, "loan", 0, []Event{{EventType: "LoanBorrowed", EventData: []byte(`{}`)}}))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "eventstore.append", spans[0].Name())
}

func TestLoadEvents_ScansRows(t *testing.T) {
	store, mock := newMock(t)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}).
		AddRow(int64(1), id.String(), "loan", "LoanBorrowed", []byte(`{"message":"a"}`), []byte(`{"source":"test"}`), 1, sqlmockNow).
		AddRow(int64(2), id.String(), "loan", "LoanRenewed", []byte(`{"message":"b"}`), nil, 2, sqlmockNow)
	mock.ExpectQuery(`SELECT "id", "aggregate_id".* FROM "events" WHERE .*"version" <= \$3.* ORDER BY "version" ASC`).
		WithArgs(id.String(), 1, 2).
		WillReturnRows(rows)

	events, err := store.LoadEvents(context.Background(), id, 1, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LoanRenewed", events[1].EventType)
	assert.Equal(t, "test", events[0].Metadata["source"])
	assert.Nil(t, events[1].Metadata)
}

func TestLoadEvents_QueryError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT "id"`).WillReturnError(errors.New("db down"))

	_, err := store.LoadEvents(context.Background(), uuid.New(), 0, 0)
	assert.ErrorContains(t, err, "db down")
}

func TestGetCurrentVersion(t *testing.T) {
	store, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery(versionQuery).
		WithArgs(0, id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))

	v, err := store.GetCurrentVersion(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestEventStore_AgainstPostgres(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewEventStore(sqlx.NewDb(db, "postgres"))
	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 3; i++ {
		ev, _ := NewEvent(id, "loan", "TestEvent", testPayload{Message: fmt.Sprintf("event %d", i)})
		require.NoError(t, store.AppendEvents(ctx, id, "loan", i, []Event{ev}))
	}

	version, err := store.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	err = store.AppendEvents(ctx, id, "loan", 1, []Event{{EventType: "Stale", EventData: []byte(`{}`)}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewEventStore(sqlx.NewDb(db, "postgres"))

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		aggregateID := uuid.New()
		ev, _ := NewEvent(aggregateID, "loan", "TestEvent", testPayload{Message: fmt.Sprintf("event %d", i)})
		b.StartTimer()

		if err := store.AppendEvents(context.Background(), aggregateID, "loan", 0, []Event{ev}); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
