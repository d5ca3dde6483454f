// Package eventstore journals domain events per aggregate with optimistic
// versioning: an append names the version it expects the stream to be at.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

const tableEvents = "events"

var (
	codec   = jsoniter.ConfigCompatibleWithStandardLibrary
	dialect = goqu.Dialect("postgres")
)

// Event is one entry in an aggregate's stream.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEvent encodes payload as the event data.
func NewEvent(aggregateID uuid.UUID, aggregateType, eventType string, payload any) (Event, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
	}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.EventData, v)
}

// eventRow is the scan target for the events table.
type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Metadata      []byte    `db:"metadata"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r eventRow) event() (Event, error) {
	ev := Event{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		EventData:     r.EventData,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := codec.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return Event{}, fmt.Errorf("decode metadata of event %d: %w", r.ID, err)
		}
	}
	return ev, nil
}

// EventStore is the Postgres journal. Appends are serialized per aggregate by
// the version check and the (aggregate_id, version) unique key.
type EventStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("lms/eventstore"),
	}
}

// AppendEvents appends in a serializable transaction of its own.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	tx, err := es.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := es.AppendEventsTx(ctx, tx, aggregateID, aggregateType, expectedVersion, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendEventsTx appends inside the caller's transaction, so the events
// commit or roll back with the caller's own writes.
func (es *EventStore) AppendEventsTx(ctx context.Context, tx *sqlx.Tx, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	current, err := currentVersion(ctx, tx, aggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		span.SetAttributes(attribute.Int("actual.version", current))
		return ErrConcurrencyConflict
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]any, 0, len(events))
	for i, event := range events {
		var metadata any
		if len(event.Metadata) > 0 {
			b, err := codec.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			metadata = b
		}
		rows = append(rows, goqu.Record{
			"aggregate_id":   aggregateID.String(),
			"aggregate_type": aggregateType,
			"event_type":     event.EventType,
			"event_data":     []byte(event.EventData),
			"metadata":       metadata,
			"version":        expectedVersion + i + 1,
			"created_at":     now,
		})
	}

	query, args, err := dialect.Insert(tableEvents).Prepared(true).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("insert events: %w", err)
	}

	span.SetAttributes(attribute.Int("new.version", expectedVersion+len(events)))
	return nil
}

// LoadEvents returns the stream from fromVersion on; toVersion <= 0 means no
// upper bound.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	where := []exp.Expression{
		goqu.C("aggregate_id").Eq(aggregateID.String()),
		goqu.C("version").Gte(fromVersion),
	}
	if toVersion > 0 {
		where = append(where, goqu.C("version").Lte(toVersion))
	}
	query, args, err := dialect.From(tableEvents).Prepared(true).
		Select("id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at").
		Where(where...).
		Order(goqu.C("version").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []eventRow
	if err := es.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version of an aggregate, 0 if it has
// no events.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	version, err := currentVersion(ctx, es.db, aggregateID)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

func currentVersion(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	query, args, err := dialect.From(tableEvents).Prepared(true).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("aggregate_id").Eq(aggregateID.String())).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var version int
	if err := sqlx.GetContext(ctx, q, &version, query, args...); err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}
