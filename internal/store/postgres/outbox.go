package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
)

const outboxColumns = `id, seq, aggregate_id, event_type, topic, partition_key, payload, created_at,
	published, published_at, attempts, next_attempt_at, last_error, flagged`

// outboxTables serves the relay, the processed-events sweeper and settlectl.
// Both service stores embed it.
type outboxTables struct {
	pool *pgxpool.Pool
}

func appendOutbox(ctx context.Context, q querier, evt domain.OutboxEvent) error {
	_, err := q.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, topic, partition_key, payload, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, evt.AggregateID, evt.EventType, evt.Topic, evt.PartitionKey, evt.Payload, evt.CreatedAt, evt.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("append outbox event %s: %w", evt.ID, err)
	}
	return nil
}

func markProcessed(ctx context.Context, q querier, consumer string, eventID uuid.UUID, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO processed_events (consumer, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, event_id) DO NOTHING`,
		consumer, eventID, at)
	if err != nil {
		return false, fmt.Errorf("mark %s processed: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (o *outboxTables) Pending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := o.pool.Query(ctx, `SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE NOT published AND NOT flagged
		ORDER BY seq
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

func (o *outboxTables) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE outbox_events SET published = TRUE, published_at = $2 WHERE id = $1 AND NOT published`,
		id, at)
	return err
}

func (o *outboxTables) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextAt time.Time, flagged bool, reason string) error {
	_, err := o.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = $2, next_attempt_at = $3, flagged = $4, last_error = $5
		WHERE id = $1`,
		id, attempts, nextAt, flagged, reason)
	return err
}

func (o *outboxTables) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := o.pool.Exec(ctx, `DELETE FROM outbox_events WHERE published AND published_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (o *outboxTables) Flagged(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := o.pool.Query(ctx, `SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE flagged AND NOT published
		ORDER BY seq
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

func (o *outboxTables) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := o.pool.Exec(ctx, `
		UPDATE outbox_events
		SET flagged = FALSE, attempts = 0, next_attempt_at = $2, last_error = ''
		WHERE id = $1 AND NOT published`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

func (o *outboxTables) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := o.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectOutbox(rows pgx.Rows) ([]domain.OutboxEvent, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxEvent, error) {
		var e domain.OutboxEvent
		err := row.Scan(&e.ID, &e.Seq, &e.AggregateID, &e.EventType, &e.Topic, &e.PartitionKey, &e.Payload,
			&e.CreatedAt, &e.Published, &e.PublishedAt, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.Flagged)
		return e, err
	})
}
