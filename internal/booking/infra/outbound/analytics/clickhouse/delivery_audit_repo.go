package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_delivery_log (
	entry_id     UUID,
	event_id     UUID,
	aggregate_id String,
	event_type   LowCardinality(String),
	target       LowCardinality(String),
	worker_id    String,
	attempt      UInt16,
	outcome      LowCardinality(String),
	error        String,
	duration_ms  UInt32,
	attempted_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (target, attempted_at)
`

// DeliveryAuditRepo guarda cada intento del relay en ClickHouse.
type DeliveryAuditRepo struct {
	db *sql.DB
}

var _ sharedDomain.DeliveryAuditRepository = (*DeliveryAuditRepo)(nil)

// Open conecta con ClickHouse y comprueba la conexión.
func Open(addr string, dbName string) (*sql.DB, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}
	return conn, nil
}

func NewDeliveryAuditRepo(db *sql.DB) *DeliveryAuditRepo {
	return &DeliveryAuditRepo{db: db}
}

// InitSchema crea la tabla de auditoría si no existe.
func (r *DeliveryAuditRepo) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init clickhouse schema: %w", err)
	}
	return nil
}

// LogBatch inserta un lote de intentos. ClickHouse funciona mejor con lotes.
func (r *DeliveryAuditRepo) LogBatch(ctx context.Context, attempts []sharedDomain.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO outbox_delivery_log (entry_id, event_id, aggregate_id, event_type, target, worker_id, attempt, outcome, error, duration_ms, attempted_at)")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, a := range attempts {
		if _, err := stmt.ExecContext(
			ctx,
			a.EntryID,
			a.EventID,
			a.AggregateID,
			a.EventType,
			a.Target,
			a.WorkerID,
			uint16(a.Attempt),
			string(a.Outcome),
			a.Error,
			uint32(a.Duration/time.Millisecond),
			a.AttemptedAt.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to exec statement for entry %s: %w", a.EntryID, err)
		}
	}
	return tx.Commit()
}

// StatsByTarget agrega los intentos de un intervalo por destino.
func (r *DeliveryAuditRepo) StatsByTarget(ctx context.Context, start, end time.Time) ([]sharedDomain.DeliveryTargetStats, error) {
	query := `
		SELECT
			target,
			count() AS attempts,
			countIf(outcome = 'completed') AS completed,
			countIf(outcome = 'pending') AS retried,
			countIf(outcome = 'failed') AS failed
		FROM outbox_delivery_log
		WHERE attempted_at BETWEEN ? AND ?
		GROUP BY target
		ORDER BY target
	`
	rows, err := r.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []sharedDomain.DeliveryTargetStats
	for rows.Next() {
		var s sharedDomain.DeliveryTargetStats
		if err := rows.Scan(&s.Target, &s.Attempts, &s.Completed, &s.Retried, &s.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
