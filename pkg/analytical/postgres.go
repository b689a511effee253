package analytical

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store. Tables use monthly range partitioning
// on their date column, and every upsert is a single INSERT ... ON CONFLICT
// DO UPDATE keyed by primary key, with updatedAt as the tiebreaker so
// delivery order never corrupts the merged row.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the three tables (plus their
// current and next month's partitions) if they do not already exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			error TEXT,
			total_steps INT NOT NULL DEFAULT 0,
			total_input_count INT NOT NULL DEFAULT 0,
			total_output_count INT NOT NULL DEFAULT 0,
			overall_elimination_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, started_at)
		) PARTITION BY RANGE (started_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			input_count INT NOT NULL DEFAULT 0,
			output_count INT NOT NULL DEFAULT 0,
			elimination_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			kept_count INT NOT NULL DEFAULT 0,
			eliminated_count INT NOT NULL DEFAULT 0,
			scored_count INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (step_id, run_id, started_at)
		) PARTITION BY RANGE (started_at)`,
		`CREATE TABLE IF NOT EXISTS decision_events (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			event_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			item_id TEXT NOT NULL,
			score DOUBLE PRECISION,
			blob_key TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, step_id, timestamp, event_id)
		) PARTITION BY RANGE (timestamp)`,
	}
	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	now := time.Now().UTC()
	for _, spec := range []struct{ table, col string }{
		{"runs", "started_at"}, {"steps", "started_at"}, {"decision_events", "timestamp"},
	} {
		if err := ensureMonthPartition(ctx, p.pool, spec.table, spec.col, now); err != nil {
			return err
		}
		if err := ensureMonthPartition(ctx, p.pool, spec.table, spec.col, now.AddDate(0, 1, 0)); err != nil {
			return err
		}
	}
	return nil
}

// ensureMonthPartition creates the partition covering at's calendar month if
// it does not already exist. Partition names embed the month so repeated
// calls are naturally idempotent via IF NOT EXISTS.
func ensureMonthPartition(ctx context.Context, pool *pgxpool.Pool, table, col string, at time.Time) error {
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	partition := fmt.Sprintf("%s_%04d_%02d", table, start.Year(), start.Month())
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		partition, table, start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create partition %s: %w", partition, err)
	}
	return nil
}

func (p *Postgres) UpsertRun(ctx context.Context, row RunRow) error {
	if err := ensureMonthPartition(ctx, p.pool, "runs", "started_at", row.StartedAt); err != nil {
		return err
	}
	metadata, err := json.Marshal(row.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO runs (run_id, pipeline_id, status, started_at, completed_at, error,
			total_steps, total_input_count, total_output_count, overall_elimination_ratio, metadata, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (run_id, started_at) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			total_steps = EXCLUDED.total_steps,
			total_input_count = EXCLUDED.total_input_count,
			total_output_count = EXCLUDED.total_output_count,
			overall_elimination_ratio = EXCLUDED.overall_elimination_ratio,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		WHERE runs.updated_at <= EXCLUDED.updated_at`,
		row.RunID, row.PipelineID, row.Status, row.StartedAt, row.CompletedAt, row.Error,
		row.TotalSteps, row.TotalInputCount, row.TotalOutputCount, row.OverallEliminationRatio, metadata, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", row.RunID, err)
	}
	return nil
}

func (p *Postgres) UpsertStep(ctx context.Context, row StepRow) error {
	if err := ensureMonthPartition(ctx, p.pool, "steps", "started_at", row.StartedAt); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO steps (step_id, run_id, pipeline_id, type, name, input_count, output_count,
			elimination_ratio, kept_count, eliminated_count, scored_count, started_at, completed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (step_id, run_id, started_at) DO UPDATE SET
			input_count = EXCLUDED.input_count,
			output_count = EXCLUDED.output_count,
			elimination_ratio = EXCLUDED.elimination_ratio,
			kept_count = EXCLUDED.kept_count,
			eliminated_count = EXCLUDED.eliminated_count,
			scored_count = EXCLUDED.scored_count,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		WHERE steps.updated_at <= EXCLUDED.updated_at`,
		row.StepID, row.RunID, row.PipelineID, row.Type, row.Name, row.InputCount, row.OutputCount,
		row.EliminationRatio, row.KeptCount, row.EliminatedCount, row.ScoredCount, row.StartedAt, row.CompletedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert step %s: %w", row.StepID, err)
	}
	return nil
}

func (p *Postgres) UpsertDecisionEvent(ctx context.Context, row DecisionEventRow) error {
	if err := ensureMonthPartition(ctx, p.pool, "decision_events", "timestamp", row.Timestamp); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO decision_events (run_id, step_id, timestamp, event_id, pipeline_id, outcome, item_id, score, blob_key, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id, step_id, timestamp, event_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			score = EXCLUDED.score,
			blob_key = EXCLUDED.blob_key,
			updated_at = EXCLUDED.updated_at
		WHERE decision_events.updated_at <= EXCLUDED.updated_at`,
		row.RunID, row.StepID, row.Timestamp, row.EventID, row.PipelineID, row.Outcome, row.ItemID, row.Score, row.BlobKey, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert decision event %s: %w", row.EventID, err)
	}
	return nil
}

func (p *Postgres) ListRuns(ctx context.Context, filter RunFilter) ([]RunRow, error) {
	query := `SELECT run_id, pipeline_id, status, started_at, completed_at, error,
		total_steps, total_input_count, total_output_count, overall_elimination_ratio, metadata, updated_at
		FROM runs`
	if filter.BadOnly {
		query += ` WHERE overall_elimination_ratio > 0.8 OR status = 'failed' OR error IS NOT NULL`
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var metadata []byte
		if err := rows.Scan(&r.RunID, &r.PipelineID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Error,
			&r.TotalSteps, &r.TotalInputCount, &r.TotalOutputCount, &r.OverallEliminationRatio, &metadata, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if len(metadata) > 0 {
			json.Unmarshal(metadata, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (RunRow, bool, error) {
	var r RunRow
	var metadata []byte
	err := p.pool.QueryRow(ctx, `SELECT run_id, pipeline_id, status, started_at, completed_at, error,
		total_steps, total_input_count, total_output_count, overall_elimination_ratio, metadata, updated_at
		FROM runs WHERE run_id = $1 ORDER BY updated_at DESC LIMIT 1`, runID).
		Scan(&r.RunID, &r.PipelineID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Error,
			&r.TotalSteps, &r.TotalInputCount, &r.TotalOutputCount, &r.OverallEliminationRatio, &metadata, &r.UpdatedAt)
	if err != nil {
		return RunRow{}, false, nil
	}
	if len(metadata) > 0 {
		json.Unmarshal(metadata, &r.Metadata)
	}
	return r, true, nil
}

func (p *Postgres) GetStep(ctx context.Context, stepID, runID string) (StepRow, bool, error) {
	var s StepRow
	err := p.pool.QueryRow(ctx, `SELECT step_id, run_id, pipeline_id, type, name, input_count, output_count,
		elimination_ratio, kept_count, eliminated_count, scored_count, started_at, completed_at, updated_at
		FROM steps WHERE step_id = $1 AND run_id = $2 ORDER BY updated_at DESC LIMIT 1`, stepID, runID).
		Scan(&s.StepID, &s.RunID, &s.PipelineID, &s.Type, &s.Name, &s.InputCount, &s.OutputCount,
			&s.EliminationRatio, &s.KeptCount, &s.EliminatedCount, &s.ScoredCount, &s.StartedAt, &s.CompletedAt, &s.UpdatedAt)
	if err != nil {
		return StepRow{}, false, nil
	}
	return s, true, nil
}

func (p *Postgres) ListStepsByRun(ctx context.Context, runID string) ([]StepRow, error) {
	rows, err := p.pool.Query(ctx, `SELECT step_id, run_id, pipeline_id, type, name, input_count, output_count,
		elimination_ratio, kept_count, eliminated_count, scored_count, started_at, completed_at, updated_at
		FROM steps WHERE run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps by run: %w", err)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var s StepRow
		if err := rows.Scan(&s.StepID, &s.RunID, &s.PipelineID, &s.Type, &s.Name, &s.InputCount, &s.OutputCount,
			&s.EliminationRatio, &s.KeptCount, &s.EliminatedCount, &s.ScoredCount, &s.StartedAt, &s.CompletedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDecisionEventsByStep(ctx context.Context, stepID string, limit int) ([]DecisionEventRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `SELECT run_id, step_id, timestamp, event_id, pipeline_id, outcome, item_id, score, blob_key, updated_at
		FROM decision_events WHERE step_id = $1 ORDER BY timestamp ASC LIMIT $2`, stepID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision events by step: %w", err)
	}
	defer rows.Close()
	return scanDecisionEvents(rows)
}

func (p *Postgres) ListDecisionEventsByItem(ctx context.Context, runID, itemID string) ([]DecisionEventRow, error) {
	rows, err := p.pool.Query(ctx, `SELECT run_id, step_id, timestamp, event_id, pipeline_id, outcome, item_id, score, blob_key, updated_at
		FROM decision_events WHERE run_id = $1 AND item_id = $2 ORDER BY timestamp ASC`, runID, itemID)
	if err != nil {
		return nil, fmt.Errorf("list decision events by item: %w", err)
	}
	defer rows.Close()
	return scanDecisionEvents(rows)
}

func scanDecisionEvents(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]DecisionEventRow, error) {
	var out []DecisionEventRow
	for rows.Next() {
		var e DecisionEventRow
		if err := rows.Scan(&e.RunID, &e.StepID, &e.Timestamp, &e.EventID, &e.PipelineID, &e.Outcome, &e.ItemID, &e.Score, &e.BlobKey, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan decision event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}
