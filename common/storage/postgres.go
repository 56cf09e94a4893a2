package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/loomhq/loom/common/db"
	"github.com/loomhq/loom/common/event"
)

// Postgres implements Storage over pgx. The append runs in a transaction
// that locks the run row, so the event insert and the view upsert are
// visible together or not at all.
type Postgres struct {
	db *db.DB
}

// NewPostgres creates a postgres-backed store.
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

func (p *Postgres) AppendEvent(ctx context.Context, e *event.Event, opts *AppendOptions) (*AppendResult, error) {
	if e.RunID == "" {
		return nil, fmt.Errorf("storage: event missing run id")
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	currentRun, err := p.lockRun(ctx, tx, e.RunID)
	if err != nil {
		return nil, err
	}
	var currentStep *event.Step
	if e.CorrelationID != "" && currentRun != nil {
		currentStep, err = p.stepInTx(ctx, tx, e.RunID, e.CorrelationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if err := event.Validate(currentRun, currentStep, e); err != nil {
		return nil, err
	}

	stored := cloneEvent(e)
	if stored.EventID == "" {
		stored.EventID = "ev_" + uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.SpecVersion = event.SpecVersion
	if opts != nil && opts.V1Compat {
		stored.SpecVersion = 1
	}

	var ordinal int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ordinal), 0) + 1 FROM events WHERE run_id = $1`,
		stored.RunID,
	).Scan(&ordinal)
	if err != nil {
		return nil, fmt.Errorf("failed to assign ordinal: %w", err)
	}
	stored.Ordinal = ordinal

	errJSON, err := marshalError(stored.Error)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, run_id, ordinal, event_type, correlation_id,
			event_data, name, token, attempt, wake_at, error, spec_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		stored.EventID, stored.RunID, stored.Ordinal, stored.Type, nullStr(stored.CorrelationID),
		stored.Data, nullStr(stored.Name), nullStr(stored.Token), stored.Attempt,
		stored.WakeAt, errJSON, stored.SpecVersion, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	result := &AppendResult{Event: cloneEvent(stored)}

	switch {
	case stored.Type.IsRunEvent():
		run := currentRun
		if run == nil {
			run = &event.Run{}
		}
		event.ApplyToRun(run, stored)
		if err := p.upsertRun(ctx, tx, run); err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			// Cascade: dispose every live hook for the run.
			_, err = tx.Exec(ctx, `
				UPDATE hooks SET disposed = TRUE, disposed_at = $2
				WHERE run_id = $1 AND NOT disposed
			`, stored.RunID, stored.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to cascade hook disposal: %w", err)
			}
		}
		result.Run = run
	case stored.Type.IsStepEvent():
		step := currentStep
		if step == nil {
			step = &event.Step{StepID: "st_" + uuid.New().String()}
		}
		event.ApplyToStep(step, stored)
		if err := p.upsertStep(ctx, tx, step); err != nil {
			return nil, err
		}
		result.Step = step
	case stored.Type.IsHookEvent():
		hook, err := p.hookForEvent(ctx, tx, stored)
		if err != nil {
			return nil, err
		}
		event.ApplyToHook(hook, stored)
		if err := p.upsertHook(ctx, tx, hook); err != nil {
			return nil, err
		}
		result.Hook = hook
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return result, nil
}

// lockRun reads and locks the run view row. Returns nil when the run does
// not exist yet, which is only legal for run_created.
func (p *Postgres) lockRun(ctx context.Context, tx pgx.Tx, runID string) (*event.Run, error) {
	row := tx.QueryRow(ctx, `
		SELECT run_id, workflow_name, deployment_id, status, input, output, error,
			created_at, started_at, completed_at
		FROM runs WHERE run_id = $1 FOR UPDATE
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	return run, nil
}

func (p *Postgres) upsertRun(ctx context.Context, tx pgx.Tx, run *event.Run) error {
	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (run_id, workflow_name, deployment_id, status, input, output,
			error, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`,
		run.RunID, run.WorkflowName, nullStr(run.DeploymentID), run.Status,
		run.Input, run.Output, errJSON, run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

func (p *Postgres) upsertStep(ctx context.Context, tx pgx.Tx, step *event.Step) error {
	errJSON, err := marshalError(step.LastError)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO steps (run_id, correlation_id, step_id, name, status, attempt,
			retry_after, args, output, last_error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, correlation_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			retry_after = EXCLUDED.retry_after,
			output = EXCLUDED.output,
			last_error = EXCLUDED.last_error,
			completed_at = EXCLUDED.completed_at
	`,
		step.RunID, step.CorrelationID, step.StepID, step.Name, step.Status, step.Attempt,
		step.RetryAfter, step.Args, step.Output, errJSON, step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	return nil
}

func (p *Postgres) hookForEvent(ctx context.Context, tx pgx.Tx, e *event.Event) (*event.Hook, error) {
	if e.Type == event.HookCreated {
		return &event.Hook{HookID: "hk_" + uuid.New().String()}, nil
	}
	row := tx.QueryRow(ctx, `
		SELECT run_id, hook_id, token, correlation_id, name, received, disposed,
			created_at, disposed_at
		FROM hooks WHERE run_id = $1 AND correlation_id = $2
	`, e.RunID, e.CorrelationID)
	hook, err := scanHook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &event.Hook{HookID: "hk_" + uuid.New().String(), CorrelationID: e.CorrelationID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hook: %w", err)
	}
	return hook, nil
}

func (p *Postgres) upsertHook(ctx context.Context, tx pgx.Tx, hook *event.Hook) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO hooks (run_id, hook_id, token, correlation_id, name, received,
			disposed, created_at, disposed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, hook_id) DO UPDATE SET
			received = EXCLUDED.received,
			disposed = EXCLUDED.disposed,
			disposed_at = EXCLUDED.disposed_at
	`,
		hook.RunID, hook.HookID, hook.Token, hook.CorrelationID, nullStr(hook.Name),
		hook.Received, hook.Disposed, hook.CreatedAt, hook.DisposedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert hook: %w", err)
	}
	return nil
}

func (p *Postgres) ListEvents(ctx context.Context, runID string, opts ListOptions) ([]*event.Event, string, error) {
	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	rows, err := p.db.Query(ctx, `
		SELECT event_id, run_id, ordinal, event_type, correlation_id, event_data,
			name, token, attempt, wake_at, error, spec_version, created_at
		FROM events WHERE run_id = $1
		ORDER BY ordinal
		OFFSET $2 LIMIT $3
	`, runID, start, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows, opts.ResolveData)
	if err != nil {
		return nil, "", err
	}
	if len(events) == 0 && start == 0 {
		if _, err := p.GetRun(ctx, runID); err != nil {
			return nil, "", err
		}
	}
	return events, offsetCursor(start, len(events), limit), nil
}

func (p *Postgres) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string, opts ListOptions) ([]*event.Event, string, error) {
	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	rows, err := p.db.Query(ctx, `
		SELECT event_id, run_id, ordinal, event_type, correlation_id, event_data,
			name, token, attempt, wake_at, error, spec_version, created_at
		FROM events WHERE run_id = $1 AND correlation_id = $2
		ORDER BY ordinal
		OFFSET $3 LIMIT $4
	`, runID, correlationID, start, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list events by correlation id: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows, opts.ResolveData)
	if err != nil {
		return nil, "", err
	}
	return events, offsetCursor(start, len(events), limit), nil
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*event.Run, error) {
	row := p.db.QueryRow(ctx, `
		SELECT run_id, workflow_name, deployment_id, status, input, output, error,
			created_at, started_at, completed_at
		FROM runs WHERE run_id = $1
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, opts ListOptions) ([]*event.Run, string, error) {
	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	rows, err := p.db.Query(ctx, `
		SELECT run_id, workflow_name, deployment_id, status, input, output, error,
			created_at, started_at, completed_at
		FROM runs ORDER BY created_at
		OFFSET $1 LIMIT $2
	`, start, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*event.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan run: %w", err)
		}
		if !opts.ResolveData {
			run.Input, run.Output = nil, nil
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating runs: %w", err)
	}
	return out, offsetCursor(start, len(out), limit), nil
}

func (p *Postgres) GetStep(ctx context.Context, runID, correlationID string) (*event.Step, error) {
	row := p.db.QueryRow(ctx, `
		SELECT run_id, correlation_id, step_id, name, status, attempt, retry_after,
			args, output, last_error, started_at, completed_at
		FROM steps WHERE run_id = $1 AND correlation_id = $2
	`, runID, correlationID)
	step, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: step %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

func (p *Postgres) ListSteps(ctx context.Context, runID string, opts ListOptions) ([]*event.Step, string, error) {
	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	rows, err := p.db.Query(ctx, `
		SELECT run_id, correlation_id, step_id, name, status, attempt, retry_after,
			args, output, last_error, started_at, completed_at
		FROM steps WHERE run_id = $1
		ORDER BY started_at NULLS LAST, correlation_id
		OFFSET $2 LIMIT $3
	`, runID, start, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*event.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan step: %w", err)
		}
		if !opts.ResolveData {
			step.Args, step.Output = nil, nil
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating steps: %w", err)
	}
	return out, offsetCursor(start, len(out), limit), nil
}

func (p *Postgres) GetHook(ctx context.Context, runID, hookID string) (*event.Hook, error) {
	row := p.db.QueryRow(ctx, `
		SELECT run_id, hook_id, token, correlation_id, name, received, disposed,
			created_at, disposed_at
		FROM hooks WHERE run_id = $1 AND hook_id = $2
	`, runID, hookID)
	hook, err := scanHook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: hook %s", ErrNotFound, hookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hook: %w", err)
	}
	return hook, nil
}

func (p *Postgres) GetHookByToken(ctx context.Context, token string) (*event.Hook, error) {
	row := p.db.QueryRow(ctx, `
		SELECT run_id, hook_id, token, correlation_id, name, received, disposed,
			created_at, disposed_at
		FROM hooks WHERE token = $1
	`, token)
	hook, err := scanHook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: hook token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hook by token: %w", err)
	}
	return hook, nil
}

func (p *Postgres) ListHooks(ctx context.Context, runID string, opts ListOptions) ([]*event.Hook, string, error) {
	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	rows, err := p.db.Query(ctx, `
		SELECT run_id, hook_id, token, correlation_id, name, received, disposed,
			created_at, disposed_at
		FROM hooks WHERE run_id = $1
		ORDER BY created_at
		OFFSET $2 LIMIT $3
	`, runID, start, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list hooks: %w", err)
	}
	defer rows.Close()

	var out []*event.Hook
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan hook: %w", err)
		}
		out = append(out, hook)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating hooks: %w", err)
	}
	return out, offsetCursor(start, len(out), limit), nil
}

func (p *Postgres) stepInTx(ctx context.Context, tx pgx.Tx, runID, correlationID string) (*event.Step, error) {
	row := tx.QueryRow(ctx, `
		SELECT run_id, correlation_id, step_id, name, status, attempt, retry_after,
			args, output, last_error, started_at, completed_at
		FROM steps WHERE run_id = $1 AND correlation_id = $2
	`, runID, correlationID)
	step, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return step, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*event.Run, error) {
	run := &event.Run{}
	var deploymentID, errJSON *string
	err := row.Scan(
		&run.RunID, &run.WorkflowName, &deploymentID, &run.Status, &run.Input,
		&run.Output, &errJSON, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if deploymentID != nil {
		run.DeploymentID = *deploymentID
	}
	run.Error, err = unmarshalError(errJSON)
	return run, err
}

func scanStep(row rowScanner) (*event.Step, error) {
	step := &event.Step{}
	var errJSON *string
	err := row.Scan(
		&step.RunID, &step.CorrelationID, &step.StepID, &step.Name, &step.Status,
		&step.Attempt, &step.RetryAfter, &step.Args, &step.Output, &errJSON,
		&step.StartedAt, &step.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	step.LastError, err = unmarshalError(errJSON)
	return step, err
}

func scanHook(row rowScanner) (*event.Hook, error) {
	hook := &event.Hook{}
	var name *string
	err := row.Scan(
		&hook.RunID, &hook.HookID, &hook.Token, &hook.CorrelationID, &name,
		&hook.Received, &hook.Disposed, &hook.CreatedAt, &hook.DisposedAt,
	)
	if err != nil {
		return nil, err
	}
	if name != nil {
		hook.Name = *name
	}
	return hook, nil
}

func collectEvents(rows pgx.Rows, resolveData bool) ([]*event.Event, error) {
	var out []*event.Event
	for rows.Next() {
		e := &event.Event{}
		var cid, name, token, errJSON *string
		err := rows.Scan(
			&e.EventID, &e.RunID, &e.Ordinal, &e.Type, &cid, &e.Data, &name,
			&token, &e.Attempt, &e.WakeAt, &errJSON, &e.SpecVersion, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if cid != nil {
			e.CorrelationID = *cid
		}
		if name != nil {
			e.Name = *name
		}
		if token != nil {
			e.Token = *token
		}
		e.Error, err = unmarshalError(errJSON)
		if err != nil {
			return nil, err
		}
		if !resolveData {
			e.Data = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

func marshalError(ei *event.ErrorInfo) (*string, error) {
	if ei == nil {
		return nil, nil
	}
	b, err := json.Marshal(ei)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error info: %w", err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalError(s *string) (*event.ErrorInfo, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	ei := &event.ErrorInfo{}
	if err := json.Unmarshal([]byte(*s), ei); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error info: %w", err)
	}
	return ei, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// offsetCursor produces the next page cursor for offset-based queries where
// total size is unknown: a short page ends the listing.
func offsetCursor(start, returned, limit int) string {
	if returned < limit {
		return ""
	}
	return fmt.Sprintf("%d", start+returned)
}
