// Package ledger keeps a sqlite record of every transformation and
// evaluation run.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/eval"
	"github.com/samcharles93/slimline/internal/pipeline"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	schema_version INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (id, schema_version) VALUES (1, %d);

CREATE TABLE IF NOT EXISTS transformations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	source_state TEXT NOT NULL,
	output TEXT NOT NULL,
	output_state TEXT NOT NULL,
	elapsed_ns INTEGER NOT NULL,
	noop BOOLEAN NOT NULL DEFAULT 0,
	source_bytes INTEGER NOT NULL,
	output_bytes INTEGER NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS evaluations (
	id TEXT PRIMARY KEY,
	artifact TEXT NOT NULL,
	state TEXT NOT NULL,
	dataset TEXT NOT NULL,
	examples INTEGER NOT NULL,
	accuracy REAL NOT NULL,
	latency_mean_ns INTEGER NOT NULL,
	latency_p95_ns INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Ledger is a sqlite results store. It is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, artifact.Persist("open ledger", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, artifact.Persist("open ledger", path, err)
	}
	if _, err := db.Exec(fmt.Sprintf(schema, schemaVersion)); err != nil {
		_ = db.Close()
		return nil, artifact.Persist("init ledger", path, err)
	}
	var v int
	if err := db.QueryRow(`SELECT schema_version FROM meta WHERE id = 1`).Scan(&v); err != nil {
		_ = db.Close()
		return nil, artifact.Persist("init ledger", path, err)
	}
	if v != schemaVersion {
		_ = db.Close()
		return nil, artifact.Persist("init ledger", path, fmt.Errorf("schema version %d, want %d", v, schemaVersion))
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores one pipeline stage result.
func (l *Ledger) Record(ctx context.Context, r pipeline.Result) error {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transformations
			(id, kind, source, source_state, output, output_state, elapsed_ns, noop, source_bytes, output_bytes, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), string(r.Kind),
		r.Source.Path, string(r.Source.State()),
		r.Output.Path, string(r.Output.State()),
		r.Elapsed.Nanoseconds(), r.NoOp, r.SourceBytes, r.OutputBytes, r.Detail,
	)
	if err != nil {
		return fmt.Errorf("ledger: record transformation: %w", err)
	}
	return nil
}

// RecordEval stores an evaluation report of dataset.
func (l *Ledger) RecordEval(ctx context.Context, dataset string, rep eval.Report) (uuid.UUID, error) {
	id := uuid.New()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO evaluations
			(id, artifact, state, dataset, examples, accuracy, latency_mean_ns, latency_p95_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), rep.Artifact.Path, string(rep.Artifact.State()), dataset,
		rep.Examples, rep.Accuracy, rep.Latency.Mean.Nanoseconds(), rep.Latency.P95.Nanoseconds(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ledger: record evaluation: %w", err)
	}
	return id, nil
}

// Transformation is a stored stage result.
type Transformation struct {
	ID          uuid.UUID
	Kind        string
	Source      string
	SourceState artifact.State
	Output      string
	OutputState artifact.State
	Elapsed     time.Duration
	NoOp        bool
	SourceBytes int64
	OutputBytes int64
	Detail      string
	CreatedAt   time.Time
}

// Evaluation is a stored evaluation summary.
type Evaluation struct {
	ID          uuid.UUID
	Artifact    string
	State       artifact.State
	Dataset     string
	Examples    int
	Accuracy    float64
	LatencyMean time.Duration
	LatencyP95  time.Duration
	CreatedAt   time.Time
}

// Transformations lists stage results, oldest first.
func (l *Ledger) Transformations(ctx context.Context) ([]Transformation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, source, source_state, output, output_state, elapsed_ns, noop, source_bytes, output_bytes, detail, created_at
		FROM transformations ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transformations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transformation
	for rows.Next() {
		var t Transformation
		var id string
		var elapsed int64
		if err := rows.Scan(&id, &t.Kind, &t.Source, &t.SourceState, &t.Output, &t.OutputState,
			&elapsed, &t.NoOp, &t.SourceBytes, &t.OutputBytes, &t.Detail, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transformation: %w", err)
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ledger: transformation id %q: %w", id, err)
		}
		t.Elapsed = time.Duration(elapsed)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Evaluations lists evaluation summaries, oldest first.
func (l *Ledger) Evaluations(ctx context.Context) ([]Evaluation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, artifact, state, dataset, examples, accuracy, latency_mean_ns, latency_p95_ns, created_at
		FROM evaluations ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		var id string
		var mean, p95 int64
		if err := rows.Scan(&id, &e.Artifact, &e.State, &e.Dataset, &e.Examples, &e.Accuracy, &mean, &p95, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan evaluation: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ledger: evaluation id %q: %w", id, err)
		}
		e.LatencyMean, e.LatencyP95 = time.Duration(mean), time.Duration(p95)
		out = append(out, e)
	}
	return out, rows.Err()
}
