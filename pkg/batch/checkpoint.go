package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/gohpc/pkg/store"
)

// Sentinel is the Output reported for rows that have not been evaluated yet.
// The database stores those outputs as NULL, so an evaluation that returns
// Sentinel is still recorded as done.
const Sentinel = -1.0

const schemaVersion = 2

const createPoints = `CREATE TABLE IF NOT EXISTS batch_points (
		id INTEGER PRIMARY KEY,
		input TEXT NOT NULL,
		output REAL,
		updated_at TEXT NOT NULL
	);`

var schema = []string{
	createPoints,
	`CREATE INDEX IF NOT EXISTS idx_batch_points_output ON batch_points(output);`,
}

// upgradeV1 rewrites checkpoints that marked pending rows with -1 in a NOT
// NULL output column.
var upgradeV1 = []string{
	`DROP INDEX IF EXISTS idx_batch_points_output;`,
	`ALTER TABLE batch_points RENAME TO batch_points_v1;`,
	createPoints,
	`INSERT INTO batch_points (id, input, output, updated_at)
		SELECT id, input, CASE WHEN output = -1 THEN NULL ELSE output END, updated_at
		FROM batch_points_v1;`,
	`DROP TABLE batch_points_v1;`,
}

// Row is one checkpoint entry.
type Row struct {
	ID        int64     `json:"id"`
	Input     []float64 `json:"input"`
	Output    float64   `json:"output"`
	Done      bool      `json:"evaluated"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Evaluated reports whether the row holds a result.
func (r Row) Evaluated() bool { return r.Done }

// Checkpoint persists batch points so an interrupted batch can be resumed.
type Checkpoint struct {
	db  *sql.DB
	now func() time.Time
}

// OpenCheckpoint opens (and creates) the checkpoint database at path.
func OpenCheckpoint(ctx context.Context, path string) (*Checkpoint, error) {
	return OpenCheckpointConfig(ctx, store.Config{Path: path})
}

// OpenCheckpointConfig opens a checkpoint in any database store.Open accepts.
func OpenCheckpointConfig(ctx context.Context, cfg store.Config) (*Checkpoint, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := upgrade(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx, db, schemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Checkpoint{db: db, now: time.Now}, nil
}

func upgrade(ctx context.Context, db *sql.DB) error {
	v, err := store.SchemaVersion(ctx, db)
	if err != nil || v != 1 {
		// New databases have no schema_meta yet.
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint upgrade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range upgradeV1 {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("upgrade checkpoint: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (c *Checkpoint) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Insert adds a pending row for it. Existing rows are left unchanged.
func (c *Checkpoint) Insert(ctx context.Context, it Item) error {
	in, err := json.Marshal(it.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO batch_points (id, input, output, updated_at)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(id) DO NOTHING`,
		it.ID, string(in), store.FormatTime(c.now()))
	if err != nil {
		return fmt.Errorf("insert batch point %d: %w", it.ID, err)
	}
	return nil
}

// Flush stores every successful result in one transaction. Failed results
// stay pending.
func (c *Checkpoint) Flush(ctx context.Context, results []Result) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := store.FormatTime(c.now())
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		in, err := json.Marshal(r.Input)
		if err != nil {
			return fmt.Errorf("encode input: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_points (id, input, output, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET output = excluded.output, updated_at = excluded.updated_at`,
			r.ID, string(in), r.Output, ts); err != nil {
			return fmt.Errorf("store result %d: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

// Rows returns every row ordered by id.
func (c *Checkpoint) Rows(ctx context.Context) ([]Row, error) {
	return c.query(ctx, `SELECT id, input, output, updated_at FROM batch_points ORDER BY id`)
}

// Pending returns the items that have not been evaluated.
func (c *Checkpoint) Pending(ctx context.Context) ([]Item, error) {
	rows, err := c.query(ctx, `SELECT id, input, output, updated_at FROM batch_points WHERE output IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, Item{ID: r.ID, Input: r.Input})
	}
	return items, nil
}

// Get returns the row for id.
func (c *Checkpoint) Get(ctx context.Context, id int64) (Row, error) {
	rows, err := c.query(ctx, `SELECT id, input, output, updated_at FROM batch_points WHERE id = ?`, id)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, fmt.Errorf("batch point %d: %w", id, sql.ErrNoRows)
	}
	return rows[0], nil
}

// NextID is one past the largest id in the checkpoint.
func (c *Checkpoint) NextID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(id) FROM batch_points`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("query max id: %w", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64 + 1, nil
}

func (c *Checkpoint) query(ctx context.Context, q string, args ...any) ([]Row, error) {
	rs, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query batch points: %w", err)
	}
	defer func() { _ = rs.Close() }()

	var out []Row
	for rs.Next() {
		var (
			r       Row
			input   string
			output  sql.NullFloat64
			updated string
		)
		if err := rs.Scan(&r.ID, &input, &output, &updated); err != nil {
			return nil, fmt.Errorf("scan batch point: %w", err)
		}
		r.Output, r.Done = Sentinel, output.Valid
		if output.Valid {
			r.Output = output.Float64
		}
		if err := json.Unmarshal([]byte(input), &r.Input); err != nil {
			return nil, fmt.Errorf("decode input of batch point %d: %w", r.ID, err)
		}
		if t, err := store.ParseTime(updated); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch points: %w", err)
	}
	return out, nil
}
