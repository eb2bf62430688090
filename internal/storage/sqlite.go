package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps the history of benchmark and tree runs in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lighttest.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// timeLayout has a fixed-width fraction so that stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// --- Runs ---

func (s *Store) CreateRun(r Run) error {
	status := r.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, kind, config_path, save_path, status, units, endpoints, started_at, finished_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.ConfigPath, r.SavePath, status, r.Units, r.Endpoints,
		formatTime(r.StartedAt), formatTime(r.FinishedAt), r.LastError,
	)
	return err
}

// FinishRun marks a run as completed, or failed when runErr is non-nil.
func (s *Store) FinishRun(id string, finishedAt time.Time, runErr error) error {
	status, msg := StatusCompleted, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, finished_at = ?, last_error = ? WHERE id = ?`,
		status, formatTime(finishedAt), msg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetRun(id string) (Run, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, config_path, save_path, status, units, endpoints, started_at, finished_at, last_error
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs first. An empty kind matches all.
func (s *Store) ListRuns(kind string, limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, config_path, save_path, status, units, endpoints, started_at, finished_at, last_error
		FROM runs WHERE (? = '' OR kind = ?) ORDER BY started_at DESC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var startedAt, finishedAt string
	if err := sc.Scan(&r.ID, &r.Kind, &r.ConfigPath, &r.SavePath, &r.Status, &r.Units, &r.Endpoints,
		&startedAt, &finishedAt, &r.LastError); err != nil {
		return Run{}, err
	}
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finishedAt); err != nil {
		return Run{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

// --- Dispatch records ---

func (s *Store) SaveDispatchRecord(d DispatchRecord) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO dispatch_records (id, run_id, unit, model, model_url, position, start_time, end_time,
			elapsed_seconds, prompt_tokens, completion_tokens, response, error, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.Unit, d.Model, d.ModelURL, d.Position, formatTime(d.StartTime), formatTime(d.EndTime),
		d.ElapsedSeconds, d.PromptTokens, d.CompletionTokens, d.Response, d.Error, d.ErrorKind, formatTime(createdAt),
	)
	return err
}

// ListDispatchRecords returns the records of a run ordered by unit and
// endpoint position. A non-empty unit restricts the result to that unit.
func (s *Store) ListDispatchRecords(runID, unit string) ([]DispatchRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, unit, model, model_url, position, start_time, end_time,
			elapsed_seconds, prompt_tokens, completion_tokens, response, error, error_kind, created_at
		FROM dispatch_records
		WHERE run_id = ? AND (? = '' OR unit = ?)
		ORDER BY unit ASC, position ASC`, runID, unit, unit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DispatchRecord
	for rows.Next() {
		var d DispatchRecord
		var start, end, created string
		if err := rows.Scan(&d.ID, &d.RunID, &d.Unit, &d.Model, &d.ModelURL, &d.Position, &start, &end,
			&d.ElapsedSeconds, &d.PromptTokens, &d.CompletionTokens, &d.Response, &d.Error, &d.ErrorKind, &created); err != nil {
			return nil, err
		}
		if d.StartTime, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("parsing start_time: %w", err)
		}
		if d.EndTime, err = parseTime(end); err != nil {
			return nil, fmt.Errorf("parsing end_time: %w", err)
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// Summarize aggregates a run's records per model.
func (s *Store) Summarize(runID string) (RunSummary, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return RunSummary{}, err
	}

	rows, err := s.db.Query(`
		SELECT model,
			COUNT(*),
			SUM(CASE WHEN error != '' THEN 1 ELSE 0 END),
			COALESCE(SUM(CASE WHEN error = '' THEN prompt_tokens ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error = '' THEN completion_tokens ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error = '' THEN elapsed_seconds ELSE 0 END), 0)
		FROM dispatch_records WHERE run_id = ?
		GROUP BY model ORDER BY MIN(position) ASC, model ASC`, runID)
	if err != nil {
		return RunSummary{}, err
	}
	defer rows.Close()

	sum := RunSummary{Run: run}
	for rows.Next() {
		var m ModelTotals
		if err := rows.Scan(&m.Model, &m.Records, &m.Failures, &m.PromptTokens, &m.CompletionTokens, &m.ElapsedSeconds); err != nil {
			return RunSummary{}, err
		}
		sum.Models = append(sum.Models, m)
	}
	return sum, rows.Err()
}

// --- GPU samples ---

func (s *Store) SaveGPUSamples(samples []GPUSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning sample transaction: %w", err)
	}
	defer tx.Rollback()

	for _, g := range samples {
		if _, err := tx.Exec(`
			INSERT INTO gpu_samples (id, run_id, endpoint, sampled_at, gpu_id, name, utilization, memory_utilization, memory_used, memory_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.RunID, g.Endpoint, formatTime(g.SampledAt), g.GPUID, g.Name,
			g.Utilization, g.MemoryUtilization, g.MemoryUsed, g.MemoryTotal,
		); err != nil {
			return fmt.Errorf("inserting gpu sample: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListGPUSamples(runID string) ([]GPUSample, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, endpoint, sampled_at, gpu_id, name, utilization, memory_utilization, memory_used, memory_total
		FROM gpu_samples WHERE run_id = ? ORDER BY sampled_at ASC, endpoint ASC, gpu_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []GPUSample
	for rows.Next() {
		var g GPUSample
		var at string
		if err := rows.Scan(&g.ID, &g.RunID, &g.Endpoint, &at, &g.GPUID, &g.Name,
			&g.Utilization, &g.MemoryUtilization, &g.MemoryUsed, &g.MemoryTotal); err != nil {
			return nil, err
		}
		if g.SampledAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing sampled_at: %w", err)
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

// --- Tree artifacts ---

func (s *Store) SaveTreeArtifact(a TreeArtifact) error {
	topics, err := json.Marshal(a.TopicPath)
	if err != nil {
		return fmt.Errorf("encoding topic path: %w", err)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO tree_artifacts (id, run_id, path, topic_path, turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Path, string(topics), a.Turns, formatTime(createdAt),
	)
	return err
}

func (s *Store) ListTreeArtifacts(runID string) ([]TreeArtifact, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, path, topic_path, turns, created_at
		FROM tree_artifacts WHERE run_id = ? ORDER BY created_at ASC, path ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TreeArtifact
	for rows.Next() {
		var a TreeArtifact
		var topics, created string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Path, &topics, &a.Turns, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(topics), &a.TopicPath); err != nil {
			return nil, fmt.Errorf("decoding topic path: %w", err)
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}
