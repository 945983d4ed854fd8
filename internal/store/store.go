// File: internal/store/store.go
// Description: Relational crawl log on SQLite. One database holds the screen
// catalog (deduplicated by composite hash), the run ledger, the per-step log
// and the simplified transition graph. The crawl loop is the single writer;
// CLI readers rely on WAL mode and the busy timeout.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

// timeFormat is fixed-width UTC so that lexicographic ordering of stored
// timestamps matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

const defaultBusyTimeout = 5 * time.Second

// Screen is one row of the deduplicated screen catalog. ID is assigned by
// the database; a zero ID means the screen has not been persisted.
type Screen struct {
	ID                  int64
	CompositeHash       string
	XMLHash             string
	VisualHash          string
	ScreenshotPath      string
	ActivityName        string
	XMLContent          string
	FirstSeenRunID      string
	FirstSeenStepNumber int
}

// Run is one row of the run ledger. EndTime is zero while the run is live.
type Run struct {
	ID            string
	AppPackage    string
	StartActivity string
	StartTime     time.Time
	EndTime       time.Time
	Status        schemas.RunStatus
}

// Step is one row of the per-step log. FromScreenID or ToScreenID of zero
// means the screen was unknown at that point of the step.
type Step struct {
	LogID              int64
	RunID              string
	StepNumber         int
	FromScreenID       int64
	ToScreenID         int64
	ActionDescription  string
	OracleProposalJSON string
	MappedActionJSON   string
	ExecutionSuccess   bool
	ErrorMessage       string
	OracleLatencyMs    int64
	TotalTokens        int
}

// Transition is one edge of the simplified navigation graph.
type Transition struct {
	ID                int64
	RunID             string
	StepNumber        int
	FromScreenID      int64
	ToScreenID        int64
	ActionDescription string
}

// Store wraps the SQLite database holding the crawl log.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the crawl database and verifies the
// connection. The parent directory is created when missing.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		db:  db,
		log: logger.Named("store"),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS screens (
		screen_id              INTEGER PRIMARY KEY AUTOINCREMENT,
		composite_hash         TEXT NOT NULL UNIQUE,
		xml_hash               TEXT NOT NULL,
		visual_hash            TEXT NOT NULL,
		screenshot_path        TEXT,
		activity_name          TEXT,
		xml_content            TEXT,
		first_seen_run_id      TEXT,
		first_seen_step_number INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_screens_composite_hash ON screens(composite_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_screens_visual_hash ON screens(visual_hash)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id         TEXT PRIMARY KEY,
		app_package    TEXT NOT NULL,
		start_activity TEXT NOT NULL,
		start_time     TEXT NOT NULL,
		end_time       TEXT,
		status         TEXT NOT NULL DEFAULT 'STARTED'
	)`,
	`CREATE TABLE IF NOT EXISTS steps_log (
		step_log_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id               TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		step_number          INTEGER NOT NULL,
		from_screen_id       INTEGER REFERENCES screens(screen_id) ON DELETE SET NULL,
		to_screen_id         INTEGER REFERENCES screens(screen_id) ON DELETE SET NULL,
		action_description   TEXT,
		oracle_proposal_json TEXT,
		mapped_action_json   TEXT,
		execution_success    INTEGER,
		error_message        TEXT,
		oracle_latency_ms    INTEGER,
		total_tokens         INTEGER,
		UNIQUE (run_id, step_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_log_from_screen ON steps_log(from_screen_id)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		transition_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id             TEXT,
		step_number        INTEGER,
		from_screen_id     INTEGER,
		to_screen_id       INTEGER,
		action_description TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_from_screen ON transitions(from_screen_id)`,
	`CREATE TABLE IF NOT EXISTS run_meta (
		run_id TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT,
		PRIMARY KEY (run_id, key)
	)`,
}

// InitSchema creates every table and index the store uses. It is idempotent
// and safe to call on every start.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	s.log.Debug("Database schema verified")
	return nil
}

// GetOrCreateRun returns the run the crawl should log under. When
// continueRun is set and the package has a STARTED run, the most recent one
// is reused and resumed=true; otherwise a fresh run row is inserted.
func (s *Store) GetOrCreateRun(ctx context.Context, appPackage, startActivity string, continueRun bool) (*Run, bool, error) {
	if continueRun {
		row := s.db.QueryRowContext(ctx,
			`SELECT run_id, app_package, start_activity, start_time, COALESCE(end_time, ''), status
			 FROM runs WHERE app_package = ? AND status = ? ORDER BY start_time DESC LIMIT 1`,
			appPackage, string(schemas.RunStarted))
		run, err := scanRun(row)
		switch {
		case err == nil:
			s.log.Info("Continuing existing run",
				zap.String("run_id", run.ID),
				zap.String("app_package", appPackage))
			return run, true, nil
		case errors.Is(err, sql.ErrNoRows):
			// No resumable run, fall through to creating one.
		default:
			return nil, false, fmt.Errorf("failed to look up resumable run: %w", err)
		}
	}

	run := &Run{
		ID:            uuid.NewString(),
		AppPackage:    appPackage,
		StartActivity: startActivity,
		StartTime:     time.Now().UTC(),
		Status:        schemas.RunStarted,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, app_package, start_activity, start_time, status) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.AppPackage, run.StartActivity, run.StartTime.Format(timeFormat), string(run.Status))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}
	s.log.Info("Created new run",
		zap.String("run_id", run.ID),
		zap.String("app_package", appPackage))
	return run, false, nil
}

// RunByID fetches a single run row.
func (s *Store) RunByID(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, app_package, start_activity, start_time, COALESCE(end_time, ''), status
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}
	return run, nil
}

// FinishRun marks a run terminal with the given status and stamps its end
// time.
func (s *Store) FinishRun(ctx context.Context, runID string, status schemas.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, end_time = ? WHERE run_id = ?`,
		string(status), time.Now().UTC().Format(timeFormat), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.log.Warn("FinishRun matched no run row", zap.String("run_id", runID))
	}
	return nil
}

// InsertScreen persists a screen, deduplicating on the composite hash: when
// a row with the same hash already exists its id is returned and nothing is
// written.
func (s *Store) InsertScreen(ctx context.Context, sc *Screen) (int64, error) {
	id, ok, err := s.ScreenIDByCompositeHash(ctx, sc.CompositeHash)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO screens
		 (composite_hash, xml_hash, visual_hash, screenshot_path, activity_name, xml_content, first_seen_run_id, first_seen_step_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.CompositeHash, sc.XMLHash, sc.VisualHash,
		nullString(sc.ScreenshotPath), nullString(sc.ActivityName), nullString(sc.XMLContent),
		nullString(sc.FirstSeenRunID), sc.FirstSeenStepNumber)
	if err != nil {
		// A concurrent writer may have won the unique constraint; resolve
		// to its row before reporting failure.
		if id, ok, selErr := s.ScreenIDByCompositeHash(ctx, sc.CompositeHash); selErr == nil && ok {
			return id, nil
		}
		return 0, fmt.Errorf("failed to insert screen: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted screen id: %w", err)
	}
	return id, nil
}

// ScreenIDByCompositeHash resolves a composite hash to its screen id. The
// second return is false when no such screen exists.
func (s *Store) ScreenIDByCompositeHash(ctx context.Context, compositeHash string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT screen_id FROM screens WHERE composite_hash = ?`, compositeHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up screen by hash: %w", err)
	}
	return id, true, nil
}

// LoadScreens returns every persisted screen in insertion (screen_id) order.
func (s *Store) LoadScreens(ctx context.Context) ([]Screen, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT screen_id, composite_hash, xml_hash, visual_hash,
		        COALESCE(screenshot_path, ''), COALESCE(activity_name, ''), COALESCE(xml_content, ''),
		        COALESCE(first_seen_run_id, ''), COALESCE(first_seen_step_number, 0)
		 FROM screens ORDER BY screen_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query screens: %w", err)
	}
	defer rows.Close()

	var screens []Screen
	for rows.Next() {
		var sc Screen
		if err := rows.Scan(&sc.ID, &sc.CompositeHash, &sc.XMLHash, &sc.VisualHash,
			&sc.ScreenshotPath, &sc.ActivityName, &sc.XMLContent,
			&sc.FirstSeenRunID, &sc.FirstSeenStepNumber); err != nil {
			return nil, fmt.Errorf("failed to scan screen row: %w", err)
		}
		screens = append(screens, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate screens: %w", err)
	}
	return screens, nil
}

// InsertStep appends one step to the run's log. Step numbers are unique per
// run; violating that is an error the caller must treat as fatal.
func (s *Store) InsertStep(ctx context.Context, st *Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps_log
		 (run_id, step_number, from_screen_id, to_screen_id, action_description,
		  oracle_proposal_json, mapped_action_json, execution_success, error_message,
		  oracle_latency_ms, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.StepNumber, nullID(st.FromScreenID), nullID(st.ToScreenID),
		nullString(st.ActionDescription), nullString(st.OracleProposalJSON),
		nullString(st.MappedActionJSON), st.ExecutionSuccess, nullString(st.ErrorMessage),
		st.OracleLatencyMs, st.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to insert step %d of run %s: %w", st.StepNumber, st.RunID, err)
	}
	return nil
}

// InsertTransition appends one edge to the simplified navigation graph.
func (s *Store) InsertTransition(ctx context.Context, tr *Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (run_id, step_number, from_screen_id, to_screen_id, action_description)
		 VALUES (?, ?, ?, ?, ?)`,
		tr.RunID, tr.StepNumber, nullID(tr.FromScreenID), nullID(tr.ToScreenID),
		nullString(tr.ActionDescription))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// StepsForRun returns the run's step log ordered by step number.
func (s *Store) StepsForRun(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_log_id, run_id, step_number,
		        COALESCE(from_screen_id, 0), COALESCE(to_screen_id, 0),
		        COALESCE(action_description, ''), COALESCE(oracle_proposal_json, ''),
		        COALESCE(mapped_action_json, ''), COALESCE(execution_success, 0),
		        COALESCE(error_message, ''), COALESCE(oracle_latency_ms, 0), COALESCE(total_tokens, 0)
		 FROM steps_log WHERE run_id = ? ORDER BY step_number ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.LogID, &st.RunID, &st.StepNumber,
			&st.FromScreenID, &st.ToScreenID,
			&st.ActionDescription, &st.OracleProposalJSON,
			&st.MappedActionJSON, &st.ExecutionSuccess,
			&st.ErrorMessage, &st.OracleLatencyMs, &st.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return steps, nil
}

// SetRunMeta stores one key/value pair for a run, replacing any previous
// value for the same key.
func (s *Store) SetRunMeta(ctx context.Context, runID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_meta (run_id, key, value) VALUES (?, ?, ?)`,
		runID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set run meta %q: %w", key, err)
	}
	return nil
}

// RunMeta fetches one metadata value for a run. The second return is false
// when the key was never set.
func (s *Store) RunMeta(ctx context.Context, runID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(value, '') FROM run_meta WHERE run_id = ? AND key = ?`,
		runID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch run meta %q: %w", key, err)
	}
	return value, true, nil
}

// ResetAll wipes every table and resets the id sequences. Destructive; the
// CLI gates it behind an explicit confirmation.
func (s *Store) ResetAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback reset transaction", zap.Error(rollbackErr))
		}
	}()

	// Children before parents so the foreign keys stay satisfied.
	for _, table := range []string{"steps_log", "transitions", "run_meta", "runs", "screens"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}

	// sqlite_sequence only exists once an AUTOINCREMENT table has seen an
	// insert.
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'`).Scan(&n); err != nil {
		return fmt.Errorf("failed to probe sqlite_sequence: %w", err)
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sqlite_sequence WHERE name IN ('screens', 'steps_log', 'transitions')`); err != nil {
			return fmt.Errorf("failed to reset id sequences: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset transaction: %w", err)
	}
	s.log.Warn("Cleared all persisted crawl data")
	return nil
}

func scanRun(row *sql.Row) (*Run, error) {
	var (
		run              Run
		startRaw, endRaw string
		status           string
	)
	if err := row.Scan(&run.ID, &run.AppPackage, &run.StartActivity, &startRaw, &endRaw, &status); err != nil {
		return nil, err
	}
	run.Status = schemas.RunStatus(status)

	start, err := time.Parse(timeFormat, startRaw)
	if err != nil {
		return nil, fmt.Errorf("malformed start_time %q: %w", startRaw, err)
	}
	run.StartTime = start

	if endRaw != "" {
		end, err := time.Parse(timeFormat, endRaw)
		if err != nil {
			return nil, fmt.Errorf("malformed end_time %q: %w", endRaw, err)
		}
		run.EndTime = end
	}
	return &run, nil
}

// nullString maps "" to NULL so optional text columns stay NULL instead of
// accumulating empty strings.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullID maps non-positive ids to NULL; screen ids start at 1.
func nullID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
