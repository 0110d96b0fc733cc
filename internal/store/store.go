package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/happyvocals/vocalbox/internal/config"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run id has no matching row.
var ErrRunNotFound = errors.New("run not found")

// Setting keys for the two service secrets. Both are entered once and
// persisted; a run cannot start without them.
const (
	SettingOpenAIKey = "openai_api_key"
	SettingVoiceKey  = "voice_api_key"
)

// Voice is one entry of the locally cached voice catalog.
type Voice struct {
	VoiceID string    `json:"voice_id"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// Run is one completed pipeline execution. Rows are written once and
// never updated.
type Run struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	PDFPath     string    `json:"pdf_path"`
	StylePrompt string    `json:"style_prompt"`
	VoiceID     string    `json:"voice_id"`
	VoiceName   string    `json:"voice_name"`
	SummaryText string    `json:"summary_text,omitempty"`
	AudioPath   string    `json:"audio_path"`
}

// Store wraps the SQLite database holding settings, the voice catalog
// and the run history.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store at the configured path, creating the data
// directory and schema as needed.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT
);
CREATE TABLE IF NOT EXISTS voices (
    voice_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    added_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TIMESTAMP NOT NULL,
    pdf_path TEXT,
    style_prompt TEXT,
    voice_id TEXT,
    voice_name TEXT,
    summary_text TEXT,
    audio_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetSetting saves a key/value pair, overwriting any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the stored value for key, or "" when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

// UpsertVoice inserts or updates a catalog entry keyed by voice id. A
// renamed voice overwrites the cached name in place.
func (s *Store) UpsertVoice(ctx context.Context, voiceID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voices(voice_id, name, added_at) VALUES(?, ?, ?)
		 ON CONFLICT(voice_id) DO UPDATE SET name=excluded.name`,
		voiceID, name, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("upsert voice %s: %w", voiceID, err)
	}
	return nil
}

// ListVoices returns the cached catalog ordered by display name.
func (s *Store) ListVoices(ctx context.Context) ([]Voice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT voice_id, name, added_at FROM voices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer rows.Close()

	var voices []Voice
	for rows.Next() {
		var v Voice
		var added string
		if err := rows.Scan(&v.VoiceID, &v.Name, &added); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, added); err == nil {
			v.AddedAt = ts
		}
		voices = append(voices, v)
	}
	return voices, rows.Err()
}

// InsertRun appends a completed run to the history and returns its id.
func (s *Store) InsertRun(ctx context.Context, run Run) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(created_at, pdf_path, style_prompt, voice_id, voice_name, summary_text, audio_path)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		run.CreatedAt, run.PDFPath, run.StylePrompt, run.VoiceID, run.VoiceName, run.SummaryText, run.AudioPath)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run id: %w", err)
	}
	return id, nil
}

// ListRuns returns up to limit runs, newest first. Summary text is
// omitted; fetch a single run for the full record.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, pdf_path, style_prompt, voice_id, voice_name, audio_path
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created string
		if err := rows.Scan(&r.ID, &created, &r.PDFPath, &r.StylePrompt, &r.VoiceID, &r.VoiceName, &r.AudioPath); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches the full record for one run by its numeric id.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	var r Run
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, pdf_path, style_prompt, voice_id, voice_name, summary_text, audio_path
		 FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &created, &r.PDFPath, &r.StylePrompt, &r.VoiceID, &r.VoiceName, &r.SummaryText, &r.AudioPath)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = ts
	}
	return r, nil
}
