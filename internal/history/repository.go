package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRunState(ctx context.Context, id, state string, progress int) error
	FinishRun(ctx context.Context, id string, f Finish) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Finish is the terminal update of a run.
type Finish struct {
	State        string
	Progress     int
	ErrorKind    string
	ErrorMessage string
	ResultBytes  int64
	FinishedAt   time.Time
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = `id, session_id, backend, mode, position, ratio, subtitles, template_id,
	state, progress, error_kind, error_message, result_bytes, started_at, updated_at, finished_at`

func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.SessionID, run.Backend, run.Mode, run.Position, run.Ratio,
		boolToInt(run.Subtitles), nullString(run.TemplateID),
		run.State, run.Progress, nullString(run.ErrorKind), nullString(run.ErrorMessage), run.ResultBytes,
		formatTime(run.StartedAt), formatTime(run.UpdatedAt), nullTime(run.FinishedAt))
	return err
}

func (r *SQLiteRepository) UpdateRunState(ctx context.Context, id, state string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, progress = MAX(progress, ?), updated_at = ? WHERE id = ?
	`, state, progress, formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) FinishRun(ctx context.Context, id string, f Finish) error {
	if f.FinishedAt.IsZero() {
		f.FinishedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, progress = MAX(progress, ?), error_kind = ?, error_message = ?,
		    result_bytes = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, f.State, f.Progress, nullString(f.ErrorKind), nullString(f.ErrorMessage),
		f.ResultBytes, formatTime(f.FinishedAt), formatTime(f.FinishedAt), id)
	return err
}

// GetRun returns nil when no run has the id.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var subtitles int
		var templateID, errKind, errMsg, finishedAt sql.NullString
		var startedAt, updatedAt string

		if err := rows.Scan(&run.ID, &run.SessionID, &run.Backend, &run.Mode, &run.Position, &run.Ratio,
			&subtitles, &templateID, &run.State, &run.Progress, &errKind, &errMsg, &run.ResultBytes,
			&startedAt, &updatedAt, &finishedAt); err != nil {
			return nil, err
		}
		run.Subtitles = subtitles != 0
		run.TemplateID = templateID.String
		run.ErrorKind = errKind.String
		run.ErrorMessage = errMsg.String
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
				run.FinishedAt = &t
			}
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// EnsureInstance returns the persistent instance id and API token, creating
// them on first start.
func EnsureInstance(ctx context.Context, repo Repository) (instanceID, token string, err error) {
	instanceID, err = repo.GetConfig(ctx, ConfigInstanceID)
	if err != nil {
		return "", "", fmt.Errorf("failed to read instance id: %w", err)
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
		if err := repo.SetConfig(ctx, ConfigInstanceID, instanceID); err != nil {
			return "", "", fmt.Errorf("failed to store instance id: %w", err)
		}
	}

	token, err = repo.GetConfig(ctx, ConfigAuthToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to read auth token: %w", err)
	}
	if token == "" {
		token, err = NewToken()
		if err != nil {
			return "", "", err
		}
		if err := repo.SetConfig(ctx, ConfigAuthToken, token); err != nil {
			return "", "", fmt.Errorf("failed to store auth token: %w", err)
		}
	}
	return instanceID, token, nil
}

// NewToken returns a random 256-bit hex token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
