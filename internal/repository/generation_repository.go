package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/models"
)

const generationColumns = `id, user_id, mode, model, resolution, duration_seconds, aspect_ratio, generate_audio, prompt,
COALESCE(input_image_url, ''), cost, bonus_funded, COALESCE(provider_task_id, ''), status, progress,
COALESCE(error_kind, ''), COALESCE(error_message, ''), COALESCE(artifact_url, ''), COALESCE(telegram_file_id, ''),
created_at, started_at, completed_at`

type GenerationRepository struct {
	db      DBTX
	dialect database.Dialect
}

func NewGenerationRepository(db DBTX, dialect database.Dialect) *GenerationRepository {
	return &GenerationRepository{db: db, dialect: dialect}
}

func (r *GenerationRepository) WithTx(tx *sql.Tx) *GenerationRepository {
	return &GenerationRepository{db: tx, dialect: r.dialect}
}

// Finish carries the terminal fields written by a state transition.
type Finish struct {
	ArtifactURL  string
	ErrorKind    models.ErrorKind
	ErrorMessage string
	CompletedAt  time.Time
}

func scanGeneration(row rowScanner) (*models.Generation, error) {
	var (
		g                      models.Generation
		mode, model, status    string
		errorKind              string
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.UserID, &mode, &model, &g.Resolution, &g.Duration, &g.AspectRatio, &g.GenerateAudio,
		&g.Prompt, &g.InputImageURL, &g.Cost, &g.BonusFunded, &g.ProviderTaskID, &status, &g.Progress,
		&errorKind, &g.ErrorMessage, &g.ArtifactURL, &g.TelegramFileID, &g.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	g.Mode = models.Mode(mode)
	g.Model = models.ModelType(model)
	g.Status = models.GenerationStatus(status)
	g.ErrorKind = models.ErrorKind(errorKind)
	g.StartedAt = timePtr(startedAt)
	g.CompletedAt = timePtr(completedAt)
	return &g, nil
}

func (r *GenerationRepository) list(ctx context.Context, query string, args ...any) ([]models.Generation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	const query = `
INSERT INTO generations (user_id, mode, model, resolution, duration_seconds, aspect_ratio, generate_audio, prompt,
    input_image_url, cost, bonus_funded, status, progress, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	created := g.CreatedAt.UTC()
	res, err := r.db.ExecContext(ctx, query, g.UserID, string(g.Mode), string(g.Model), g.Resolution, g.Duration,
		g.AspectRatio, g.GenerateAudio, g.Prompt, nullString(g.InputImageURL), g.Cost, g.BonusFunded,
		string(g.Status), created, created)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("generation last insert id: %w", err)
	}
	g.ID = id
	return nil
}

func (r *GenerationRepository) GetByID(ctx context.Context, id int64) (*models.Generation, error) {
	g, err := scanGeneration(r.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return g, nil
}

// MarkProcessing moves a pending generation to processing once the provider accepted it.
func (r *GenerationRepository) MarkProcessing(ctx context.Context, id int64, taskID string, startedAt time.Time) (bool, error) {
	const query = `
UPDATE generations SET status = ?, provider_task_id = ?, started_at = ?, updated_at = ?
WHERE id = ? AND status = ?`
	at := startedAt.UTC()
	res, err := r.db.ExecContext(ctx, query, string(models.StatusProcessing), taskID, at, at, id, string(models.StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return affected(res)
}

// Finish moves a non-terminal generation into the terminal status to. It reports false
// when the generation was already terminal, which makes finalisation idempotent.
func (r *GenerationRepository) Finish(ctx context.Context, id int64, to models.GenerationStatus, f Finish) (bool, error) {
	sources := models.Sources(to)
	if !to.Terminal() || len(sources) == 0 {
		return false, fmt.Errorf("finish generation %d: %s is not a terminal status", id, to)
	}
	query := `
UPDATE generations SET status = ?, artifact_url = COALESCE(?, artifact_url), error_kind = ?, error_message = ?,
    completed_at = ?, progress = CASE WHEN ? THEN 100 ELSE progress END, updated_at = ?
WHERE id = ? AND status IN (` + placeholders(len(sources)) + `)`
	at := f.CompletedAt.UTC()
	args := []any{string(to), nullString(f.ArtifactURL), nullString(string(f.ErrorKind)), nullString(f.ErrorMessage),
		at, to == models.StatusCompleted, at, id}
	for _, s := range sources {
		args = append(args, string(s))
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("finish generation: %w", err)
	}
	return affected(res)
}

// UpdateProgress persists a higher progress value for a processing generation.
func (r *GenerationRepository) UpdateProgress(ctx context.Context, id int64, progress int, at time.Time) error {
	const query = `
UPDATE generations SET progress = ?, updated_at = ?
WHERE id = ? AND status = ? AND progress < ?`
	if _, err := r.db.ExecContext(ctx, query, progress, at.UTC(), id, string(models.StatusProcessing), progress); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// MarkRecovered heals a failed generation whose upstream task completed after all.
// The original error is kept for audit; the refund is left untouched.
func (r *GenerationRepository) MarkRecovered(ctx context.Context, id int64, artifactURL string, at time.Time) (bool, error) {
	const query = `
UPDATE generations SET status = ?, artifact_url = ?, progress = 100, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?`
	ts := at.UTC()
	res, err := r.db.ExecContext(ctx, query, string(models.StatusCompleted), artifactURL, ts, ts, id, string(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("mark recovered: %w", err)
	}
	return affected(res)
}

func (r *GenerationRepository) SetTelegramFileID(ctx context.Context, id int64, fileID string, at time.Time) error {
	const query = `UPDATE generations SET telegram_file_id = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, fileID, at.UTC(), id); err != nil {
		return fmt.Errorf("set telegram file id: %w", err)
	}
	return nil
}

// ListRecoverable returns failed generations finished after since that still carry a provider task id.
func (r *GenerationRepository) ListRecoverable(ctx context.Context, since time.Time) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations
WHERE status = ? AND provider_task_id IS NOT NULL AND provider_task_id <> '' AND completed_at >= ?
ORDER BY id`
	return r.list(ctx, query, string(models.StatusFailed), since.UTC())
}

// ListStale returns non-terminal generations created before olderThan.
func (r *GenerationRepository) ListStale(ctx context.Context, olderThan time.Time) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations
WHERE status IN (?, ?) AND created_at < ?
ORDER BY id`
	return r.list(ctx, query, string(models.StatusPending), string(models.StatusProcessing), olderThan.UTC())
}

// SumBonusFundedSpend totals the cost of bonus-funded generations whose debit still stands.
// A refunded debit frees its share even if the generation was later recovered.
func (r *GenerationRepository) SumBonusFundedSpend(ctx context.Context, userID int64) (int64, error) {
	const query = `
SELECT COALESCE(SUM(g.cost), 0) FROM generations g
JOIN transactions t ON t.generation_id = g.id AND t.kind = ?
WHERE g.user_id = ? AND g.bonus_funded = 1 AND t.status IN (?, ?)`
	var total int64
	err := r.db.QueryRowContext(ctx, query, string(models.TxGeneration), userID,
		string(models.TxStatusPending), string(models.TxStatusCompleted)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum bonus funded spend: %w", err)
	}
	return total, nil
}

func (r *GenerationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	return r.list(ctx, query, userID, limit)
}
