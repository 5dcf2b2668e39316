package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeframe/api/internal/database"
	"github.com/codeframe/api/internal/models"
)

// Store is the durable, queryable state of generation attempts. Status only
// moves forward (processing -> completed|failed -> applied); the conditional
// UPDATEs below enforce that under concurrent writers.
type Store interface {
	Create(ctx context.Context, g *models.Generation) error
	Get(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*models.Generation, error)

	// UpdateProgress rewrites the recomputed counts; it never decrements
	// out of band because callers re-count from the hierarchy store.
	UpdateProgress(ctx context.Context, id uuid.UUID, nThemes, nCodes, percent int, step string) error

	// AddUsage atomically accumulates token/cost totals and folds one more
	// MECE sample into the running mean. Safe under concurrent workers.
	AddUsage(ctx context.Context, id uuid.UUID, inputTokens, outputTokens int64, costUSD, meceScore float64) error

	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	MarkApplied(ctx context.Context, id uuid.UUID) error

	Delete(ctx context.Context, id uuid.UUID) error
}

// AnswerStore reads categories and their answers
type AnswerStore interface {
	GetCategory(ctx context.Context, id uuid.UUID) (*models.Category, error)
	// ListEligible returns uncategorized answers with non-empty text,
	// optionally restricted to the given ids.
	ListEligible(ctx context.Context, categoryID uuid.UUID, answerIDs []uuid.UUID) ([]models.Answer, error)
	ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]models.Answer, error)
}

// AssignmentStore persists the apply engine's provisional matches
type AssignmentStore interface {
	Replace(ctx context.Context, generationID uuid.UUID, assignments []models.CodeAssignment) error
}

// PGStore is the generations table
type PGStore struct {
	db *database.Postgres
}

func NewPGStore(db *database.Postgres) *PGStore {
	return &PGStore{db: db}
}

const generationColumns = `
	id, category_id, config, n_answers, n_clusters, n_themes, n_codes,
	status, progress_percent, current_step, mece_score,
	input_tokens, output_tokens, cost_usd, error_message,
	created_by, created_at, updated_at, completed_at
`

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(
		&g.ID, &g.CategoryID, &g.Config, &g.NAnswers, &g.NClusters, &g.NThemes,
		&g.NCodes, &g.Status, &g.ProgressPercent, &g.CurrentStep, &g.MECEScore,
		&g.InputTokens, &g.OutputTokens, &g.CostUSD, &g.ErrorMessage,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt, &g.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (s *PGStore) Create(ctx context.Context, g *models.Generation) error {
	query := `
		INSERT INTO generations (
			id, category_id, config, n_answers, n_clusters, status,
			progress_percent, current_step, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := s.db.Pool().Exec(ctx, query,
		g.ID, g.CategoryID, g.Config, g.NAnswers, g.NClusters,
		g.Status, g.ProgressPercent, g.CurrentStep, g.CreatedBy,
	)
	return err
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`
	return scanGeneration(s.db.Pool().QueryRow(ctx, query, id))
}

func (s *PGStore) ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE category_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.Pool().Query(ctx, query, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateProgress(ctx context.Context, id uuid.UUID, nThemes, nCodes, percent int, step string) error {
	query := `
		UPDATE generations
		SET n_themes = $2, n_codes = $3, progress_percent = $4, current_step = $5, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.db.Pool().Exec(ctx, query, id, nThemes, nCodes, percent, step)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AddUsage(ctx context.Context, id uuid.UUID, inputTokens, outputTokens int64, costUSD, meceScore float64) error {
	query := `
		UPDATE generations
		SET input_tokens = input_tokens + $2,
		    output_tokens = output_tokens + $3,
		    cost_usd = cost_usd + $4,
		    mece_score = (COALESCE(mece_score, 0) * mece_samples + $5) / (mece_samples + 1),
		    mece_samples = mece_samples + 1,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.db.Pool().Exec(ctx, query, id, inputTokens, outputTokens, costUSD, meceScore)
	return err
}

func (s *PGStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE generations
		SET status = 'completed', progress_percent = 100, current_step = 'completed',
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	_, err := s.db.Pool().Exec(ctx, query, id)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE generations
		SET status = 'failed', error_message = $2, current_step = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	_, err := s.db.Pool().Exec(ctx, query, id, errorMessage)
	return err
}

func (s *PGStore) MarkApplied(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE generations
		SET status = 'applied', updated_at = NOW()
		WHERE id = $1 AND status = 'completed'
	`
	tag, err := s.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: generation %s must be completed before apply", ErrInvalidStatus, id)
	}
	return nil
}

// Delete removes the generation; hierarchy nodes and assignments cascade
func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM generations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PGAnswerStore reads the categories and answers tables
type PGAnswerStore struct {
	db *database.Postgres
}

func NewPGAnswerStore(db *database.Postgres) *PGAnswerStore {
	return &PGAnswerStore{db: db}
}

func (s *PGAnswerStore) GetCategory(ctx context.Context, id uuid.UUID) (*models.Category, error) {
	query := `SELECT id, name, description, created_at FROM categories WHERE id = $1`
	var c models.Category
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *PGAnswerStore) ListEligible(ctx context.Context, categoryID uuid.UUID, answerIDs []uuid.UUID) ([]models.Answer, error) {
	query := `
		SELECT id, category_id, text, code_id, created_at, updated_at
		FROM answers
		WHERE category_id = $1 AND code_id IS NULL AND btrim(text) <> ''
	`
	args := []any{categoryID}
	if len(answerIDs) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, answerIDs)
	}
	return s.queryAnswers(ctx, query, args...)
}

func (s *PGAnswerStore) ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]models.Answer, error) {
	query := `
		SELECT id, category_id, text, code_id, created_at, updated_at
		FROM answers
		WHERE category_id = $1
	`
	return s.queryAnswers(ctx, query, categoryID)
}

func (s *PGAnswerStore) queryAnswers(ctx context.Context, query string, args ...any) ([]models.Answer, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Answer
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.ID, &a.CategoryID, &a.Text, &a.CodeID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PGAssignmentStore is the answer_code_assignments table
type PGAssignmentStore struct {
	db *database.Postgres
}

func NewPGAssignmentStore(db *database.Postgres) *PGAssignmentStore {
	return &PGAssignmentStore{db: db}
}

func (s *PGAssignmentStore) Replace(ctx context.Context, generationID uuid.UUID, assignments []models.CodeAssignment) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM answer_code_assignments WHERE generation_id = $1`, generationID); err != nil {
		return err
	}
	query := `
		INSERT INTO answer_code_assignments (generation_id, answer_id, code_id, similarity)
		VALUES ($1, $2, $3, $4)
	`
	for _, a := range assignments {
		if _, err := tx.Exec(ctx, query, generationID, a.AnswerID, a.CodeID, a.Similarity); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
