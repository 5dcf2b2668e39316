package embedding

import (
	"context"

	"github.com/google/uuid"

	"github.com/codeframe/api/internal/database"
	"github.com/codeframe/api/internal/models"
)

// PGStore is the answer_embeddings table
type PGStore struct {
	db *database.Postgres
}

func NewPGStore(db *database.Postgres) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GetEntries(ctx context.Context, model string, answerIDs []uuid.UUID) (map[uuid.UUID]models.EmbeddingEntry, error) {
	query := `
		SELECT answer_id, model, content_hash, embedding, updated_at
		FROM answer_embeddings
		WHERE model = $1 AND answer_id = ANY($2)
	`
	rows, err := s.db.Pool().Query(ctx, query, model, answerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]models.EmbeddingEntry)
	for rows.Next() {
		var e models.EmbeddingEntry
		if err := rows.Scan(&e.AnswerID, &e.Model, &e.ContentHash, &e.Embedding, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out[e.AnswerID] = e
	}
	return out, rows.Err()
}

func (s *PGStore) Upsert(ctx context.Context, entries []models.EmbeddingEntry) error {
	query := `
		INSERT INTO answer_embeddings (answer_id, model, content_hash, embedding, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (answer_id, model)
		DO UPDATE SET content_hash = EXCLUDED.content_hash, embedding = EXCLUDED.embedding, updated_at = NOW()
	`
	for _, e := range entries {
		if _, err := s.db.Pool().Exec(ctx, query, e.AnswerID, e.Model, e.ContentHash, e.Embedding); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) GetEmbeddings(ctx context.Context, model string, answerIDs []uuid.UUID) (map[uuid.UUID][]float32, error) {
	query := `
		SELECT answer_id, embedding
		FROM answer_embeddings
		WHERE model = $1 AND answer_id = ANY($2)
	`
	rows, err := s.db.Pool().Query(ctx, query, model, answerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]float32)
	for rows.Next() {
		var id uuid.UUID
		var vec []float32
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, err
		}
		out[id] = vec
	}
	return out, rows.Err()
}
