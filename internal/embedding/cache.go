package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/models"
)

// Embedder is the slice of the AI service the cache needs
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []clients.TextItem, model string) ([]clients.EmbeddingItem, error)
}

// Store persists cached vectors keyed by (answer_id, model)
type Store interface {
	GetEntries(ctx context.Context, model string, answerIDs []uuid.UUID) (map[uuid.UUID]models.EmbeddingEntry, error)
	Upsert(ctx context.Context, entries []models.EmbeddingEntry) error
	GetEmbeddings(ctx context.Context, model string, answerIDs []uuid.UUID) (map[uuid.UUID][]float32, error)
}

// Cache keeps answer embeddings current against answer text. It is an
// optimization: a failed cache write never fails the caller, but a failed
// embedding call fails the whole batch.
type Cache struct {
	store    Store
	embedder Embedder
	model    string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewCache(store Store, embedder Embedder, model string, timeout time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		store:    store,
		embedder: embedder,
		model:    model,
		timeout:  timeout,
		logger:   logger,
	}
}

// ContentHash identifies a specific revision of an answer's text
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Ensure brings the cache up to date for the given answers. Answers whose
// stored hash still matches their text are skipped; the rest are embedded in
// one batch call and upserted.
func (c *Cache) Ensure(ctx context.Context, answers []models.Answer) error {
	if len(answers) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(answers))
	for i, a := range answers {
		ids[i] = a.ID
	}

	cached, err := c.store.GetEntries(ctx, c.model, ids)
	if err != nil {
		return err
	}

	var stale []models.Answer
	hashes := make(map[uuid.UUID]string, len(answers))
	for _, a := range answers {
		h := ContentHash(a.Text)
		hashes[a.ID] = h
		if entry, ok := cached[a.ID]; ok && entry.ContentHash == h {
			continue
		}
		stale = append(stale, a)
	}
	if len(stale) == 0 {
		return nil
	}

	batch := make([]clients.TextItem, len(stale))
	for i, a := range stale {
		batch[i] = clients.TextItem{ID: a.ID, Text: a.Text}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vectors, err := c.embedder.EmbedTexts(callCtx, batch, c.model)
	if err != nil {
		return err
	}

	now := time.Now()
	entries := make([]models.EmbeddingEntry, 0, len(vectors))
	for _, v := range vectors {
		entries = append(entries, models.EmbeddingEntry{
			AnswerID:    v.ID,
			Model:       c.model,
			ContentHash: hashes[v.ID],
			Embedding:   v.Embedding,
			UpdatedAt:   now,
		})
	}

	if err := c.store.Upsert(ctx, entries); err != nil {
		// Best effort: the vectors exist, only the cache write failed.
		c.logger.Warn("embedding cache upsert failed",
			zap.Int("entries", len(entries)),
			zap.Error(err),
		)
	}

	c.logger.Info("embeddings ensured",
		zap.Int("answers", len(answers)),
		zap.Int("embedded", len(stale)),
		zap.String("model", c.model),
	)
	return nil
}

// Embeddings returns the cached vectors for the given answers, keyed by
// answer id. Answers without a cached vector are simply absent.
func (c *Cache) Embeddings(ctx context.Context, answerIDs []uuid.UUID) (map[uuid.UUID][]float32, error) {
	return c.store.GetEmbeddings(ctx, c.model, answerIDs)
}
