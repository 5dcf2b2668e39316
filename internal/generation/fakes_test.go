package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/models"
)

// memGenerationStore mirrors PGStore semantics in memory, including the
// forward-only status transitions.
type memGenerationStore struct {
	mu          sync.Mutex
	generations map[uuid.UUID]*models.Generation
	meceSamples map[uuid.UUID]int
}

func newMemGenerationStore() *memGenerationStore {
	return &memGenerationStore{
		generations: make(map[uuid.UUID]*models.Generation),
		meceSamples: make(map[uuid.UUID]int),
	}
}

func (s *memGenerationStore) Create(_ context.Context, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.generations[g.ID] = &cp
	return nil
}

func (s *memGenerationStore) Get(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memGenerationStore) ListByCategory(_ context.Context, categoryID uuid.UUID) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Generation
	for _, g := range s.generations {
		if g.CategoryID == categoryID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memGenerationStore) UpdateProgress(_ context.Context, id uuid.UUID, nThemes, nCodes, percent int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return ErrNotFound
	}
	g.NThemes = nThemes
	g.NCodes = nCodes
	g.ProgressPercent = percent
	g.CurrentStep = step
	g.UpdatedAt = time.Now()
	return nil
}

func (s *memGenerationStore) AddUsage(_ context.Context, id uuid.UUID, inputTokens, outputTokens int64, costUSD, meceScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return ErrNotFound
	}
	g.InputTokens += inputTokens
	g.OutputTokens += outputTokens
	g.CostUSD += costUSD
	n := s.meceSamples[id]
	prev := 0.0
	if g.MECEScore != nil {
		prev = *g.MECEScore
	}
	mean := (prev*float64(n) + meceScore) / float64(n+1)
	g.MECEScore = &mean
	s.meceSamples[id] = n + 1
	return nil
}

func (s *memGenerationStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || g.Status != models.GenerationStatusProcessing {
		return nil
	}
	g.Status = models.GenerationStatusCompleted
	g.ProgressPercent = 100
	g.CurrentStep = "completed"
	now := time.Now()
	g.CompletedAt = &now
	return nil
}

func (s *memGenerationStore) MarkFailed(_ context.Context, id uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || g.Status != models.GenerationStatusProcessing {
		return nil
	}
	g.Status = models.GenerationStatusFailed
	g.CurrentStep = "failed"
	g.ErrorMessage = &errorMessage
	return nil
}

func (s *memGenerationStore) MarkApplied(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || g.Status != models.GenerationStatusCompleted {
		return ErrInvalidStatus
	}
	g.Status = models.GenerationStatusApplied
	return nil
}

func (s *memGenerationStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[id]; !ok {
		return ErrNotFound
	}
	delete(s.generations, id)
	return nil
}

// memAnswerStore serves a fixed category and answer set
type memAnswerStore struct {
	category *models.Category
	answers  []models.Answer
}

func (s *memAnswerStore) GetCategory(_ context.Context, id uuid.UUID) (*models.Category, error) {
	if s.category == nil || s.category.ID != id {
		return nil, ErrCategoryNotFound
	}
	cp := *s.category
	return &cp, nil
}

func (s *memAnswerStore) ListEligible(_ context.Context, categoryID uuid.UUID, answerIDs []uuid.UUID) ([]models.Answer, error) {
	wanted := make(map[uuid.UUID]bool, len(answerIDs))
	for _, id := range answerIDs {
		wanted[id] = true
	}
	var out []models.Answer
	for _, a := range s.answers {
		if a.CategoryID != categoryID || a.CodeID != nil || a.Text == "" {
			continue
		}
		if len(answerIDs) > 0 && !wanted[a.ID] {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *memAnswerStore) ListByCategory(_ context.Context, categoryID uuid.UUID) ([]models.Answer, error) {
	var out []models.Answer
	for _, a := range s.answers {
		if a.CategoryID == categoryID {
			out = append(out, a)
		}
	}
	return out, nil
}

// memAssignmentStore records the last Replace call
type memAssignmentStore struct {
	mu          sync.Mutex
	assignments map[uuid.UUID][]models.CodeAssignment
}

func newMemAssignmentStore() *memAssignmentStore {
	return &memAssignmentStore{assignments: make(map[uuid.UUID][]models.CodeAssignment)}
}

func (s *memAssignmentStore) Replace(_ context.Context, generationID uuid.UUID, assignments []models.CodeAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[generationID] = append([]models.CodeAssignment(nil), assignments...)
	return nil
}

// fakeEmbeddingCache returns canned vectors and counts Ensure calls
type fakeEmbeddingCache struct {
	mu      sync.Mutex
	ensures int
	vectors map[uuid.UUID][]float32
	err     error
}

func (c *fakeEmbeddingCache) Ensure(_ context.Context, _ []models.Answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensures++
	return c.err
}

func (c *fakeEmbeddingCache) Embeddings(_ context.Context, answerIDs []uuid.UUID) (map[uuid.UUID][]float32, error) {
	out := make(map[uuid.UUID][]float32, len(answerIDs))
	for _, id := range answerIDs {
		if v, ok := c.vectors[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// fakeClusterer returns a fixed cluster result
type fakeClusterer struct {
	result *clients.ClusterResult
	err    error
}

func (f *fakeClusterer) ClusterAnswers(_ context.Context, _ []clients.TextItem, _ clients.ClusterParams) (*clients.ClusterResult, error) {
	return f.result, f.err
}

// fakeEnqueuer records enqueued tasks
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []models.ClusterTask
	err   error
}

func (f *fakeEnqueuer) EnqueueClusterTask(_ context.Context, task models.ClusterTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

// fakeCodegen returns one theme per cluster, keyed by the first cluster text
type fakeCodegen struct {
	mu    sync.Mutex
	calls int
	err   error
	resp  func(req clients.CodegenRequest) *clients.CodegenResponse
}

func (f *fakeCodegen) GenerateCodes(_ context.Context, req clients.CodegenRequest) (*clients.CodegenResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp(req), nil
	}
	return &clients.CodegenResponse{
		Theme: clients.GeneratedTheme{Name: "theme", Confidence: 0.9},
		Codes: []clients.GeneratedCode{
			{Name: "code-a", Confidence: 0.8},
			{Name: "code-b", Confidence: 0.7},
		},
		MECEScore: 0.85,
		Usage:     clients.Usage{InputTokens: 100, OutputTokens: 50},
		CostUSD:   0.01,
	}, nil
}

// fakeExtractor drives the brand path
type fakeExtractor struct {
	resp      *clients.BrandResponse
	healthErr error
	block     bool
}

func (f *fakeExtractor) ExtractBrands(ctx context.Context, _ clients.BrandRequest) (*clients.BrandResponse, error) {
	if f.block {
		<-ctx.Done()
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, ctx.Err()
	}
	return f.resp, nil
}

func (f *fakeExtractor) Health(_ context.Context) error {
	return f.healthErr
}

var errBoom = errors.New("boom")

func testAnswers(categoryID uuid.UUID, n int) []models.Answer {
	out := make([]models.Answer, n)
	for i := range out {
		out[i] = models.Answer{ID: uuid.New(), CategoryID: categoryID, Text: "answer text"}
	}
	return out
}
