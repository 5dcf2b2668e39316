package generation

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/metrics"
	"github.com/codeframe/api/internal/models"
)

// applyParallelism bounds the scoring fan-out
const applyParallelism = 4

// ApplyEngine assigns the generated codes back onto the category's answers
// by cosine similarity between cached answer embeddings and code-node
// embeddings. Matches at or above the auto-confirm threshold become
// provisional assignments; everything else stays for manual review.
type ApplyEngine struct {
	generations Store
	answers     AnswerStore
	nodes       hierarchy.Store
	cache       EmbeddingCache
	assignments AssignmentStore
	threshold   float64
	logger      *zap.Logger
}

func NewApplyEngine(generations Store, answers AnswerStore, nodes hierarchy.Store, cache EmbeddingCache, assignments AssignmentStore, threshold float64, logger *zap.Logger) *ApplyEngine {
	return &ApplyEngine{
		generations: generations,
		answers:     answers,
		nodes:       nodes,
		cache:       cache,
		assignments: assignments,
		threshold:   threshold,
		logger:      logger,
	}
}

// Apply runs the similarity pass for one completed generation. threshold <= 0
// uses the engine default. The comparison is inclusive: a best match exactly
// at the threshold is auto-confirmed.
func (e *ApplyEngine) Apply(ctx context.Context, generationID uuid.UUID, threshold float64) (*models.ApplyResult, error) {
	if threshold <= 0 {
		threshold = e.threshold
	}

	gen, err := e.generations.Get(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if gen.Status != models.GenerationStatusCompleted {
		return nil, ErrInvalidStatus
	}

	answers, err := e.answers.ListByCategory(ctx, gen.CategoryID)
	if err != nil {
		return nil, err
	}

	nodes, err := e.nodes.ListByGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}
	var codes []*models.HierarchyNode
	for _, n := range nodes {
		if n.NodeType == models.NodeTypeCode && len(n.Embedding) > 0 {
			codes = append(codes, n)
		}
	}

	ids := make([]uuid.UUID, len(answers))
	for i, a := range answers {
		ids[i] = a.ID
	}
	vectors, err := e.cache.Embeddings(ctx, ids)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		assigned []models.CodeAssignment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(applyParallelism)

	for _, answer := range answers {
		vec, ok := vectors[answer.ID]
		if !ok || len(codes) == 0 {
			continue
		}
		answer := answer
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			best, sim := bestMatch(vec, codes)
			if best == nil || !autoConfirm(sim, threshold) {
				return nil
			}
			mu.Lock()
			assigned = append(assigned, models.CodeAssignment{
				AnswerID:   answer.ID,
				CodeID:     best.ID,
				Similarity: sim,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.assignments.Replace(ctx, generationID, assigned); err != nil {
		return nil, err
	}
	if err := e.generations.MarkApplied(ctx, generationID); err != nil {
		return nil, err
	}

	result := &models.ApplyResult{
		Total:    len(answers),
		Assigned: len(assigned),
		Pending:  len(answers) - len(assigned),
	}
	metrics.AppliedAssignments.WithLabelValues("assigned").Add(float64(result.Assigned))
	metrics.AppliedAssignments.WithLabelValues("pending").Add(float64(result.Pending))

	e.logger.Info("codeframe applied",
		zap.String("generation_id", generationID.String()),
		zap.Int("total", result.Total),
		zap.Int("assigned", result.Assigned),
		zap.Int("pending", result.Pending),
		zap.Float64("threshold", threshold),
	)
	return result, nil
}

// autoConfirm decides whether a similarity score earns an assignment.
// The threshold itself passes.
func autoConfirm(sim, threshold float64) bool {
	return sim >= threshold
}

// bestMatch scans every code node and returns the highest-similarity one
func bestMatch(vec []float32, codes []*models.HierarchyNode) (*models.HierarchyNode, float64) {
	var (
		best *models.HierarchyNode
		max  = math.Inf(-1)
	)
	for _, code := range codes {
		sim := CosineSimilarity(vec, code.Embedding)
		if sim > max {
			max = sim
			best = code
		}
	}
	return best, max
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is empty, mismatched or zero-length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
