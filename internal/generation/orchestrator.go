package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/config"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/metrics"
	"github.com/codeframe/api/internal/models"
	"github.com/codeframe/api/internal/retry"
)

// perClusterEstimate is the rough wall-clock cost of one cluster's code
// generation, used for the caller-facing time estimate.
const perClusterEstimate = 15 * time.Second

// EmbeddingCache is the slice of the embedding cache the pipeline needs
type EmbeddingCache interface {
	Ensure(ctx context.Context, answers []models.Answer) error
	Embeddings(ctx context.Context, answerIDs []uuid.UUID) (map[uuid.UUID][]float32, error)
}

// Clusterer delegates answer grouping to the clustering model
type Clusterer interface {
	ClusterAnswers(ctx context.Context, answers []clients.TextItem, params clients.ClusterParams) (*clients.ClusterResult, error)
}

// Enqueuer publishes one background task per cluster
type Enqueuer interface {
	EnqueueClusterTask(ctx context.Context, task models.ClusterTask) error
}

// StartResult is the immediate acknowledgment for an accepted generation
type StartResult struct {
	Generation       *models.Generation `json:"generation"`
	PollURL          string             `json:"poll_url"`
	EstimatedSeconds int                `json:"estimated_seconds,omitempty"`
}

// Orchestrator validates inputs, picks the strategy and fans the work out.
// It never blocks a caller beyond validation plus clustering; all code
// generation happens off the request path.
type Orchestrator struct {
	generations Store
	answers     AnswerStore
	nodes       hierarchy.Store
	cache       EmbeddingCache
	clusterer   Clusterer
	queue       Enqueuer
	brand       *BrandRunner
	defaults    config.GenerationDefaults
	logger      *zap.Logger
}

func NewOrchestrator(
	generations Store,
	answers AnswerStore,
	nodes hierarchy.Store,
	cache EmbeddingCache,
	clusterer Clusterer,
	queue Enqueuer,
	brand *BrandRunner,
	defaults config.GenerationDefaults,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		generations: generations,
		answers:     answers,
		nodes:       nodes,
		cache:       cache,
		clusterer:   clusterer,
		queue:       queue,
		brand:       brand,
		defaults:    defaults,
		logger:      logger,
	}
}

// applyDefaults fills unset config fields once, at the pipeline boundary.
// Everything downstream can rely on the values being present.
func (o *Orchestrator) applyDefaults(cfg models.GenerationConfig) models.GenerationConfig {
	if cfg.CodingType == "" {
		cfg.CodingType = models.CodingTypeGeneral
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "en"
	}
	if cfg.MinClusterSize == 0 {
		cfg.MinClusterSize = o.defaults.MinClusterSize
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = o.defaults.MinSamples
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = o.defaults.MinConfidence
	}
	return cfg
}

// StartGeneration validates the request, creates the generation record and
// launches the selected strategy. The returned generation is already
// pollable when this returns.
func (o *Orchestrator) StartGeneration(ctx context.Context, categoryID uuid.UUID, answerIDs []uuid.UUID, cfg models.GenerationConfig, userID uuid.UUID) (*StartResult, error) {
	ctx, span := otel.Tracer("generation").Start(ctx, "StartGeneration")
	defer span.End()
	span.SetAttributes(attribute.String("category_id", categoryID.String()))

	cfg = o.applyDefaults(cfg)

	category, err := o.answers.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	eligible, err := o.answers.ListEligible(ctx, categoryID, answerIDs)
	if err != nil {
		return nil, err
	}
	if len(eligible) < o.defaults.MinAnswers {
		return nil, fmt.Errorf("%w: category %s has %d eligible answers, need at least %d",
			ErrInsufficientData, categoryID, len(eligible), o.defaults.MinAnswers)
	}

	metrics.GenerationsStarted.WithLabelValues(string(cfg.CodingType)).Inc()

	if cfg.CodingType == models.CodingTypeBrand {
		return o.startBrand(ctx, category, eligible, cfg, userID)
	}
	return o.startClustered(ctx, category, eligible, cfg, userID)
}

// startBrand creates the generation with a placeholder single-cluster shape
// and hands the long extraction call to the supervised brand runner.
func (o *Orchestrator) startBrand(ctx context.Context, category *models.Category, eligible []models.Answer, cfg models.GenerationConfig, userID uuid.UUID) (*StartResult, error) {
	gen := &models.Generation{
		ID:              uuid.New(),
		CategoryID:      category.ID,
		Config:          cfg,
		NAnswers:        len(eligible),
		NClusters:       1,
		Status:          models.GenerationStatusProcessing,
		ProgressPercent: 0,
		CurrentStep:     "extracting brands",
		CreatedBy:       userID,
	}
	if err := o.generations.Create(ctx, gen); err != nil {
		return nil, err
	}

	o.brand.Launch(gen, category, eligible)

	o.logger.Info("brand generation started",
		zap.String("generation_id", gen.ID.String()),
		zap.String("category_id", category.ID.String()),
		zap.Int("n_answers", len(eligible)),
	)
	return &StartResult{Generation: gen, PollURL: pollURL(gen.ID)}, nil
}

// startClustered ensures embeddings, clusters the answers and enqueues one
// task per cluster.
func (o *Orchestrator) startClustered(ctx context.Context, category *models.Category, eligible []models.Answer, cfg models.GenerationConfig, userID uuid.UUID) (*StartResult, error) {
	retryCfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		Retryable:    clients.IsTransient,
		Logger:       o.logger,
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return o.cache.Ensure(ctx, eligible)
	}); err != nil {
		return nil, fmt.Errorf("ensure embeddings: %w", err)
	}

	items := make([]clients.TextItem, len(eligible))
	for i, a := range eligible {
		items[i] = clients.TextItem{ID: a.ID, Text: a.Text}
	}
	params := clients.ClusterParams{
		MinClusterSize: cfg.MinClusterSize,
		MinSamples:     cfg.MinSamples,
	}

	var result *clients.ClusterResult
	if err := retry.Do(ctx, retryCfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.defaults.ClusteringTimeout)
		defer cancel()
		var err error
		result, err = o.clusterer.ClusterAnswers(callCtx, items, params)
		return err
	}); err != nil {
		return nil, fmt.Errorf("cluster answers: %w", err)
	}

	if result.NClusters == 0 {
		return nil, fmt.Errorf("%w: clustering found no clusters (noise=%d)", ErrInsufficientData, result.NoiseCount)
	}

	gen := &models.Generation{
		ID:              uuid.New(),
		CategoryID:      category.ID,
		Config:          cfg,
		NAnswers:        len(eligible),
		NClusters:       result.NClusters,
		Status:          models.GenerationStatusProcessing,
		CurrentStep:     fmt.Sprintf("generating codes for %d clusters", result.NClusters),
		CreatedBy:       userID,
	}
	if err := o.generations.Create(ctx, gen); err != nil {
		return nil, err
	}

	for clusterID, cluster := range result.Clusters {
		task := models.ClusterTask{
			GenerationID:        gen.ID,
			ClusterID:           clusterID,
			ClusterTexts:        cluster.Texts,
			ClusterSize:         cluster.Size,
			ClusterConfidence:   cluster.Confidence,
			CategoryName:        category.Name,
			CategoryDescription: category.Description,
			Config:              cfg,
		}
		if err := o.queue.EnqueueClusterTask(ctx, task); err != nil {
			msg := fmt.Sprintf("failed to enqueue cluster %d: %v", clusterID, err)
			if markErr := o.generations.MarkFailed(ctx, gen.ID, msg); markErr != nil {
				o.logger.Error("failed to mark generation failed", zap.Error(markErr))
			}
			return nil, fmt.Errorf("enqueue cluster %d: %w", clusterID, err)
		}
	}

	o.logger.Info("clustered generation started",
		zap.String("generation_id", gen.ID.String()),
		zap.String("category_id", category.ID.String()),
		zap.Int("n_answers", len(eligible)),
		zap.Int("n_clusters", result.NClusters),
		zap.Int("noise_count", result.NoiseCount),
	)

	return &StartResult{
		Generation:       gen,
		PollURL:          pollURL(gen.ID),
		EstimatedSeconds: result.NClusters * int(perClusterEstimate.Seconds()),
	}, nil
}

// Get returns one generation
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return o.generations.Get(ctx, id)
}

// List returns a category's generations, newest first
func (o *Orchestrator) List(ctx context.Context, categoryID uuid.UUID) ([]*models.Generation, error) {
	return o.generations.ListByCategory(ctx, categoryID)
}

// Delete removes a generation and, by cascade, its hierarchy. Already
// dispatched cluster tasks are not interrupted; their writes land on a
// record that no longer exists and are ignored.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	return o.generations.Delete(ctx, id)
}

func pollURL(id uuid.UUID) string {
	return fmt.Sprintf("/api/v1/codeframe/generation/%s", id)
}
