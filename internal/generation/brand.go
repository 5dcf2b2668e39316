package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/metrics"
	"github.com/codeframe/api/internal/models"
)

// BrandExtractor is the slice of the AI service the brand path needs
type BrandExtractor interface {
	ExtractBrands(ctx context.Context, req clients.BrandRequest) (*clients.BrandResponse, error)
	Health(ctx context.Context) error
}

// watchdogFailureLimit is how many consecutive failed health checks mean the
// service is down.
const watchdogFailureLimit = 2

// BrandRunner executes the clustering-free strategy: one long extraction call
// per generation, supervised by a periodic health-check watchdog that aborts
// early when the service dies instead of waiting out the full timeout. There
// is no automatic retry; a failed brand generation requires a new start.
type BrandRunner struct {
	generations Store
	nodes       hierarchy.Store
	extractor   BrandExtractor
	timeout     time.Duration
	interval    time.Duration
	logger      *zap.Logger
}

func NewBrandRunner(generations Store, nodes hierarchy.Store, extractor BrandExtractor, timeout, watchdogInterval time.Duration, logger *zap.Logger) *BrandRunner {
	return &BrandRunner{
		generations: generations,
		nodes:       nodes,
		extractor:   extractor,
		timeout:     timeout,
		interval:    watchdogInterval,
		logger:      logger,
	}
}

// Launch starts the extraction in the background. The HTTP caller gets back
// immediately; outcome lands on the generation record.
func (r *BrandRunner) Launch(gen *models.Generation, category *models.Category, answers []models.Answer) {
	go r.Run(context.Background(), gen, category, answers)
}

// Run performs one supervised extraction. Exported so tests can run it
// synchronously.
func (r *BrandRunner) Run(parent context.Context, gen *models.Generation, category *models.Category, answers []models.Answer) {
	ctx, cancel := context.WithTimeoutCause(parent, r.timeout, clients.ErrUpstreamTransient)
	defer cancel()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	watchdogDone := make(chan struct{})
	go r.watchdog(ctx, abort, watchdogDone)

	resp, err := r.extract(ctx, gen, category, answers)
	abort(nil)
	<-watchdogDone

	bgCtx, bgCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bgCancel()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, clients.ErrServiceDied) {
			msg = "brand extraction aborted: AI service stopped responding to health checks"
		}
		if markErr := r.generations.MarkFailed(bgCtx, gen.ID, msg); markErr != nil {
			r.logger.Error("failed to mark brand generation failed", zap.Error(markErr))
		}
		metrics.GenerationsFailed.Inc()
		r.logger.Error("brand extraction failed",
			zap.String("generation_id", gen.ID.String()),
			zap.Error(err),
		)
		return
	}

	if err := r.persist(bgCtx, gen, resp); err != nil {
		if markErr := r.generations.MarkFailed(bgCtx, gen.ID, fmt.Sprintf("persist brand results: %v", err)); markErr != nil {
			r.logger.Error("failed to mark brand generation failed", zap.Error(markErr))
		}
		metrics.GenerationsFailed.Inc()
		return
	}

	metrics.GenerationsCompleted.Inc()
	r.logger.Info("brand extraction completed",
		zap.String("generation_id", gen.ID.String()),
		zap.Int("verified", len(resp.VerifiedBrands)),
		zap.Int("needs_review", len(resp.NeedsReview)),
		zap.Int("rejected", len(resp.SpamInvalid)),
		zap.Int64("processing_time_ms", resp.ProcessingTimeMS),
	)
}

func (r *BrandRunner) extract(ctx context.Context, gen *models.Generation, category *models.Category, answers []models.Answer) (*clients.BrandResponse, error) {
	items := make([]clients.TextItem, len(answers))
	for i, a := range answers {
		items[i] = clients.TextItem{ID: a.ID, Text: a.Text}
	}
	return r.extractor.ExtractBrands(ctx, clients.BrandRequest{
		Answers:             items,
		CategoryName:        category.Name,
		CategoryDescription: category.Description,
		TargetLanguage:      gen.Config.TargetLanguage,
		MinConfidence:       gen.Config.MinConfidence,
		Provider:            gen.Config.Provider,
		ProviderKey:         gen.Config.ProviderKey,
	})
}

// watchdog polls the health endpoint until ctx ends. Consecutive failures
// past the limit abort the extraction with ErrServiceDied.
func (r *BrandRunner) watchdog(ctx context.Context, abort context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := r.extractor.Health(healthCtx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			r.logger.Warn("brand watchdog health check failed",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= watchdogFailureLimit {
				abort(clients.ErrServiceDied)
				return
			}
		}
	}
}

// persist flattens the three buckets, in verified / needs-review / rejected
// order, into one theme plus flat level-2 code nodes, written as one atomic
// batch so a failure leaves no partial tree.
func (r *BrandRunner) persist(ctx context.Context, gen *models.Generation, resp *clients.BrandResponse) error {
	theme := &models.HierarchyNode{
		ID:           uuid.New(),
		GenerationID: gen.ID,
		Level:        models.LevelTheme,
		NodeType:     models.NodeTypeTheme,
		Name:         resp.ThemeName,
		Description:  resp.ThemeDescription,
		Confidence:   resp.ThemeConfidence,
		ClusterSize:  gen.NAnswers,
	}
	subtree := []*models.HierarchyNode{theme}

	order := 0
	for _, bucket := range [][]clients.ExtractedBrand{resp.VerifiedBrands, resp.NeedsReview, resp.SpamInvalid} {
		for _, brand := range bucket {
			subtree = append(subtree, &models.HierarchyNode{
				ID:                uuid.New(),
				GenerationID:      gen.ID,
				ParentID:          &theme.ID,
				Level:             models.LevelCode,
				NodeType:          models.NodeTypeCode,
				Name:              brand.Name,
				Description:       brand.Description,
				Confidence:        brand.Confidence,
				FrequencyEstimate: brand.MentionCount,
				DisplayOrder:      order,
				Embedding:         brand.Embedding,
				ExampleTexts:      brand.ExampleTexts,
				VariantNames:      brand.VariantNames,
			})
			order++
		}
	}
	if err := r.nodes.InsertSubtree(ctx, subtree); err != nil {
		return err
	}

	if err := r.generations.UpdateProgress(ctx, gen.ID, 1, order, 100, "completed"); err != nil {
		return err
	}
	return r.generations.MarkCompleted(ctx, gen.ID)
}
