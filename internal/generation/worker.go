package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/metrics"
	"github.com/codeframe/api/internal/models"
)

// CodeGenerator is the slice of the AI service the worker needs
type CodeGenerator interface {
	GenerateCodes(ctx context.Context, req clients.CodegenRequest) (*clients.CodegenResponse, error)
}

// Worker consumes one cluster task at a time: it calls the code-generation
// model, persists the returned theme+code subtree and recomputes the
// generation's progress by re-counting theme nodes. The recount (rather than
// an in-memory increment) keeps the final state correct for any completion
// order and for duplicate deliveries.
type Worker struct {
	generations Store
	nodes       hierarchy.Store
	codegen     CodeGenerator
	timeout     time.Duration
	policy      FailurePolicy
	logger      *zap.Logger
}

func NewWorker(generations Store, nodes hierarchy.Store, codegen CodeGenerator, timeout time.Duration, policy FailurePolicy, logger *zap.Logger) *Worker {
	if policy == nil {
		policy = FailWholeGeneration
	}
	return &Worker{
		generations: generations,
		nodes:       nodes,
		codegen:     codegen,
		timeout:     timeout,
		policy:      policy,
		logger:      logger,
	}
}

// Handle processes one delivery of a cluster task. It satisfies queue.Handler.
func (w *Worker) Handle(ctx context.Context, task models.ClusterTask, attempt int, final bool) error {
	ctx, span := otel.Tracer("generation").Start(ctx, "ClusterTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation_id", task.GenerationID.String()),
		attribute.Int("cluster_id", task.ClusterID),
		attribute.Int("attempt", attempt),
	)

	gen, err := w.generations.Get(ctx, task.GenerationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Generation was deleted while the task was queued.
			w.logger.Info("dropping task for deleted generation",
				zap.String("generation_id", task.GenerationID.String()),
				zap.Int("cluster_id", task.ClusterID),
			)
			return nil
		}
		return err
	}
	if gen.Status != models.GenerationStatusProcessing {
		w.logger.Info("dropping task for finished generation",
			zap.String("generation_id", gen.ID.String()),
			zap.String("status", string(gen.Status)),
			zap.Int("cluster_id", task.ClusterID),
		)
		return nil
	}

	// A redelivery after the subtree landed must not insert it twice. A
	// failed read here goes back to the queue; generating on a guess could
	// double-insert the theme.
	done, err := w.clusterAlreadyPersisted(ctx, gen.ID, task.ClusterID)
	if err != nil {
		return err
	}
	if done {
		metrics.ClusterTasks.WithLabelValues("duplicate").Inc()
		return w.recomputeProgress(ctx, gen)
	}

	resp, err := w.generate(ctx, task)
	if err != nil {
		if final && w.policy(gen, task.ClusterID, err) {
			w.failGeneration(ctx, gen, task.ClusterID, err)
			metrics.ClusterTasks.WithLabelValues("failed").Inc()
		} else if !final {
			metrics.ClusterTasks.WithLabelValues("retried").Inc()
		}
		return err
	}

	if err := w.persistSubtree(ctx, gen, task, resp); err != nil {
		if final && w.policy(gen, task.ClusterID, err) {
			w.failGeneration(ctx, gen, task.ClusterID, err)
			metrics.ClusterTasks.WithLabelValues("failed").Inc()
		}
		return err
	}

	if err := w.generations.AddUsage(ctx, gen.ID,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.CostUSD, resp.MECEScore); err != nil {
		w.logger.Warn("failed to add usage aggregates", zap.Error(err))
	}

	metrics.ClusterTasks.WithLabelValues("ok").Inc()
	return w.recomputeProgress(ctx, gen)
}

func (w *Worker) generate(ctx context.Context, task models.ClusterTask) (*clients.CodegenResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	return w.codegen.GenerateCodes(callCtx, clients.CodegenRequest{
		ClusterTexts:        task.ClusterTexts,
		CategoryName:        task.CategoryName,
		CategoryDescription: task.CategoryDescription,
		TargetLanguage:      task.Config.TargetLanguage,
		ExistingCodes:       task.Config.ExistingCodes,
		HierarchyPreference: task.Config.HierarchyPreference,
	})
}

// persistSubtree builds the theme node plus the code tree depth-first and
// writes the whole batch atomically. All-or-nothing matters: a redelivery
// after a partial write would see the theme, skip the cluster and complete
// the generation with its codes missing.
func (w *Worker) persistSubtree(ctx context.Context, gen *models.Generation, task models.ClusterTask, resp *clients.CodegenResponse) error {
	clusterID := task.ClusterID
	theme := &models.HierarchyNode{
		ID:           uuid.New(),
		GenerationID: gen.ID,
		Level:        models.LevelTheme,
		NodeType:     models.NodeTypeTheme,
		Name:         resp.Theme.Name,
		Description:  resp.Theme.Description,
		Confidence:   resp.Theme.Confidence,
		ClusterID:    &clusterID,
		ClusterSize:  task.ClusterSize,
		DisplayOrder: clusterID,
	}
	subtree := append([]*models.HierarchyNode{theme},
		buildCodeNodes(gen.ID, theme.ID, models.LevelCode, clusterID, resp.Codes)...)
	if err := w.nodes.InsertSubtree(ctx, subtree); err != nil {
		return fmt.Errorf("persist subtree for cluster %d: %w", clusterID, err)
	}
	return nil
}

func buildCodeNodes(genID, parentID uuid.UUID, level, clusterID int, codes []clients.GeneratedCode) []*models.HierarchyNode {
	var out []*models.HierarchyNode
	for i, code := range codes {
		node := &models.HierarchyNode{
			ID:                uuid.New(),
			GenerationID:      genID,
			ParentID:          &parentID,
			Level:             level,
			NodeType:          models.NodeTypeCode,
			Name:              code.Name,
			Description:       code.Description,
			Confidence:        code.Confidence,
			ClusterID:         &clusterID,
			FrequencyEstimate: code.FrequencyEstimate,
			DisplayOrder:      i,
			Embedding:         code.Embedding,
			ExampleTexts:      code.ExampleTexts,
		}
		out = append(out, node)
		if len(code.SubCodes) > 0 {
			out = append(out, buildCodeNodes(genID, node.ID, level+1, clusterID, code.SubCodes)...)
		}
	}
	return out
}

// recomputeProgress re-queries the hierarchy instead of trusting any counter
// held in memory, so retried and out-of-order completions stay correct.
func (w *Worker) recomputeProgress(ctx context.Context, gen *models.Generation) error {
	themes, codes, err := w.nodes.CountByType(ctx, gen.ID)
	if err != nil {
		return err
	}

	percent := 0
	if gen.NClusters > 0 {
		percent = themes * 100 / gen.NClusters
		if percent > 100 {
			percent = 100
		}
	}
	step := fmt.Sprintf("generated %d/%d clusters", themes, gen.NClusters)
	if err := w.generations.UpdateProgress(ctx, gen.ID, themes, codes, percent, step); err != nil {
		return err
	}

	if themes >= gen.NClusters {
		if err := w.generations.MarkCompleted(ctx, gen.ID); err != nil {
			return err
		}
		metrics.GenerationsCompleted.Inc()
		w.logger.Info("generation completed",
			zap.String("generation_id", gen.ID.String()),
			zap.Int("n_themes", themes),
			zap.Int("n_codes", codes),
		)
	}
	return nil
}

func (w *Worker) clusterAlreadyPersisted(ctx context.Context, genID uuid.UUID, clusterID int) (bool, error) {
	nodes, err := w.nodes.ListByGeneration(ctx, genID)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.NodeType == models.NodeTypeTheme && n.ClusterID != nil && *n.ClusterID == clusterID {
			return true, nil
		}
	}
	return false, nil
}

type clusterFailure struct {
	ClusterID int    `json:"cluster_id"`
	Error     string `json:"error"`
}

func (w *Worker) failGeneration(ctx context.Context, gen *models.Generation, clusterID int, cause error) {
	payload, _ := json.Marshal(clusterFailure{ClusterID: clusterID, Error: cause.Error()})
	if err := w.generations.MarkFailed(ctx, gen.ID, string(payload)); err != nil {
		w.logger.Error("failed to mark generation failed",
			zap.String("generation_id", gen.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.GenerationsFailed.Inc()
	w.logger.Error("generation failed",
		zap.String("generation_id", gen.ID.String()),
		zap.Int("cluster_id", clusterID),
		zap.Error(cause),
	)
}
