package generation

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/models"
)

type workerFixture struct {
	generations *memGenerationStore
	nodes       *hierarchy.MemStore
	codegen     *fakeCodegen
	worker      *Worker
	gen         *models.Generation
}

func newWorkerFixture(t *testing.T, nClusters int, codegen *fakeCodegen) *workerFixture {
	t.Helper()
	f := &workerFixture{
		generations: newMemGenerationStore(),
		nodes:       hierarchy.NewMemStore(),
		codegen:     codegen,
	}
	f.worker = NewWorker(f.generations, f.nodes, codegen, time.Minute, nil, zap.NewNop())
	f.gen = &models.Generation{
		ID:         uuid.New(),
		CategoryID: uuid.New(),
		Status:     models.GenerationStatusProcessing,
		NClusters:  nClusters,
		NAnswers:   nClusters * 5,
	}
	if err := f.generations.Create(context.Background(), f.gen); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return f
}

func (f *workerFixture) task(clusterID int) models.ClusterTask {
	return models.ClusterTask{
		GenerationID: f.gen.ID,
		ClusterID:    clusterID,
		ClusterTexts: []string{"text " + strconv.Itoa(clusterID)},
		ClusterSize:  5,
		CategoryName: "Snacks",
		Config:       models.GenerationConfig{TargetLanguage: "en"},
	}
}

func TestWorkerCompletesOutOfOrder(t *testing.T) {
	f := newWorkerFixture(t, 3, &fakeCodegen{})
	ctx := context.Background()

	for _, clusterID := range []int{2, 0, 1} {
		if err := f.worker.Handle(ctx, f.task(clusterID), 1, false); err != nil {
			t.Fatalf("Handle cluster %d failed: %v", clusterID, err)
		}
	}

	gen, err := f.generations.Get(ctx, f.gen.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gen.Status != models.GenerationStatusCompleted {
		t.Fatalf("Expected status completed, got %s", gen.Status)
	}
	if gen.NThemes != 3 {
		t.Errorf("Expected 3 themes, got %d", gen.NThemes)
	}
	if gen.NCodes != 6 {
		t.Errorf("Expected 6 codes, got %d", gen.NCodes)
	}
	if gen.ProgressPercent != 100 {
		t.Errorf("Expected 100%% progress, got %d", gen.ProgressPercent)
	}
	if gen.InputTokens != 300 || gen.OutputTokens != 150 {
		t.Errorf("Expected accumulated usage 300/150, got %d/%d", gen.InputTokens, gen.OutputTokens)
	}
	if gen.MECEScore == nil || *gen.MECEScore < 0.84 || *gen.MECEScore > 0.86 {
		t.Errorf("Expected mean MECE 0.85, got %v", gen.MECEScore)
	}
}

func TestWorkerPartialProgress(t *testing.T) {
	f := newWorkerFixture(t, 4, &fakeCodegen{})
	ctx := context.Background()

	if err := f.worker.Handle(ctx, f.task(0), 1, false); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	gen, _ := f.generations.Get(ctx, f.gen.ID)
	if gen.Status != models.GenerationStatusProcessing {
		t.Errorf("Expected status processing, got %s", gen.Status)
	}
	if gen.ProgressPercent != 25 {
		t.Errorf("Expected 25%% progress, got %d", gen.ProgressPercent)
	}
	if gen.NThemes != 1 {
		t.Errorf("Expected 1 theme, got %d", gen.NThemes)
	}
}

func TestWorkerDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newWorkerFixture(t, 2, &fakeCodegen{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.worker.Handle(ctx, f.task(0), 1, false); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}

	themes, codes, err := f.nodes.CountByType(ctx, f.gen.ID)
	if err != nil {
		t.Fatalf("CountByType failed: %v", err)
	}
	if themes != 1 {
		t.Errorf("Expected 1 theme after duplicate deliveries, got %d", themes)
	}
	if codes != 2 {
		t.Errorf("Expected 2 codes after duplicate deliveries, got %d", codes)
	}
	if f.codegen.calls != 1 {
		t.Errorf("Expected 1 model call, got %d", f.codegen.calls)
	}

	gen, _ := f.generations.Get(ctx, f.gen.ID)
	if gen.Status != models.GenerationStatusProcessing {
		t.Errorf("Expected status processing with 1/2 clusters, got %s", gen.Status)
	}
}

func TestWorkerNonFinalFailureRetries(t *testing.T) {
	f := newWorkerFixture(t, 2, &fakeCodegen{err: errBoom})
	ctx := context.Background()

	if err := f.worker.Handle(ctx, f.task(0), 1, false); err == nil {
		t.Fatal("Expected handler error on non-final attempt")
	}

	gen, _ := f.generations.Get(ctx, f.gen.ID)
	if gen.Status != models.GenerationStatusProcessing {
		t.Errorf("Non-final failure must not fail the generation, got %s", gen.Status)
	}
}

func TestWorkerFinalFailureFailsGeneration(t *testing.T) {
	f := newWorkerFixture(t, 2, &fakeCodegen{err: errBoom})
	ctx := context.Background()

	if err := f.worker.Handle(ctx, f.task(1), 3, true); err == nil {
		t.Fatal("Expected handler error on final attempt")
	}

	gen, _ := f.generations.Get(ctx, f.gen.ID)
	if gen.Status != models.GenerationStatusFailed {
		t.Fatalf("Expected status failed, got %s", gen.Status)
	}
	if gen.ErrorMessage == nil {
		t.Fatal("Expected error message on failed generation")
	}
	if !strings.Contains(*gen.ErrorMessage, `"cluster_id":1`) {
		t.Errorf("Expected failing cluster id in error payload, got %q", *gen.ErrorMessage)
	}
}

func TestWorkerDropsTaskForDeletedGeneration(t *testing.T) {
	f := newWorkerFixture(t, 1, &fakeCodegen{})
	ctx := context.Background()

	task := f.task(0)
	task.GenerationID = uuid.New()
	if err := f.worker.Handle(ctx, task, 1, false); err != nil {
		t.Fatalf("Expected deleted-generation task to be dropped, got %v", err)
	}
	if f.codegen.calls != 0 {
		t.Errorf("Expected no model calls, got %d", f.codegen.calls)
	}
}

func TestWorkerDropsTaskForFailedGeneration(t *testing.T) {
	f := newWorkerFixture(t, 2, &fakeCodegen{})
	ctx := context.Background()

	if err := f.generations.MarkFailed(ctx, f.gen.ID, "earlier cluster failed"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := f.worker.Handle(ctx, f.task(1), 2, false); err != nil {
		t.Fatalf("Expected finished-generation task to be dropped, got %v", err)
	}
	if f.codegen.calls != 0 {
		t.Errorf("Expected no model calls, got %d", f.codegen.calls)
	}
}

func TestWorkerPersistsNestedSubCodes(t *testing.T) {
	codegen := &fakeCodegen{resp: func(_ clients.CodegenRequest) *clients.CodegenResponse {
		return &clients.CodegenResponse{
			Theme: clients.GeneratedTheme{Name: "Flavors", Confidence: 0.9},
			Codes: []clients.GeneratedCode{
				{Name: "Sweet", Confidence: 0.8, SubCodes: []clients.GeneratedCode{
					{Name: "Chocolate", Confidence: 0.7},
				}},
			},
		}
	}}
	f := newWorkerFixture(t, 1, codegen)
	ctx := context.Background()

	if err := f.worker.Handle(ctx, f.task(0), 1, false); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	nodes, err := f.nodes.ListByGeneration(ctx, f.gen.ID)
	if err != nil {
		t.Fatalf("ListByGeneration failed: %v", err)
	}
	byName := make(map[string]*models.HierarchyNode, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}

	theme, ok := byName["Flavors"]
	if !ok {
		t.Fatal("Theme node missing")
	}
	if theme.Level != models.LevelTheme || theme.NodeType != models.NodeTypeTheme {
		t.Errorf("Unexpected theme shape: level=%d type=%s", theme.Level, theme.NodeType)
	}
	sweet, ok := byName["Sweet"]
	if !ok {
		t.Fatal("Code node missing")
	}
	if sweet.ParentID == nil || *sweet.ParentID != theme.ID {
		t.Error("Code not parented to theme")
	}
	if sweet.Level != models.LevelCode {
		t.Errorf("Expected code level %d, got %d", models.LevelCode, sweet.Level)
	}
	sub, ok := byName["Chocolate"]
	if !ok {
		t.Fatal("Sub-code node missing")
	}
	if sub.ParentID == nil || *sub.ParentID != sweet.ID {
		t.Error("Sub-code not parented to code")
	}
	if sub.Level != models.LevelCode+1 {
		t.Errorf("Expected sub-code level %d, got %d", models.LevelCode+1, sub.Level)
	}
}

// faultyNodeStore injects store failures around an otherwise working
// in-memory hierarchy.
type faultyNodeStore struct {
	*hierarchy.MemStore
	insertFailures int
	listFailures   int
}

func (s *faultyNodeStore) InsertSubtree(ctx context.Context, nodes []*models.HierarchyNode) error {
	if s.insertFailures > 0 {
		s.insertFailures--
		return errBoom
	}
	return s.MemStore.InsertSubtree(ctx, nodes)
}

func (s *faultyNodeStore) ListByGeneration(ctx context.Context, generationID uuid.UUID) ([]*models.HierarchyNode, error) {
	if s.listFailures > 0 {
		s.listFailures--
		return nil, errBoom
	}
	return s.MemStore.ListByGeneration(ctx, generationID)
}

func TestWorkerPersistFailureLeavesNoPartialSubtree(t *testing.T) {
	generations := newMemGenerationStore()
	nodes := &faultyNodeStore{MemStore: hierarchy.NewMemStore(), insertFailures: 1}
	codegen := &fakeCodegen{}
	worker := NewWorker(generations, nodes, codegen, time.Minute, nil, zap.NewNop())
	ctx := context.Background()

	gen := &models.Generation{
		ID:         uuid.New(),
		CategoryID: uuid.New(),
		Status:     models.GenerationStatusProcessing,
		NClusters:  1,
		NAnswers:   5,
	}
	if err := generations.Create(ctx, gen); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	task := models.ClusterTask{
		GenerationID: gen.ID,
		ClusterID:    0,
		ClusterTexts: []string{"text 0"},
		ClusterSize:  5,
		CategoryName: "Snacks",
		Config:       models.GenerationConfig{TargetLanguage: "en"},
	}

	if err := worker.Handle(ctx, task, 1, false); err == nil {
		t.Fatal("Expected handler error when the subtree write fails")
	}
	themes, codes, err := nodes.CountByType(ctx, gen.ID)
	if err != nil {
		t.Fatalf("CountByType failed: %v", err)
	}
	if themes != 0 || codes != 0 {
		t.Fatalf("Expected no nodes after a failed write, got %d themes %d codes", themes, codes)
	}

	// The redelivery must regenerate the cluster, not skip it.
	if err := worker.Handle(ctx, task, 2, false); err != nil {
		t.Fatalf("Handle redelivery failed: %v", err)
	}
	got, _ := generations.Get(ctx, gen.ID)
	if got.Status != models.GenerationStatusCompleted {
		t.Fatalf("Expected status completed, got %s", got.Status)
	}
	if got.NThemes != 1 || got.NCodes != 2 {
		t.Errorf("Expected 1 theme and 2 codes after redelivery, got %d/%d", got.NThemes, got.NCodes)
	}
	if codegen.calls != 2 {
		t.Errorf("Expected the redelivery to call the model again, got %d calls", codegen.calls)
	}
}

func TestWorkerReturnsDuplicateCheckError(t *testing.T) {
	generations := newMemGenerationStore()
	nodes := &faultyNodeStore{MemStore: hierarchy.NewMemStore(), listFailures: 1}
	codegen := &fakeCodegen{}
	worker := NewWorker(generations, nodes, codegen, time.Minute, nil, zap.NewNop())
	ctx := context.Background()

	gen := &models.Generation{
		ID:         uuid.New(),
		CategoryID: uuid.New(),
		Status:     models.GenerationStatusProcessing,
		NClusters:  2,
		NAnswers:   10,
	}
	if err := generations.Create(ctx, gen); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	task := models.ClusterTask{
		GenerationID: gen.ID,
		ClusterID:    0,
		ClusterTexts: []string{"text 0"},
		ClusterSize:  5,
		CategoryName: "Snacks",
		Config:       models.GenerationConfig{TargetLanguage: "en"},
	}
	if err := worker.Handle(ctx, task, 1, false); err == nil {
		t.Fatal("Expected handler error when the duplicate check cannot read the store")
	}
	if codegen.calls != 0 {
		t.Errorf("Expected no model calls on a failed duplicate check, got %d", codegen.calls)
	}
	got, _ := generations.Get(ctx, gen.ID)
	if got.Status != models.GenerationStatusProcessing {
		t.Errorf("Expected status processing, got %s", got.Status)
	}
}
