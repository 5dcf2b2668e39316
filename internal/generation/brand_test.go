package generation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/models"
)

func brandFixture(t *testing.T, extractor *fakeExtractor, timeout, interval time.Duration) (*BrandRunner, *memGenerationStore, *hierarchy.MemStore, *models.Generation) {
	t.Helper()
	generations := newMemGenerationStore()
	nodes := hierarchy.NewMemStore()
	runner := NewBrandRunner(generations, nodes, extractor, timeout, interval, zap.NewNop())

	gen := &models.Generation{
		ID:         uuid.New(),
		CategoryID: uuid.New(),
		Status:     models.GenerationStatusProcessing,
		NClusters:  1,
		NAnswers:   12,
		Config:     models.GenerationConfig{CodingType: models.CodingTypeBrand, TargetLanguage: "en"},
	}
	if err := generations.Create(context.Background(), gen); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return runner, generations, nodes, gen
}

func TestBrandRunPersistsFlattenedHierarchy(t *testing.T) {
	extractor := &fakeExtractor{resp: &clients.BrandResponse{
		ThemeName:       "Mentioned Brands",
		ThemeConfidence: 0.95,
		VerifiedBrands: []clients.ExtractedBrand{
			{Name: "Acme", Confidence: 0.97, MentionCount: 5, VariantNames: []string{"ACME", "acme co"}},
			{Name: "Globex", Confidence: 0.92, MentionCount: 3},
		},
		NeedsReview: []clients.ExtractedBrand{
			{Name: "Initech?", Confidence: 0.6, MentionCount: 1},
		},
		SpamInvalid: []clients.ExtractedBrand{
			{Name: "asdf", Confidence: 0.2, MentionCount: 1},
		},
	}}
	runner, generations, nodes, gen := brandFixture(t, extractor, time.Minute, time.Hour)

	category := &models.Category{ID: gen.CategoryID, Name: "Brands"}
	runner.Run(context.Background(), gen, category, testAnswers(gen.CategoryID, 12))

	got, err := generations.Get(context.Background(), gen.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.GenerationStatusCompleted {
		t.Fatalf("Expected status completed, got %s", got.Status)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("Expected 100%% progress, got %d", got.ProgressPercent)
	}
	if got.NThemes != 1 || got.NCodes != 4 {
		t.Errorf("Expected 1 theme and 4 codes, got %d/%d", got.NThemes, got.NCodes)
	}

	all, err := nodes.ListByGeneration(context.Background(), gen.ID)
	if err != nil {
		t.Fatalf("ListByGeneration failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Expected 5 nodes, got %d", len(all))
	}

	theme := all[0]
	if theme.NodeType != models.NodeTypeTheme || theme.Name != "Mentioned Brands" {
		t.Fatalf("Expected theme root, got %s %q", theme.NodeType, theme.Name)
	}

	children, err := nodes.Children(context.Background(), theme.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	wantOrder := []string{"Acme", "Globex", "Initech?", "asdf"}
	if len(children) != len(wantOrder) {
		t.Fatalf("Expected %d children, got %d", len(wantOrder), len(children))
	}
	for i, name := range wantOrder {
		if children[i].Name != name {
			t.Errorf("Expected child %d = %q, got %q", i, name, children[i].Name)
		}
		if children[i].Level != models.LevelCode {
			t.Errorf("Expected flat level-%d codes, got level %d for %q", models.LevelCode, children[i].Level, name)
		}
	}
	if len(children[0].VariantNames) != 2 {
		t.Errorf("Expected variant names carried over, got %v", children[0].VariantNames)
	}
}

func TestBrandWatchdogAbortsWhenServiceDies(t *testing.T) {
	extractor := &fakeExtractor{block: true, healthErr: errBoom}
	runner, generations, _, gen := brandFixture(t, extractor, 30*time.Second, 10*time.Millisecond)

	category := &models.Category{ID: gen.CategoryID, Name: "Brands"}
	start := time.Now()
	runner.Run(context.Background(), gen, category, testAnswers(gen.CategoryID, 12))
	elapsed := time.Since(start)

	if elapsed > 5*time.Second {
		t.Fatalf("Watchdog did not abort promptly, run took %s", elapsed)
	}

	got, err := generations.Get(context.Background(), gen.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.GenerationStatusFailed {
		t.Fatalf("Expected status failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "health checks") {
		t.Errorf("Expected watchdog abort message, got %v", got.ErrorMessage)
	}
}

func TestBrandTimeoutFailsGeneration(t *testing.T) {
	extractor := &fakeExtractor{block: true}
	runner, generations, _, gen := brandFixture(t, extractor, 50*time.Millisecond, time.Hour)

	category := &models.Category{ID: gen.CategoryID, Name: "Brands"}
	runner.Run(context.Background(), gen, category, testAnswers(gen.CategoryID, 12))

	got, err := generations.Get(context.Background(), gen.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.GenerationStatusFailed {
		t.Fatalf("Expected status failed after timeout, got %s", got.Status)
	}
}
