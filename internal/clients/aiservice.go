package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/metrics"
)

// AIService is the HTTP client for the external AI service that hosts the
// embedding, clustering, code-generation and brand-extraction models.
type AIService struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewAIService creates a client for the AI service at baseURL. Per-call
// deadlines come from the caller's context, not from the transport.
func NewAIService(baseURL string, logger *zap.Logger) *AIService {
	return &AIService{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  logger,
	}
}

// TextItem is one answer sent for embedding or extraction
type TextItem struct {
	ID   uuid.UUID `json:"id"`
	Text string    `json:"text"`
}

// EmbeddingItem is one returned vector
type EmbeddingItem struct {
	ID        uuid.UUID `json:"id"`
	Embedding []float32 `json:"embedding"`
}

type embedRequest struct {
	Texts []TextItem `json:"texts"`
	Model string     `json:"model,omitempty"`
}

type embedResponse struct {
	Embeddings []EmbeddingItem `json:"embeddings"`
}

// EmbedTexts embeds a whole batch in one call. There are no partial-success
// semantics: on any failure the caller retries the entire batch.
func (s *AIService) EmbedTexts(ctx context.Context, texts []TextItem, model string) ([]EmbeddingItem, error) {
	var resp embedResponse
	err := s.post(ctx, "/embeddings", embedRequest{Texts: texts, Model: model}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// ClusterParams are the density-based clustering knobs
type ClusterParams struct {
	MinClusterSize int `json:"min_cluster_size"`
	MinSamples     int `json:"min_samples"`
}

type clusterRequest struct {
	Answers []TextItem    `json:"answers"`
	Config  ClusterParams `json:"config"`
}

// Cluster is one group of semantically similar answers
type Cluster struct {
	Texts      []string `json:"texts"`
	Size       int      `json:"size"`
	Confidence float64  `json:"confidence"`
}

// ClusterResult maps cluster id to its members plus the noise count
type ClusterResult struct {
	NClusters  int             `json:"n_clusters"`
	NoiseCount int             `json:"noise_count"`
	Clusters   map[int]Cluster `json:"clusters"`
}

// ClusterAnswers delegates grouping to the external clustering model
func (s *AIService) ClusterAnswers(ctx context.Context, answers []TextItem, params ClusterParams) (*ClusterResult, error) {
	var resp ClusterResult
	if err := s.post(ctx, "/cluster", clusterRequest{Answers: answers, Config: params}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CodegenRequest asks for a theme plus code tree for one cluster's texts
type CodegenRequest struct {
	ClusterTexts        []string `json:"cluster_texts"`
	CategoryName        string   `json:"category_name"`
	CategoryDescription string   `json:"category_description"`
	TargetLanguage      string   `json:"target_language"`
	ExistingCodes       []string `json:"existing_codes,omitempty"`
	HierarchyPreference string   `json:"hierarchy_preference,omitempty"`
}

// GeneratedTheme is the level-1 node returned for a cluster
type GeneratedTheme struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// GeneratedCode is a code node, possibly with nested sub-codes
type GeneratedCode struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Confidence        float64         `json:"confidence"`
	ExampleTexts      []string        `json:"example_texts,omitempty"`
	FrequencyEstimate int             `json:"frequency_estimate"`
	Embedding         []float32       `json:"embedding,omitempty"`
	SubCodes          []GeneratedCode `json:"sub_codes,omitempty"`
}

// Usage is the token spend of one model call
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CodegenResponse is the generated subtree plus quality and cost signals
type CodegenResponse struct {
	Theme     GeneratedTheme  `json:"theme"`
	Codes     []GeneratedCode `json:"codes"`
	MECEScore float64         `json:"mece_score"`
	Usage     Usage           `json:"usage"`
	CostUSD   float64         `json:"cost_usd"`
}

// GenerateCodes produces the codeframe subtree for one cluster
func (s *AIService) GenerateCodes(ctx context.Context, req CodegenRequest) (*CodegenResponse, error) {
	var resp CodegenResponse
	if err := s.post(ctx, "/generate-codes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BrandRequest submits all eligible answers for direct entity extraction
type BrandRequest struct {
	Answers             []TextItem `json:"answers"`
	CategoryName        string     `json:"category_name"`
	CategoryDescription string     `json:"category_description"`
	TargetLanguage      string     `json:"target_language"`
	MinConfidence       float64    `json:"min_confidence,omitempty"`
	Provider            string     `json:"provider,omitempty"`
	ProviderKey         string     `json:"provider_key,omitempty"`
}

// ExtractedBrand is one candidate entity from the extraction model
type ExtractedBrand struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Confidence   float64   `json:"confidence"`
	MentionCount int       `json:"mention_count"`
	ExampleTexts []string  `json:"example_texts,omitempty"`
	VariantNames []string  `json:"variant_names,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// BrandResponse carries the three extraction buckets
type BrandResponse struct {
	ThemeName        string           `json:"theme_name"`
	ThemeDescription string           `json:"theme_description"`
	ThemeConfidence  float64          `json:"theme_confidence"`
	VerifiedBrands   []ExtractedBrand `json:"verified_brands"`
	NeedsReview      []ExtractedBrand `json:"needs_review"`
	SpamInvalid      []ExtractedBrand `json:"spam_invalid"`
	ProcessingTimeMS int64            `json:"processing_time_ms"`
}

// ExtractBrands runs the long clustering-free extraction call. The caller is
// expected to supervise it with the health watchdog.
func (s *AIService) ExtractBrands(ctx context.Context, req BrandRequest) (*BrandResponse, error) {
	var resp BrandResponse
	if err := s.post(ctx, "/extract-brands", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the service's lightweight health endpoint
func (s *AIService) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", ErrUpstreamTransient)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check status %d: %w", resp.StatusCode, ErrUpstreamTransient)
	}
	return nil
}

func (s *AIService) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.http.Do(req)
	metrics.ExternalCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Preserve a watchdog-set cause over the generic deadline error.
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ctxErr) {
				return cause
			}
			return fmt.Errorf("%s: %w: %w", endpoint, ErrUpstreamTransient, ctxErr)
		}
		return fmt.Errorf("%s: %w: %v", endpoint, ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", endpoint, ErrUpstreamTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("ai service call failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return &StatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", endpoint, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
