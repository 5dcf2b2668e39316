package models

import (
	"time"

	"github.com/google/uuid"
)

// GenerationStatus represents the lifecycle state of a codeframe generation
type GenerationStatus string

const (
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
	GenerationStatusApplied    GenerationStatus = "applied"
)

// CodingType selects the generation strategy
type CodingType string

const (
	CodingTypeBrand   CodingType = "brand"
	CodingTypeGeneral CodingType = "general"
	CodingTypeOpen    CodingType = "open"
)

// Generation represents one attempt to build a codeframe for a category
type Generation struct {
	ID         uuid.UUID        `json:"id"`
	CategoryID uuid.UUID        `json:"category_id"`

	// Input config
	Config GenerationConfig `json:"config"`

	// Counts
	NAnswers  int `json:"n_answers"`
	NClusters int `json:"n_clusters"`
	NThemes   int `json:"n_themes"`
	NCodes    int `json:"n_codes"`

	// Progress
	Status          GenerationStatus `json:"status"`
	ProgressPercent int              `json:"progress_percent"`
	CurrentStep     string           `json:"current_step"`

	// Quality and cost aggregates
	MECEScore    *float64 `json:"mece_score,omitempty"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	CostUSD      float64  `json:"cost_usd"`

	ErrorMessage *string `json:"error_message,omitempty"`

	CreatedBy   uuid.UUID  `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerationConfig is the typed input configuration for a generation.
// Defaults are applied once at the orchestrator boundary; downstream code
// never re-checks for zero values.
type GenerationConfig struct {
	CodingType          CodingType `json:"coding_type"`
	TargetLanguage      string     `json:"target_language"`
	ExistingCodes       []string   `json:"existing_codes,omitempty"`
	HierarchyPreference string     `json:"hierarchy_preference,omitempty"`

	// Clustering parameters
	MinClusterSize int `json:"min_cluster_size"`
	MinSamples     int `json:"min_samples"`

	// Brand extraction
	MinConfidence float64 `json:"min_confidence"`

	// Provider credentials, passed through to the AI service
	Provider    string `json:"provider,omitempty"`
	ProviderKey string `json:"-"`
}

// NodeType distinguishes theme and code nodes
type NodeType string

const (
	NodeTypeTheme NodeType = "theme"
	NodeTypeCode  NodeType = "code"
)

// Hierarchy levels. Codes below level 2 are sub-codes.
const (
	LevelTheme = 1
	LevelCode  = 2
)

// EditAction is a recorded hierarchy mutation
type EditAction struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
	MergedIDs []string  `json:"merged_ids,omitempty"`
}

// HierarchyNode is one theme or code in the tree for a generation
type HierarchyNode struct {
	ID           uuid.UUID  `json:"id"`
	GenerationID uuid.UUID  `json:"generation_id"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	Level        int        `json:"level"`
	NodeType     NodeType   `json:"node_type"`

	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`

	// Provenance
	ClusterID         *int `json:"cluster_id,omitempty"`
	ClusterSize       int  `json:"cluster_size,omitempty"`
	FrequencyEstimate int  `json:"frequency_estimate,omitempty"`

	DisplayOrder int          `json:"display_order"`
	IsEdited     bool         `json:"is_edited"`
	EditHistory  []EditAction `json:"edit_history,omitempty"`

	Embedding    []float32 `json:"-"`
	ExampleTexts []string  `json:"example_texts,omitempty"`
	VariantNames []string  `json:"variant_names,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HierarchyTree is a node with resolved children, returned by the tree endpoint
type HierarchyTree struct {
	*HierarchyNode
	Children []*HierarchyTree `json:"children,omitempty"`
}

// Category groups the answers of one survey question
type Category struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Answer is one free-text survey answer
type Answer struct {
	ID         uuid.UUID  `json:"id"`
	CategoryID uuid.UUID  `json:"category_id"`
	Text       string     `json:"text"`
	CodeID     *uuid.UUID `json:"code_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// EmbeddingEntry is a cached vector for one answer, keyed by content hash
type EmbeddingEntry struct {
	AnswerID    uuid.UUID `json:"answer_id"`
	Model       string    `json:"model"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"embedding"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ClusterTask is the queue payload for one cluster's code generation
type ClusterTask struct {
	GenerationID        uuid.UUID        `json:"generation_id"`
	ClusterID           int              `json:"cluster_id"`
	ClusterTexts        []string         `json:"cluster_texts"`
	ClusterSize         int              `json:"cluster_size"`
	ClusterConfidence   float64          `json:"cluster_confidence"`
	CategoryName        string           `json:"category_name"`
	CategoryDescription string           `json:"category_description"`
	Config              GenerationConfig `json:"config"`
}

// CodeAssignment is a provisional auto-confirmed answer-to-code match
type CodeAssignment struct {
	AnswerID   uuid.UUID `json:"answer_id"`
	CodeID     uuid.UUID `json:"code_id"`
	Similarity float64   `json:"similarity"`
}

// ApplyResult summarizes one apply run
type ApplyResult struct {
	Total    int `json:"total"`
	Assigned int `json:"assigned"`
	Pending  int `json:"pending"`
}
