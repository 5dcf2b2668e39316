package hierarchy

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeframe/api/internal/database"
	"github.com/codeframe/api/internal/models"
)

// ErrNotFound is returned when a node id does not exist
var ErrNotFound = errors.New("hierarchy node not found")

// Store is the tree of theme/code nodes belonging to generations.
// Delete cascades to descendants.
type Store interface {
	Insert(ctx context.Context, node *models.HierarchyNode) error
	// InsertSubtree inserts all nodes or none of them. Parents must precede
	// their children in the slice.
	InsertSubtree(ctx context.Context, nodes []*models.HierarchyNode) error
	Get(ctx context.Context, id uuid.UUID) (*models.HierarchyNode, error)
	ListByGeneration(ctx context.Context, generationID uuid.UUID) ([]*models.HierarchyNode, error)
	Children(ctx context.Context, parentID uuid.UUID) ([]*models.HierarchyNode, error)
	Update(ctx context.Context, node *models.HierarchyNode) error
	Delete(ctx context.Context, id uuid.UUID) error
	CountByType(ctx context.Context, generationID uuid.UUID) (themes int, codes int, err error)
}

// PGStore is the hierarchy_nodes table
type PGStore struct {
	db *database.Postgres
}

func NewPGStore(db *database.Postgres) *PGStore {
	return &PGStore{db: db}
}

const nodeColumns = `
	id, generation_id, parent_id, level, node_type, name, description,
	confidence, cluster_id, cluster_size, frequency_estimate, display_order,
	is_edited, edit_history, embedding, example_texts, variant_names,
	created_at, updated_at
`

func scanNode(row pgx.Row) (*models.HierarchyNode, error) {
	var n models.HierarchyNode
	err := row.Scan(
		&n.ID, &n.GenerationID, &n.ParentID, &n.Level, &n.NodeType, &n.Name,
		&n.Description, &n.Confidence, &n.ClusterID, &n.ClusterSize,
		&n.FrequencyEstimate, &n.DisplayOrder, &n.IsEdited, &n.EditHistory,
		&n.Embedding, &n.ExampleTexts, &n.VariantNames, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

const insertNodeQuery = `
	INSERT INTO hierarchy_nodes (
		id, generation_id, parent_id, level, node_type, name, description,
		confidence, cluster_id, cluster_size, frequency_estimate, display_order,
		is_edited, edit_history, embedding, example_texts, variant_names,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW(),NOW())
`

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execInsertNode(ctx context.Context, q execer, n *models.HierarchyNode) error {
	history := n.EditHistory
	if history == nil {
		history = []models.EditAction{}
	}
	_, err := q.Exec(ctx, insertNodeQuery,
		n.ID, n.GenerationID, n.ParentID, n.Level, n.NodeType, n.Name, n.Description,
		n.Confidence, n.ClusterID, n.ClusterSize, n.FrequencyEstimate, n.DisplayOrder,
		n.IsEdited, history, n.Embedding, n.ExampleTexts, n.VariantNames,
	)
	return err
}

func (s *PGStore) Insert(ctx context.Context, n *models.HierarchyNode) error {
	return execInsertNode(ctx, s.db.Pool(), n)
}

// InsertSubtree writes the whole node batch in one transaction so a failed
// insert leaves no partial subtree behind.
func (s *PGStore) InsertSubtree(ctx context.Context, nodes []*models.HierarchyNode) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, n := range nodes {
		if err := execInsertNode(ctx, tx, n); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*models.HierarchyNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM hierarchy_nodes WHERE id = $1`
	return scanNode(s.db.Pool().QueryRow(ctx, query, id))
}

func (s *PGStore) ListByGeneration(ctx context.Context, generationID uuid.UUID) ([]*models.HierarchyNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM hierarchy_nodes WHERE generation_id = $1 ORDER BY level, display_order`
	return s.queryNodes(ctx, query, generationID)
}

func (s *PGStore) Children(ctx context.Context, parentID uuid.UUID) ([]*models.HierarchyNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM hierarchy_nodes WHERE parent_id = $1 ORDER BY display_order`
	return s.queryNodes(ctx, query, parentID)
}

func (s *PGStore) queryNodes(ctx context.Context, query string, arg any) ([]*models.HierarchyNode, error) {
	rows, err := s.db.Pool().Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*models.HierarchyNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PGStore) Update(ctx context.Context, n *models.HierarchyNode) error {
	query := `
		UPDATE hierarchy_nodes
		SET parent_id = $2, level = $3, name = $4, description = $5,
		    confidence = $6, display_order = $7, is_edited = $8,
		    edit_history = $9, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.db.Pool().Exec(ctx, query,
		n.ID, n.ParentID, n.Level, n.Name, n.Description,
		n.Confidence, n.DisplayOrder, n.IsEdited, n.EditHistory,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a node; the parent_id foreign key cascades to descendants
func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM hierarchy_nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CountByType(ctx context.Context, generationID uuid.UUID) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE node_type = 'theme'),
			COUNT(*) FILTER (WHERE node_type = 'code')
		FROM hierarchy_nodes
		WHERE generation_id = $1
	`
	var themes, codes int
	if err := s.db.Pool().QueryRow(ctx, query, generationID).Scan(&themes, &codes); err != nil {
		return 0, 0, err
	}
	return themes, codes, nil
}
