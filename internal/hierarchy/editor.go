package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/models"
)

// ErrWouldCycle is returned when a move would make a node its own ancestor
var ErrWouldCycle = errors.New("move would create a cycle")

// ErrCrossGeneration is returned when an edit would mix nodes from different
// generations
var ErrCrossGeneration = errors.New("nodes belong to different generations")

// Editor applies audited mutations to a generation's hierarchy. Mutations are
// expected to come from a single operator at a time; there is no node-level
// locking.
type Editor struct {
	store  Store
	logger *zap.Logger
}

func NewEditor(store Store, logger *zap.Logger) *Editor {
	return &Editor{store: store, logger: logger}
}

// Rename changes a node's name and records the edit
func (e *Editor) Rename(ctx context.Context, nodeID uuid.UUID, newName string) (*models.HierarchyNode, error) {
	node, err := e.store.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	node.EditHistory = append(node.EditHistory, models.EditAction{
		Action:    "rename",
		Timestamp: time.Now(),
		Before:    node.Name,
		After:     newName,
	})
	node.Name = newName
	node.IsEdited = true

	if err := e.store.Update(ctx, node); err != nil {
		return nil, err
	}
	e.logger.Info("node renamed", zap.String("node_id", nodeID.String()), zap.String("name", newName))
	return node, nil
}

// Merge collapses two or more nodes into one new node named targetName.
// The new node inherits the first source's parent, level and type; children
// of every source are re-parented onto it; the sources are removed.
func (e *Editor) Merge(ctx context.Context, nodeIDs []uuid.UUID, targetName string) (*models.HierarchyNode, error) {
	if len(nodeIDs) < 2 {
		return nil, fmt.Errorf("merge needs at least two nodes")
	}

	sources := make([]*models.HierarchyNode, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		n, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("merge source %s: %w", id, err)
		}
		sources = append(sources, n)
	}

	first := sources[0]
	for _, src := range sources[1:] {
		if src.GenerationID != first.GenerationID {
			return nil, fmt.Errorf("merge source %s: %w", src.ID, ErrCrossGeneration)
		}
	}
	mergedIDs := make([]string, len(sources))
	clusterSize, frequency := 0, 0
	confidence := first.Confidence
	for i, src := range sources {
		mergedIDs[i] = src.ID.String()
		clusterSize += src.ClusterSize
		frequency += src.FrequencyEstimate
		if src.Confidence > confidence {
			confidence = src.Confidence
		}
	}

	merged := &models.HierarchyNode{
		ID:                uuid.New(),
		GenerationID:      first.GenerationID,
		ParentID:          first.ParentID,
		Level:             first.Level,
		NodeType:          first.NodeType,
		Name:              targetName,
		Description:       first.Description,
		Confidence:        confidence,
		ClusterSize:       clusterSize,
		FrequencyEstimate: frequency,
		DisplayOrder:      first.DisplayOrder,
		IsEdited:          true,
		EditHistory: []models.EditAction{{
			Action:    "merge",
			Timestamp: time.Now(),
			After:     targetName,
			MergedIDs: mergedIDs,
		}},
	}
	if err := e.store.Insert(ctx, merged); err != nil {
		return nil, err
	}

	for _, src := range sources {
		children, err := e.store.Children(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			child.ParentID = &merged.ID
			if err := e.reparent(ctx, child, merged.Level+1); err != nil {
				return nil, err
			}
		}
		if err := e.store.Delete(ctx, src.ID); err != nil {
			return nil, err
		}
	}

	e.logger.Info("nodes merged",
		zap.Strings("sources", mergedIDs),
		zap.String("merged_id", merged.ID.String()),
		zap.String("name", targetName),
	)
	return merged, nil
}

// Move re-parents a node. The new parent's ancestor chain is walked first so
// a node can never become its own descendant.
func (e *Editor) Move(ctx context.Context, nodeID, newParentID uuid.UUID) (*models.HierarchyNode, error) {
	node, err := e.store.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	parent, err := e.store.Get(ctx, newParentID)
	if err != nil {
		return nil, err
	}
	if parent.GenerationID != node.GenerationID {
		return nil, fmt.Errorf("move under %s: %w", newParentID, ErrCrossGeneration)
	}

	if err := e.checkCycle(ctx, nodeID, parent); err != nil {
		return nil, err
	}

	before := ""
	if node.ParentID != nil {
		before = node.ParentID.String()
	}
	node.EditHistory = append(node.EditHistory, models.EditAction{
		Action:    "move",
		Timestamp: time.Now(),
		Before:    before,
		After:     newParentID.String(),
	})
	node.ParentID = &newParentID
	node.IsEdited = true

	if err := e.reparent(ctx, node, parent.Level+1); err != nil {
		return nil, err
	}
	e.logger.Info("node moved",
		zap.String("node_id", nodeID.String()),
		zap.String("new_parent_id", newParentID.String()),
	)
	return node, nil
}

// Delete removes a node and its descendants
func (e *Editor) Delete(ctx context.Context, nodeID uuid.UUID) error {
	if err := e.store.Delete(ctx, nodeID); err != nil {
		return err
	}
	e.logger.Info("node deleted", zap.String("node_id", nodeID.String()))
	return nil
}

// checkCycle rejects a move when nodeID appears in candidate's ancestor chain
func (e *Editor) checkCycle(ctx context.Context, nodeID uuid.UUID, candidate *models.HierarchyNode) error {
	cur := candidate
	for {
		if cur.ID == nodeID {
			return ErrWouldCycle
		}
		if cur.ParentID == nil {
			return nil
		}
		next, err := e.store.Get(ctx, *cur.ParentID)
		if err != nil {
			return err
		}
		cur = next
	}
}

// reparent writes node at the given level and fixes descendant levels so that
// level = parent.level + 1 holds for the whole subtree.
func (e *Editor) reparent(ctx context.Context, node *models.HierarchyNode, level int) error {
	node.Level = level
	if err := e.store.Update(ctx, node); err != nil {
		return err
	}
	children, err := e.store.Children(ctx, node.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.reparent(ctx, child, level+1); err != nil {
			return err
		}
	}
	return nil
}

// Tree assembles the nested tree for one generation from the flat node list
func Tree(nodes []*models.HierarchyNode) []*models.HierarchyTree {
	byID := make(map[uuid.UUID]*models.HierarchyTree, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = &models.HierarchyTree{HierarchyNode: n}
	}
	var roots []*models.HierarchyTree
	for _, n := range nodes {
		t := byID[n.ID]
		if n.ParentID == nil {
			roots = append(roots, t)
			continue
		}
		if parent, ok := byID[*n.ParentID]; ok {
			parent.Children = append(parent.Children, t)
		} else {
			roots = append(roots, t)
		}
	}
	return roots
}
