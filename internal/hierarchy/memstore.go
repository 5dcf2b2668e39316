package hierarchy

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/codeframe/api/internal/models"
)

// MemStore is an in-memory Store used by tests and local development.
// It mirrors PGStore semantics, including cascading delete.
type MemStore struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*models.HierarchyNode
}

func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[uuid.UUID]*models.HierarchyNode)}
}

func (s *MemStore) Insert(_ context.Context, n *models.HierarchyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *MemStore) InsertSubtree(_ context.Context, nodes []*models.HierarchyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		cp := *n
		s.nodes[n.ID] = &cp
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemStore) ListByGeneration(_ context.Context, generationID uuid.UUID) ([]*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.HierarchyNode
	for _, n := range s.nodes {
		if n.GenerationID == generationID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].DisplayOrder < out[j].DisplayOrder
	})
	return out, nil
}

func (s *MemStore) Children(_ context.Context, parentID uuid.UUID) ([]*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.HierarchyNode
	for _, n := range s.nodes {
		if n.ParentID != nil && *n.ParentID == parentID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (s *MemStore) Update(_ context.Context, n *models.HierarchyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		return ErrNotFound
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *MemStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return ErrNotFound
	}
	s.deleteSubtree(id)
	return nil
}

func (s *MemStore) deleteSubtree(id uuid.UUID) {
	delete(s.nodes, id)
	for childID, n := range s.nodes {
		if n.ParentID != nil && *n.ParentID == id {
			s.deleteSubtree(childID)
		}
	}
}

func (s *MemStore) CountByType(_ context.Context, generationID uuid.UUID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var themes, codes int
	for _, n := range s.nodes {
		if n.GenerationID != generationID {
			continue
		}
		switch n.NodeType {
		case models.NodeTypeTheme:
			themes++
		case models.NodeTypeCode:
			codes++
		}
	}
	return themes, codes, nil
}
