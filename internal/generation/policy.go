package generation

import (
	"github.com/codeframe/api/internal/models"
)

// FailurePolicy decides whether a cluster task's terminal failure fails its
// whole generation. Today a single failed cluster poisons the generation even
// when sibling clusters succeeded; keeping the decision behind this type means
// a partial-success policy is a one-line change.
type FailurePolicy func(gen *models.Generation, clusterID int, err error) bool

// FailWholeGeneration is the current behavior: any cluster failure fails the
// generation.
func FailWholeGeneration(*models.Generation, int, error) bool { return true }
