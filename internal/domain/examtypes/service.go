package examtypes

import (
	"context"
	"fmt"
	"sort"

	"github.com/labresults/lims/internal/platform/apperr"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) ListExaminationTypes(ctx context.Context) ([]*ExaminationType, error) {
	return s.repo.List(ctx)
}

func (s *Service) GetExaminationType(ctx context.Context, id int64) (*ExaminationType, error) {
	return s.repo.GetByID(ctx, id)
}

// Resolve loads every type in ids, failing with NotFound naming the first
// missing one.
func (s *Service) Resolve(ctx context.Context, ids []int64) (map[int64]*ExaminationType, error) {
	found, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	missing := make([]int64, 0)
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return nil, apperr.NotFound(fmt.Sprintf("examination type %d not found", missing[0]))
	}
	return found, nil
}
