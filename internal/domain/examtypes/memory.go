package examtypes

import (
	"context"
	"fmt"
	"sort"

	"github.com/labresults/lims/internal/platform/apperr"
)

// MemoryRepo is an in-process Repository holding a fixed set of types.
type MemoryRepo struct {
	types map[int64]*ExaminationType
}

func NewMemoryRepo(types ...*ExaminationType) *MemoryRepo {
	m := &MemoryRepo{types: make(map[int64]*ExaminationType, len(types))}
	for _, t := range types {
		m.types[t.ID] = t
	}
	return m
}

func (m *MemoryRepo) List(_ context.Context) ([]*ExaminationType, error) {
	items := make([]*ExaminationType, 0, len(m.types))
	for _, t := range m.types {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id int64) (*ExaminationType, error) {
	t, ok := m.types[id]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("examination type %d not found", id))
	}
	return t, nil
}

func (m *MemoryRepo) GetByIDs(_ context.Context, ids []int64) (map[int64]*ExaminationType, error) {
	out := make(map[int64]*ExaminationType, len(ids))
	for _, id := range ids {
		if t, ok := m.types[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}
