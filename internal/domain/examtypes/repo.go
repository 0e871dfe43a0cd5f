package examtypes

import "context"

type Repository interface {
	List(ctx context.Context) ([]*ExaminationType, error)
	GetByID(ctx context.Context, id int64) (*ExaminationType, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*ExaminationType, error)
}
