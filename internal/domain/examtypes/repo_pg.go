package examtypes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const typeCols = `id, code, name, fields, created_at`

func scanType(row pgx.Row) (*ExaminationType, error) {
	var (
		t   ExaminationType
		raw []byte
	)
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &raw, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &t.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of examination type %d: %w", t.ID, err)
	}
	return &t, nil
}

func (r *repoPG) List(ctx context.Context) ([]*ExaminationType, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+typeCols+` FROM examination_types ORDER BY name`)
	if err != nil {
		return nil, apperr.FromDB(err, "examination type not found")
	}
	defer rows.Close()

	items := []*ExaminationType{}
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, apperr.FromDB(err, "examination type not found")
		}
		items = append(items, t)
	}
	return items, apperr.FromDB(rows.Err(), "examination type not found")
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*ExaminationType, error) {
	t, err := scanType(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+typeCols+` FROM examination_types WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.FromDB(err, fmt.Sprintf("examination type %d not found", id))
	}
	return t, nil
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []int64) (map[int64]*ExaminationType, error) {
	out := make(map[int64]*ExaminationType, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+typeCols+` FROM examination_types WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, apperr.FromDB(err, "examination type not found")
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, apperr.FromDB(err, "examination type not found")
		}
		out[t.ID] = t
	}
	return out, apperr.FromDB(rows.Err(), "examination type not found")
}
