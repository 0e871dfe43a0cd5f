package users

import (
	"context"
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

const userCols = `id, email, first_name, last_name, password_hash, status,
	is_admin, can_create_exams, can_edit_exams, can_delete_exams, can_validate_exams, can_send_results,
	created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var (
		u      User
		hash   *string
		status string
	)
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &hash, &status,
		&u.IsAdmin, &u.CanCreateExams, &u.CanEditExams, &u.CanDeleteExams, &u.CanValidateExams, &u.CanSendResults,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if hash != nil {
		u.PasswordHash = *hash
	}
	u.Status = Status(status)
	return &u, nil
}

func notFound(id int64) string {
	return fmt.Sprintf("user %d not found", id)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Create(ctx context.Context, u *User) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (email, first_name, last_name, password_hash, status,
			is_admin, can_create_exams, can_edit_exams, can_delete_exams, can_validate_exams, can_send_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		u.Email, u.FirstName, u.LastName, nullable(u.PasswordHash), string(u.Status),
		u.IsAdmin, u.CanCreateExams, u.CanEditExams, u.CanDeleteExams, u.CanValidateExams, u.CanSendResults,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return apperr.FromDB(err, "user not found")
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.FromDB(err, notFound(id))
	}
	return u, nil
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email))
	if err != nil {
		return nil, apperr.FromDB(err, "user not found")
	}
	return u, nil
}

func (r *repoPG) Update(ctx context.Context, u *User) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE users SET first_name = $2, last_name = $3, status = $4,
			is_admin = $5, can_create_exams = $6, can_edit_exams = $7, can_delete_exams = $8,
			can_validate_exams = $9, can_send_results = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		u.ID, u.FirstName, u.LastName, string(u.Status),
		u.IsAdmin, u.CanCreateExams, u.CanEditExams, u.CanDeleteExams, u.CanValidateExams, u.CanSendResults,
	).Scan(&u.UpdatedAt)
	return apperr.FromDB(err, notFound(u.ID))
}

func (r *repoPG) SetPassword(ctx context.Context, id int64, hash string, status Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE users SET password_hash = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		id, hash, string(status))
	if err != nil {
		return apperr.FromDB(err, notFound(id))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(notFound(id))
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return apperr.FromDB(err, notFound(id))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(notFound(id))
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*User, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, apperr.FromDB(err, "user not found")
	}

	rows, err := conn.Query(ctx,
		`SELECT `+userCols+` FROM users ORDER BY last_name, first_name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "user not found")
	}
	defer rows.Close()

	items := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, apperr.FromDB(err, "user not found")
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.FromDB(err, "user not found")
	}
	return items, total, nil
}
