package exams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/db"
	"github.com/labresults/lims/internal/platform/search"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const analysisCols = `id, ci, first_name, last_name, date_of_birth, email, phone, address,
	sex, all_validated, message_status, created_at, updated_at`

const ageExpr = `date_part('year', age(current_date, date_of_birth))::int`

var filterFields = map[string]search.Field{
	"ci":             {Kind: search.Contains, Column: "ci"},
	"first_name":     {Kind: search.Contains, Column: "first_name"},
	"last_name":      {Kind: search.Contains, Column: "last_name"},
	"email":          {Kind: search.Contains, Column: "email"},
	"phone":          {Kind: search.Contains, Column: "phone"},
	"address":        {Kind: search.Contains, Column: "address"},
	"sex":            {Kind: search.Equals, Column: "sex"},
	"message_status": {Kind: search.Equals, Column: "message_status"},
	"all_validated":  {Kind: search.Boolean, Column: "all_validated"},
	"age":            {Kind: search.Integer, Column: ageExpr},
	"created_date":   {Kind: search.Date, Column: "created_at"},
}

var sortFields = map[string]search.Field{
	"id":             {Column: "id"},
	"ci":             {Column: "ci"},
	"first_name":     {Column: "first_name"},
	"last_name":      {Column: "last_name"},
	"email":          {Column: "email"},
	"phone":          {Column: "phone"},
	"address":        {Column: "address"},
	"sex":            {Column: "sex"},
	"message_status": {Column: "message_status"},
	"all_validated":  {Column: "all_validated"},
	"date_of_birth":  {Column: "date_of_birth"},
	"age":            {Column: ageExpr},
	"created_at":     {Column: "created_at"},
	"created_date":   {Column: "created_at"},
	"updated_at":     {Column: "updated_at"},
}

var searchColumns = []string{"ci", "first_name", "last_name", "email", "phone", "first_name || ' ' || last_name"}

const defaultOrder = "created_at DESC, id DESC"

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var (
		a              Analysis
		dob            time.Time
		phone, address *string
		status         string
	)
	err := row.Scan(&a.ID, &a.Patient.CI, &a.Patient.FirstName, &a.Patient.LastName, &dob, &a.Patient.Email, &phone, &address,
		&a.Patient.Sex, &a.AllValidated, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Patient.DateOfBirth = dob.Format(dateLayout)
	if phone != nil {
		a.Patient.Phone = *phone
	}
	if address != nil {
		a.Patient.Address = *address
	}
	a.MessageStatus = MessageStatus(status)
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notFound(id int64) string {
	return fmt.Sprintf("analysis %d not found", id)
}

func (r *repoPG) CreateAnalysis(ctx context.Context, a *Analysis) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO analysis (ci, first_name, last_name, date_of_birth, email, phone, address,
			sex, all_validated, message_status)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		a.Patient.CI, a.Patient.FirstName, a.Patient.LastName, a.Patient.DateOfBirth, a.Patient.Email, nullable(a.Patient.Phone), nullable(a.Patient.Address),
		a.Patient.Sex, a.AllValidated, string(a.MessageStatus),
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return apperr.FromDB(err, "analysis not found")
	}
	return nil
}

func (r *repoPG) UpdateAnalysis(ctx context.Context, a *Analysis) error {
	var status string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE analysis SET ci = $2, first_name = $3, last_name = $4, date_of_birth = $5::date,
			email = $6, phone = $7, address = $8, sex = $9, all_validated = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING message_status, created_at, updated_at`,
		a.ID, a.Patient.CI, a.Patient.FirstName, a.Patient.LastName, a.Patient.DateOfBirth, a.Patient.Email, nullable(a.Patient.Phone), nullable(a.Patient.Address),
		a.Patient.Sex, a.AllValidated,
	).Scan(&status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return apperr.FromDB(err, notFound(a.ID))
	}
	a.MessageStatus = MessageStatus(status)
	return nil
}

func (r *repoPG) DeleteAnalysis(ctx context.Context, id int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM analysis WHERE id = $1`, id)
	if err != nil {
		return apperr.FromDB(err, notFound(id))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(notFound(id))
	}
	return nil
}

func (r *repoPG) GetAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	a, err := scanAnalysis(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+analysisCols+` FROM analysis WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.FromDB(err, notFound(id))
	}
	return a, nil
}

func (r *repoPG) LockAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	a, err := scanAnalysis(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+analysisCols+` FROM analysis WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperr.FromDB(err, notFound(id))
	}
	return a, nil
}

func (r *repoPG) ListAnalyses(ctx context.Context, p ListParams) ([]*Analysis, int, error) {
	q := search.NewQuery("analysis", analysisCols)
	q.AddSearch(p.Search, searchColumns...)
	if err := q.ApplyFilters(p.Filters, filterFields); err != nil {
		return nil, 0, err
	}
	q.ApplySort(p.SortField, p.SortOrder, defaultOrder, "id", sortFields)

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, apperr.FromDB(err, "analysis not found")
	}

	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(p.Limit, p.Offset())...)
	if err != nil {
		return nil, 0, apperr.FromDB(err, "analysis not found")
	}
	defer rows.Close()

	items := []*Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, 0, apperr.FromDB(err, "analysis not found")
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.FromDB(err, "analysis not found")
	}
	return items, total, nil
}

func (r *repoPG) SetMessageStatus(ctx context.Context, id int64, status MessageStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE analysis SET message_status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return apperr.FromDB(err, notFound(id))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(notFound(id))
	}
	return nil
}

func (r *repoPG) CreateExam(ctx context.Context, analysisID int64, e *ExamRecord) error {
	values, err := json.Marshal(e.TestValues)
	if err != nil {
		return fmt.Errorf("encode test values: %w", err)
	}
	conn := db.Conn(ctx, r.pool)
	err = conn.QueryRow(ctx, `
		INSERT INTO exams (examination_type_id, test_values, method, observation, validated)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		e.ExaminationTypeID, values, nullable(e.Method), nullable(e.Observation), e.Validated,
	).Scan(&e.ID)
	if err != nil {
		return apperr.FromDB(err, fmt.Sprintf("examination type %d not found", e.ExaminationTypeID))
	}
	if _, err := conn.Exec(ctx,
		`INSERT INTO analysis_exams (analysis_id, exam_id) VALUES ($1, $2)`, analysisID, e.ID); err != nil {
		return apperr.FromDB(err, notFound(analysisID))
	}
	return nil
}

func (r *repoPG) DeleteExams(ctx context.Context, analysisID int64) ([]int64, error) {
	conn := db.Conn(ctx, r.pool)
	rows, err := conn.Query(ctx,
		`DELETE FROM analysis_exams WHERE analysis_id = $1 RETURNING exam_id`, analysisID)
	if err != nil {
		return nil, apperr.FromDB(err, notFound(analysisID))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperr.FromDB(err, notFound(analysisID))
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if _, err := conn.Exec(ctx, `DELETE FROM exams WHERE id = ANY($1)`, ids); err != nil {
		return nil, apperr.FromDB(err, notFound(analysisID))
	}
	return ids, nil
}

func (r *repoPG) ExamsFor(ctx context.Context, analysisIDs []int64) (map[int64][]*ExamRecord, error) {
	out := make(map[int64][]*ExamRecord, len(analysisIDs))
	if len(analysisIDs) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT ae.analysis_id, e.id, e.examination_type_id, et.name, e.test_values,
			e.method, e.observation, e.validated
		FROM analysis_exams ae
		JOIN exams e ON e.id = ae.exam_id
		JOIN examination_types et ON et.id = e.examination_type_id
		WHERE ae.analysis_id = ANY($1)
		ORDER BY e.id`, analysisIDs)
	if err != nil {
		return nil, apperr.FromDB(err, "exam not found")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			analysisID          int64
			e                   ExamRecord
			raw                 []byte
			method, observation *string
		)
		if err := rows.Scan(&analysisID, &e.ID, &e.ExaminationTypeID, &e.ExaminationTypeName, &raw,
			&method, &observation, &e.Validated); err != nil {
			return nil, apperr.FromDB(err, "exam not found")
		}
		if err := json.Unmarshal(raw, &e.TestValues); err != nil {
			return nil, fmt.Errorf("decode test values of exam %d: %w", e.ID, err)
		}
		if method != nil {
			e.Method = *method
		}
		if observation != nil {
			e.Observation = *observation
		}
		out[analysisID] = append(out[analysisID], &e)
	}
	return out, apperr.FromDB(rows.Err(), "exam not found")
}
