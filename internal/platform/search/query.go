// Package search builds parameterized list queries from user-supplied
// search text, column filters and sort fields checked against an allow-list.
package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/labresults/lims/internal/platform/apperr"
)

// FilterKind selects how a filter value is matched against its column.
type FilterKind int

const (
	Contains FilterKind = iota // case-insensitive substring
	Equals                     // exact text match
	Integer                    // exact integer match
	Boolean                    // true/false
	Date                       // calendar day, YYYY-MM-DD or DD/MM/YYYY
)

// Field maps a public field name to its SQL expression. Column may be any
// expression, e.g. a computed age.
type Field struct {
	Kind   FilterKind
	Column string
}

// Query accumulates WHERE clauses and their arguments.
type Query struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func NewQuery(table, cols string) *Query {
	return &Query{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Idx returns the next available parameter index.
func (q *Query) Idx() int { return q.idx }

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *Query) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddSearch matches term as a substring of any of columns.
func (q *Query) AddSearch(term string, columns ...string) {
	term = strings.TrimSpace(term)
	if term == "" || len(columns) == 0 {
		return
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s ILIKE $%d", col, q.idx)
	}
	q.Add("("+strings.Join(parts, " OR ")+")", "%"+escapeLike(term)+"%")
}

// ApplyFilter adds one column filter. Empty values are ignored.
func (q *Query) ApplyFilter(f Field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	switch f.Kind {
	case Contains:
		q.Add(fmt.Sprintf("%s ILIKE $%d", f.Column, q.idx), "%"+escapeLike(value)+"%")
	case Equals:
		q.Add(fmt.Sprintf("%s = $%d", f.Column, q.idx), value)
	case Integer:
		n, err := strconv.Atoi(value)
		if err != nil {
			return apperr.InvalidInput(fmt.Sprintf("filter value %q is not a whole number", value))
		}
		q.Add(fmt.Sprintf("%s = $%d", f.Column, q.idx), n)
	case Boolean:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return apperr.InvalidInput(fmt.Sprintf("filter value %q is not true or false", value))
		}
		q.Add(fmt.Sprintf("%s = $%d", f.Column, q.idx), b)
	case Date:
		d, err := ParseDay(value)
		if err != nil {
			return apperr.InvalidInput(fmt.Sprintf("filter value %q is not a date", value))
		}
		q.Add(fmt.Sprintf("%s::date = $%d::date", f.Column, q.idx), d.Format("2006-01-02"))
	}
	return nil
}

// ApplyFilters applies every filter whose name is in fields; others are
// ignored.
func (q *Query) ApplyFilters(filters map[string]string, fields map[string]Field) error {
	for name, value := range filters {
		f, ok := fields[NormalizeName(name)]
		if !ok {
			continue
		}
		if err := q.ApplyFilter(f, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplySort orders by field in order ("asc"/"desc"), then by tieBreak.
// Unknown fields fall back to defaultOrder.
func (q *Query) ApplySort(field, order, defaultOrder, tieBreak string, fields map[string]Field) {
	f, ok := fields[NormalizeName(field)]
	if field == "" || !ok {
		q.orderBy = defaultOrder
		return
	}
	dir := "ASC"
	if strings.EqualFold(strings.TrimSpace(order), "desc") {
		dir = "DESC"
	}
	q.orderBy = f.Column + " " + dir
	if tieBreak != "" {
		q.orderBy += ", " + tieBreak + " " + dir
	}
}

// OrderBy returns the ORDER BY clause (without the keyword).
func (q *Query) OrderBy() string { return q.orderBy }

// CountSQL returns the count query SQL.
func (q *Query) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *Query) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *Query) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (filter args + limit + offset).
func (q *Query) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

// ParseDay accepts YYYY-MM-DD or DD/MM/YYYY.
func ParseDay(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// NormalizeName converts camelCase field names to snake_case so clients may
// send either.
func NormalizeName(name string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(name) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
