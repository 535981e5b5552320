package application

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListFilter narrows an application listing. Zero values mean "any".
type ListFilter struct {
	Statuses []Status
	DoctorID *uuid.UUID
	ClientID *uuid.UUID
	Source   *Source
	Limit    int
	Offset   int
}

func (f ListFilter) where() sq.And {
	cond := sq.And{}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		cond = append(cond, sq.Eq{"status": statuses})
	}
	if f.DoctorID != nil {
		cond = append(cond, sq.Eq{"doctor_id": *f.DoctorID})
	}
	if f.ClientID != nil {
		cond = append(cond, sq.Eq{"client_id": *f.ClientID})
	}
	if f.Source != nil {
		cond = append(cond, sq.Eq{"source": string(*f.Source)})
	}
	return cond
}

// BuildListQuery renders the page query and the matching count query.
func BuildListQuery(f ListFilter) (pageSQL string, pageArgs []interface{}, countSQL string, countArgs []interface{}, err error) {
	where := f.where()

	page := psql.Select(applicationCols).From("applications").
		OrderBy("created_at DESC", "display_number DESC")
	count := psql.Select("COUNT(*)").From("applications")
	if len(where) > 0 {
		page = page.Where(where)
		count = count.Where(where)
	}
	if f.Limit > 0 {
		page = page.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		page = page.Offset(uint64(f.Offset))
	}
	pageSQL, pageArgs, err = page.ToSql()
	if err != nil {
		return "", nil, "", nil, fmt.Errorf("build list query: %w", err)
	}

	countSQL, countArgs, err = count.ToSql()
	if err != nil {
		return "", nil, "", nil, fmt.Errorf("build count query: %w", err)
	}
	return pageSQL, pageArgs, countSQL, countArgs, nil
}
