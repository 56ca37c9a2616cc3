package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fieldline/internal/domain"
	"fieldline/internal/search"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SearchLeads executes a canonical lead query. Every recognized filter
// narrows the result; free text matches name, email and address.
func (r Repo) SearchLeads(ctx context.Context, q search.SearchQuery) ([]domain.Lead, error) {
	var clauses []string
	var args []any

	if v := q.Get("status"); v != "" {
		clauses = append(clauses, "status=?")
		args = append(args, v)
	}
	if v := q.Get("priority"); v != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, v)
	}
	if v := q.Get("safety"); v != "" {
		flag, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid safety filter %q", v)
		}
		clauses = append(clauses, "safety_flag=?")
		args = append(args, boolInt(flag))
	}
	if v := q.Get("min_value"); v != "" {
		min, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid min_value filter %q", v)
		}
		clauses = append(clauses, "value >= ?")
		args = append(args, min)
	}
	if v := q.Get("q"); v != "" {
		like := "%" + escapeLike(v) + "%"
		clauses = append(clauses, `(name LIKE ? ESCAPE '\' OR email LIKE ? ESCAPE '\' OR address LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid page %q", v)
		}
		page = n
	}
	pageSize := defaultPageSize
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid page_size %q", v)
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		pageSize = n
	}

	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, pageSize, (page-1)*pageSize)
	return r.queryLeads(ctx, query, args...)
}

// escapeLike neutralizes LIKE metacharacters in free text. The escape
// character itself goes first so user backslashes stay literal.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "%", `\%`)
	v = strings.ReplaceAll(v, "_", `\_`)
	return v
}
