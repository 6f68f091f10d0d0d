package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset from the query. Missing values
// take defaults and a limit above MaxLimit is clamped; anything that is not
// a non-negative integer is a validation error.
func ParsePagination(r *http.Request) (PaginationParams, error) {
	p := PaginationParams{Limit: DefaultLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return p, apperrors.ValidationError("limit must be a positive integer")
		}
		p.Limit = min(limit, MaxLimit)
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return p, apperrors.ValidationError("offset must be a non-negative integer")
		}
		p.Offset = offset
	}
	return p, nil
}

// Page returns the window of items selected by p.
func Page[T any](items []T, p PaginationParams) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := min(p.Offset+p.Limit, len(items))
	return items[p.Offset:end]
}
