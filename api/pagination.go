package api

import (
	"math"
	"net/http"
	"strconv"
)

// maxPage caps the page query parameter
const maxPage = 1000000

// PaginationParams holds pagination query parameters
type PaginationParams struct {
	Page  int `json:"page"`  // 1-based
	Limit int `json:"limit"`
}

// PaginationResponse wraps one page of results
type PaginationResponse struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// ParsePaginationParams reads page and limit, ignoring malformed values
func ParsePaginationParams(r *http.Request, defaultLimit int, maxLimit int) PaginationParams {
	page := 1
	limit := defaultLimit

	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = min(parsed, maxPage)
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}

	return PaginationParams{Page: page, Limit: limit}
}

// NewPaginationResponse creates a paginated response
func NewPaginationResponse(items interface{}, total int64, page int, limit int) PaginationResponse {
	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	if totalPages < 1 {
		totalPages = 1
	}

	return PaginationResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}
}
