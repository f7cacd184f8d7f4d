package pagination

import (
	"math"

	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gin-gonic/gin"
)

const (
	// DefaultLimit is the default number of items per page
	DefaultLimit = 20
	// MaxLimit is the maximum number of items per page
	MaxLimit = 100
)

// Params represents pagination parameters
type Params struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

// ParseParams extracts limit and offset from the query string, falling back
// to defaults for missing or out-of-range values.
func ParseParams(c *gin.Context) Params {
	params := Params{Limit: DefaultLimit}
	if err := c.ShouldBindQuery(&params); err != nil {
		return Params{Limit: DefaultLimit}
	}
	return params.normalize()
}

func (p Params) normalize() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Slice returns the page of items selected by p. An offset past the end
// yields an empty, non-nil page.
func Slice[T any](items []T, p Params) []T {
	p = p.normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// BuildMeta creates pagination metadata for responses
func BuildMeta(limit, offset int, total int64) *common.Meta {
	meta := &common.Meta{
		Limit:  limit,
		Offset: offset,
		Total:  total,
	}
	if limit > 0 {
		meta.TotalPages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return meta
}

// HasMore checks if there are more items available
func HasMore(offset, limit int, total int64) bool {
	return int64(offset+limit) < total
}
