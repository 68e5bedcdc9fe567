package store

const (
	DefaultPage     = 1
	MaxPageSize     = 100
	defaultPageSize = 20
)

// PageRequest is a 1-based page number and page size. Out-of-range values
// are normalized by Normalize.
type PageRequest struct {
	Page     int
	PageSize int
}

func (r PageRequest) Normalize() PageRequest {
	if r.Page < 1 {
		r.Page = DefaultPage
	}
	if r.PageSize < 1 {
		r.PageSize = defaultPageSize
	}
	if r.PageSize > MaxPageSize {
		r.PageSize = MaxPageSize
	}
	return r
}

func (r PageRequest) Offset() int {
	return (r.Page - 1) * r.PageSize
}

type OffsetPage[T any] struct {
	Items      []T
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

func NewOffsetPage[T any](items []T, total int64, req PageRequest) *OffsetPage[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := int((total + int64(req.PageSize) - 1) / int64(req.PageSize))
	return &OffsetPage[T]{
		Items:      items,
		Total:      total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: totalPages,
	}
}

func (p *OffsetPage[T]) HasNext() bool { return p.Page < p.TotalPages }

func (p *OffsetPage[T]) HasPrev() bool { return p.Page > 1 }
