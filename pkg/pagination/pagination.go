package pagination

const (
	// DefaultPageSize is the standard page size when one is not provided.
	DefaultPageSize = 25
	// MaxPageSize caps how many rows any paged query can request.
	MaxPageSize = 100
)

// Params holds offset pagination inputs from controllers or services.
// Queries that consume Params must order by (created_at, id) so pages stay
// stable while concurrent inserts land.
type Params struct {
	Page     int
	PageSize int
}

// Normalize clamps the page and page size into their allowed ranges.
func Normalize(p Params) Params {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the row offset for the normalized params.
func (p Params) Offset() int {
	n := Normalize(p)
	return (n.Page - 1) * n.PageSize
}

// Limit returns the row limit for the normalized params.
func (p Params) Limit() int {
	return Normalize(p).PageSize
}

// Page summarizes one page of results for response envelopes.
type Page struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}
