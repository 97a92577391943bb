package retrieval

import "context"

// sourceQuery is what a Source needs to answer one federated request.
type sourceQuery struct {
	Query     string
	Project   string
	TopicPath string
	Limit     int
}

// Source executes one retrieval strategy against a single backend and
// returns scored candidate rows. Implementations must not panic on
// empty results; an empty slice and nil error means "no matches".
type Source interface {
	Name() SourceName
	Fetch(ctx context.Context, q sourceQuery) ([]Row, error)
}
