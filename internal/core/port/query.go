package port

import "context"

// QueryValidator validates SQL statements before execution.
type QueryValidator interface {
	Validate(sql string) error
}

// QueryExecutor runs a validated statement and returns its rows keyed by column name.
type QueryExecutor interface {
	Execute(ctx context.Context, sql string) ([]map[string]any, error)
}

// RejectionRecorder audits statements the validator refused, which never
// reach the database and so are never watched.
type RejectionRecorder interface {
	Reject(ctx context.Context, sql string, cause error)
}
