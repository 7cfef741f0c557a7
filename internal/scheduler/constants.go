package scheduler

import "time"

const (
	// DefaultExecutionTimeout bounds handlers that don't override
	// options.timeout
	DefaultExecutionTimeout = 5 * time.Minute

	// defaultListLimit caps ledger queries that don't specify one
	defaultListLimit = 50
)
