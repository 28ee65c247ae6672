package health

import "context"

// ReadinessCheck is implemented by every dependency the worker process
// cannot serve without.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
