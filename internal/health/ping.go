package health

import "context"

// HealthPinger is implemented by backends that can answer a liveness probe
// directly, like the chat model client. HealthPing must return nil when the
// backend is reachable and serving.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}
