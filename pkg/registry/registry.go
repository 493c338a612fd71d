// Package registry provides an optional Redis-backed cache shared across
// droidlab processes on the same host, used to publish trajectory bindings
// and worker heartbeats beyond a single process's in-memory tables.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/droidlab/droidlab/pkg/util"
)

const keyPrefix = "droidlab:"

// Registry wraps a Redis client for cross-process trajectory lookups. A nil
// *Registry is valid and every method becomes a no-op, so the shared cache
// is purely additive over the in-process trajectory.Manager table.
type Registry struct {
	client *redis.Client
}

// New connects to addr ("host:port"). Pass an empty addr to get a disabled
// Registry whose methods no-op.
func New(addr string) *Registry {
	if addr == "" {
		return nil
	}
	return &Registry{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies connectivity at startup.
func (r *Registry) Ping(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return util.NewInternal("registry_ping", err)
	}
	return nil
}

// PutBinding publishes a trajectory's device binding summary with a TTL
// refreshed on every call, so a stale entry disappears if its owning
// process dies without cleaning up.
func (r *Registry) PutBinding(ctx context.Context, trajectoryID, deviceID string, consolePort int) error {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(map[string]interface{}{
		"device_id":    deviceID,
		"console_port": consolePort,
		"updated_at":   time.Now().Unix(),
	})
	if err != nil {
		return util.NewInternal("registry_put_binding", err)
	}
	if err := r.client.Set(ctx, bindingKey(trajectoryID), data, 10*time.Minute).Err(); err != nil {
		return util.NewInternal("registry_put_binding", err)
	}
	return nil
}

// RemoveBinding deletes a trajectory's published binding.
func (r *Registry) RemoveBinding(ctx context.Context, trajectoryID string) error {
	if r == nil {
		return nil
	}
	if err := r.client.Del(ctx, bindingKey(trajectoryID)).Err(); err != nil {
		return util.NewInternal("registry_remove_binding", err)
	}
	return nil
}

// PutHeartbeat records a worker's last-seen timestamp, for cross-process
// coordinator visibility.
func (r *Registry) PutHeartbeat(ctx context.Context, workerID string, ts time.Time) error {
	if r == nil {
		return nil
	}
	if err := r.client.Set(ctx, heartbeatKey(workerID), ts.Unix(), heartbeatTTL).Err(); err != nil {
		return util.NewInternal("registry_put_heartbeat", err)
	}
	return nil
}

const heartbeatTTL = 5 * time.Minute

func bindingKey(trajectoryID string) string {
	return fmt.Sprintf("%sbinding:%s", keyPrefix, trajectoryID)
}

func heartbeatKey(workerID string) string {
	return fmt.Sprintf("%sheartbeat:%s", keyPrefix, workerID)
}

// Close releases the underlying Redis connection pool.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}
