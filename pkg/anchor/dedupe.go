package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trialmesh/chronicle/pkg/digest"
)

// Deduper keeps digests from being submitted in two batches at once. A
// digest enters the in-flight set when batched and leaves it only if its
// batch fails, so the next batch picks it up again.
type Deduper interface {
	// AddMany records the digests not already in flight and returns, per
	// digest, whether it was newly recorded.
	AddMany(ctx context.Context, digests []digest.Digest) ([]bool, error)
	// Remove releases digests back into the pending pool.
	Remove(ctx context.Context, digests ...digest.Digest) error
}

// RedisDeduper shares the in-flight set across instances via Redis.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client. The TTL
// bounds how long a digest stays reserved if its batch is lost entirely; it
// should comfortably exceed the authority's worst maturation latency.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(d digest.Digest) string {
	return "chronicle:anchor:inflight:" + d.Hex()
}

// AddMany reserves the digests in a single Redis pipeline and returns which
// were newly reserved. On error the slice holds results for commands
// processed before the failure so callers can roll back.
func (r *RedisDeduper) AddMany(ctx context.Context, digests []digest.Digest) ([]bool, error) {
	if len(digests) == 0 {
		return nil, nil
	}

	results := make([]bool, len(digests))
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range digests {
			pipe.SetNX(ctx, r.key(d), 1, r.ttl)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	if len(cmds) != len(digests) {
		return results, fmt.Errorf("anchor: deduper pipeline mismatch: expected %d results, got %d", len(digests), len(cmds))
	}
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return results, fmt.Errorf("anchor: unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return results, cmdErr
		}
		results[i] = val
	}
	return results, nil
}

// Remove releases previously reserved digests.
func (r *RedisDeduper) Remove(ctx context.Context, digests ...digest.Digest) error {
	if len(digests) == 0 {
		return nil
	}
	keys := make([]string, len(digests))
	for i, d := range digests {
		keys[i] = r.key(d)
	}
	return r.client.Del(ctx, keys...).Err()
}

// MemoryDeduper is a single-process in-flight set for tests and embedded
// deployments without Redis.
type MemoryDeduper struct {
	mu       sync.Mutex
	inflight map[digest.Digest]struct{}
}

// NewMemoryDeduper creates an empty in-process deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{inflight: make(map[digest.Digest]struct{})}
}

func (m *MemoryDeduper) AddMany(_ context.Context, digests []digest.Digest) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]bool, len(digests))
	for i, d := range digests {
		if _, ok := m.inflight[d]; ok {
			continue
		}
		m.inflight[d] = struct{}{}
		results[i] = true
	}
	return results, nil
}

func (m *MemoryDeduper) Remove(_ context.Context, digests ...digest.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range digests {
		delete(m.inflight, d)
	}
	return nil
}
