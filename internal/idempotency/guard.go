// Package idempotency remembers which transactions already produced an
// irreversible side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"persona-chat/internal/domain"
	"persona-chat/internal/metrics"
)

const (
	DefaultCapacity = 4096
	orderBucket     = 10 * time.Minute
)

// Guard is a bounded identity set. Membership checks use Contains, which
// does not refresh recency, so the oldest recorded identity is evicted first.
type Guard struct {
	mu       sync.Mutex
	seen     *lru.Cache
	inFlight map[string]struct{}
}

func NewGuard(capacity int) (*Guard, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	seen, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency: new cache: %w", err)
	}
	return &Guard{seen: seen, inFlight: make(map[string]struct{})}, nil
}

// Do runs fn unless identity was already applied or is being applied. The
// identity is recorded only when fn succeeds. applied reports whether fn ran
// to completion.
func (g *Guard) Do(ctx context.Context, identity string, fn func(context.Context) error) (applied bool, err error) {
	if identity == "" {
		return false, errors.New("idempotency: identity must not be empty")
	}
	g.mu.Lock()
	if _, busy := g.inFlight[identity]; busy || g.seen.Contains(identity) {
		g.mu.Unlock()
		metrics.DuplicateEffectsTotal.Inc()
		return false, nil
	}
	g.inFlight[identity] = struct{}{}
	g.mu.Unlock()

	err = fn(ctx)

	g.mu.Lock()
	delete(g.inFlight, identity)
	if err == nil {
		g.seen.Add(identity, time.Now())
	}
	g.mu.Unlock()

	if err != nil {
		return false, err
	}
	return true, nil
}

// Seen reports whether identity has been applied.
func (g *Guard) Seen(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.Contains(identity)
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.Len()
}

// OrderIdentity is the order id, the ten-minute bucket the order was placed
// in, and a digest of its sorted line items.
func OrderIdentity(orderID string, placedAt time.Time, items []domain.OrderItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("%s×%d@%s", strings.TrimSpace(it.Name), it.Quantity, it.Price.StringFixed(2)))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	bucket := placedAt.UTC().Truncate(orderBucket).Unix()
	return fmt.Sprintf("order:%s:%d:%s", strings.TrimSpace(orderID), bucket, hex.EncodeToString(sum[:6]))
}

// ActionIdentity keys effects that belong to a single pending action.
func ActionIdentity(kind domain.PendingKind, actionID string) string {
	return fmt.Sprintf("%s:%s", kind, actionID)
}
