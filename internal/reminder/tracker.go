package reminder

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
)

const (
	DefaultAttemptCacheSize = 10000
	DefaultAttemptCacheTTL  = 48 * time.Hour
)

// MemoryTracker is a bounded, expiring attempted-set owned by one scheduler.
type MemoryTracker struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryTracker(size int, ttl time.Duration) *MemoryTracker {
	if size <= 0 {
		size = DefaultAttemptCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultAttemptCacheTTL
	}
	return &MemoryTracker{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (t *MemoryTracker) Begin(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache.Contains(key) {
		return false, nil
	}
	t.cache.Add(key, struct{}{})
	return true, nil
}

func (t *MemoryTracker) Forget(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache.Remove(key)
	return nil
}

func (t *MemoryTracker) Len() int {
	return t.cache.Len()
}

func reminderKey(id uuid.UUID, offset int) string {
	return fmt.Sprintf("reminder:%s:%d", id, offset)
}

func readyKey(id uuid.UUID) string {
	return "ready:" + id.String()
}

// changeKey fingerprints the appointment set, the keys of the jobs currently
// due and the current hour. A window that opens mid-hour changes the due keys
// and so the fingerprint.
func changeKey(appts []appointment.Appointment, due []string, now time.Time) uint64 {
	lines := make([]string, len(appts))
	for i, a := range appts {
		lines[i] = a.ID.String() + "|" + string(a.Status) + "|" + a.Date + "|" + a.Time
	}
	sort.Strings(lines)

	h := xxhash.New()
	for _, l := range lines {
		_, _ = h.WriteString(l)
		_, _ = h.WriteString("\n")
	}
	due = append([]string(nil), due...)
	sort.Strings(due)
	for _, k := range due {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\n")
	}
	_, _ = h.WriteString(strconv.FormatInt(now.UTC().Truncate(time.Hour).Unix(), 10))
	return h.Sum64()
}
