package chat

import (
	"context"
	"strconv"
	"sync"
)

// ReadStateStore persists the last-seen count per group for one user. Both
// methods must be safe for concurrent use, and SetLastSeen must never lower a
// stored value.
type ReadStateStore interface {
	GetLastSeen(ctx context.Context, code string) (int, error)
	SetLastSeen(ctx context.Context, code string, count int) error
}

// ReadTracker keeps the per-group last-seen counts that drive unread badges.
// Counts only ever grow; it also remembers the highest count written in this
// process so a lagging store read cannot move a badge backwards.
type ReadTracker struct {
	states ReadStateStore

	mu   sync.Mutex
	seen map[string]int
}

func NewReadTracker(states ReadStateStore) *ReadTracker {
	return &ReadTracker{states: states, seen: make(map[string]int)}
}

func (t *ReadTracker) LastSeen(ctx context.Context, code string) (int, error) {
	stored, err := t.states.GetLastSeen(ctx, code)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if stored > t.seen[code] {
		t.seen[code] = stored
	}
	return t.seen[code], nil
}

// RecordSeen raises the last-seen count of code to total. It reports whether the
// stored value changed.
func (t *ReadTracker) RecordSeen(ctx context.Context, code string, total int) (bool, error) {
	current, err := t.LastSeen(ctx, code)
	if err != nil {
		return false, err
	}
	if total <= current {
		return false, nil
	}
	if err := t.states.SetLastSeen(ctx, code, total); err != nil {
		return false, err
	}

	t.mu.Lock()
	if total > t.seen[code] {
		t.seen[code] = total
	}
	t.mu.Unlock()
	return true, nil
}

func (t *ReadTracker) UnreadCount(ctx context.Context, code string, total int) (int, error) {
	seen, err := t.LastSeen(ctx, code)
	if err != nil {
		return 0, err
	}
	return Unread(total, seen), nil
}

// Unread is total minus lastSeen, floored at zero. Deletions can push total
// below lastSeen.
func Unread(total, lastSeen int) int {
	if total <= lastSeen {
		return 0
	}
	return total - lastSeen
}

// Badge renders an unread count for a group list: empty for zero and capped at
// "99+".
func Badge(unread int) string {
	switch {
	case unread <= 0:
		return ""
	case unread > 99:
		return "99+"
	default:
		return strconv.Itoa(unread)
	}
}
