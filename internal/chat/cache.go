package chat

import (
	"sort"

	"chatter/internal/store"
)

// Window is a read-only copy of the cache handed to the display layer.
type Window struct {
	Notes        []store.Note
	OldestKey    store.Key
	HasMoreOlder bool
}

// Cache is the client-side copy of a contiguous suffix of one group's log,
// ordered oldest to newest with unique keys. It is not safe for concurrent use;
// the Controller serialises access.
type Cache struct {
	window  int
	notes   []store.Note
	byKey   map[store.Key]int
	hasMore bool
}

func NewCache(window int) *Cache {
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &Cache{window: window, byKey: make(map[store.Key]int)}
}

func (c *Cache) Len() int { return len(c.notes) }

// OldestKey is the pagination cursor. It is empty when the cache is.
func (c *Cache) OldestKey() store.Key {
	if len(c.notes) == 0 {
		return ""
	}
	return c.notes[0].Key
}

func (c *Cache) NewestKey() store.Key {
	if len(c.notes) == 0 {
		return ""
	}
	return c.notes[len(c.notes)-1].Key
}

func (c *Cache) HasMoreOlder() bool { return c.hasMore }

func (c *Cache) Contains(key store.Key) bool {
	_, ok := c.byKey[key]
	return ok
}

func (c *Cache) Get(key store.Key) (store.Note, bool) {
	i, ok := c.byKey[key]
	if !ok {
		return store.Note{}, false
	}
	return c.notes[i], true
}

// Merge applies a tail snapshot. Cached notes older than the snapshot's oldest
// key are kept and everything from that key on is replaced, which drops notes
// deleted inside the window. An empty snapshot means the log is empty. A
// snapshot that starts after the newest cached note cannot be stitched to the
// cache and replaces it.
func (c *Cache) Merge(tail []store.Note) {
	tail = normalize(tail)
	if len(tail) == 0 {
		c.reset(nil)
		c.hasMore = false
		return
	}
	if len(c.notes) == 0 || c.NewestKey().Less(tail[0].Key) {
		c.reset(tail)
		c.hasMore = len(tail) >= c.window
		return
	}

	cut := sort.Search(len(c.notes), func(i int) bool { return !c.notes[i].Key.Less(tail[0].Key) })
	merged := make([]store.Note, 0, cut+len(tail))
	merged = append(merged, c.notes[:cut]...)
	merged = append(merged, tail...)
	c.reset(merged)
}

// Prepend adds a page of older notes and returns how many were new to the
// cache. A page shorter than the window means the start of the log was reached.
func (c *Cache) Prepend(page []store.Note) int {
	c.hasMore = len(page) >= c.window

	fresh := make([]store.Note, 0, len(page)+len(c.notes))
	for _, note := range normalize(page) {
		if !c.Contains(note.Key) {
			fresh = append(fresh, note)
		}
	}
	added := len(fresh)
	if added == 0 {
		return 0
	}
	c.reset(normalize(append(fresh, c.notes...)))
	return added
}

// Snapshot copies the cache so the caller may hold it without the lock.
func (c *Cache) Snapshot() Window {
	return Window{
		Notes:        append([]store.Note{}, c.notes...),
		OldestKey:    c.OldestKey(),
		HasMoreOlder: c.hasMore,
	}
}

func (c *Cache) reset(notes []store.Note) {
	c.notes = notes
	c.byKey = make(map[store.Key]int, len(notes))
	for i, note := range notes {
		c.byKey[note.Key] = i
	}
}

// normalize returns notes sorted by key with duplicates collapsed to the last
// occurrence. The input is not modified.
func normalize(notes []store.Note) []store.Note {
	if len(notes) == 0 {
		return nil
	}
	out := append([]store.Note(nil), notes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })

	n := 0
	for i := range out {
		if n > 0 && out[n-1].Key == out[i].Key {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}
