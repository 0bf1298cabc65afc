package chat

import (
	"context"

	"chatter/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoadOlder fetches the page of notes just before the cache's oldest note and
// prepends it, returning how many notes were added. It does nothing when no
// group is open or there is no older history. Concurrent calls for the same
// cursor share one fetch; a caller whose ctx ends stops waiting without failing
// the others. A page that arrives after the session or its cursor moved on is
// discarded.
func (c *Controller) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.cache.HasMoreOlder() || s.cache.OldestKey().IsZero() {
		c.mu.Unlock()
		return 0, nil
	}
	code, cursor := s.code, s.cache.OldestKey()
	c.mu.Unlock()

	// The fetch is shared by every caller for this cursor, so it must not
	// inherit any one caller's cancellation.
	results := c.loads.DoChan(code+"/"+string(cursor), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundIOTimeout)
		defer cancel()
		return c.notes.FetchBefore(fetchCtx, code, cursor, c.opts.WindowSize)
	})
	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if res.Err != nil {
		return 0, &FetchError{Op: "fetch older", Code: code, Err: res.Err}
	}
	page := res.Val.([]store.Note)

	c.mu.Lock()
	if c.sess != s || s.cache.OldestKey() != cursor {
		c.mu.Unlock()
		c.metrics.StaleDiscarded.Inc()
		c.log.Debug("chat: discarded stale page", zap.String("group", code), zap.String("cursor", string(cursor)))
		return 0, nil
	}
	added := s.cache.Prepend(page)
	view := c.viewLocked(s)
	c.mu.Unlock()

	c.metrics.PagesLoaded.Inc()
	c.publish(view)
	return added, nil
}
