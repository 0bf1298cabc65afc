// Package chat keeps a client-side cache of the open group's notes in sync with
// the note log, pages older history on demand and tracks what the user has seen.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatter/internal/feed"
	"chatter/internal/notify"
	"chatter/internal/rbac"
	"chatter/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWindowSize    = 20
	DefaultMaxTextLength = 1000

	backgroundIOTimeout = 5 * time.Second
)

type Options struct {
	UserID        string
	WindowSize    int
	MaxTextLength int
	// Notify enables alerts for notes that arrive while the group is in the
	// background.
	Notify bool
	// RoleFor returns the user's role in a group. It is called once per
	// OpenGroup and must not block. Nil means every group is joined as a
	// member.
	RoleFor func(code string) rbac.Role

	Logger   *zap.Logger
	Metrics  *Metrics
	OnUpdate func(View)
	OnError  func(error)
}

// View is what the display layer renders for the open group.
type View struct {
	Code string
	Window
	Total      int
	Foreground bool
	Live       bool
}

// Draft is a note the user is about to send.
type Draft struct {
	Kind     store.NoteKind
	Text     string
	ImageRef string
}

// session is the state of the single open group. It is replaced, never reused,
// when another group is opened.
type session struct {
	code  string
	role  rbac.Role
	cache *Cache
	sub   *feed.Subscription
	total int

	// newest is the highest key seen in any snapshot of this session. Notes
	// above it in a later snapshot are arrivals.
	newest    store.Key
	seenFirst bool

	foreground bool
	catchUp    bool

	// runDone is closed when the goroutine consuming sub has returned.
	runDone chan struct{}
}

// Controller owns the open group's session. All session state is guarded by mu,
// and no I/O happens while mu is held.
type Controller struct {
	notes    feed.NoteStore
	feed     feed.Subscriber
	tracker  *ReadTracker
	notifier notify.Notifier
	opts     Options
	log      *zap.Logger
	metrics  *Metrics
	loads    singleflight.Group

	mu   sync.Mutex
	sess *session
}

func NewController(notes feed.NoteStore, subscriber feed.Subscriber, tracker *ReadTracker, notifier notify.Notifier, opts Options) *Controller {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Controller{
		notes:    notes,
		feed:     subscriber,
		tracker:  tracker,
		notifier: notifier,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// applied is the outcome of merging one snapshot, carried out of the lock.
type applied struct {
	code     string
	total    int
	arrivals []store.Note
	notify   bool
	view     View
}

// OpenGroup makes code the open group. The role check runs first, so a refused
// open leaves the current group as it was; otherwise any previous subscription
// is released. The first snapshot is applied before OpenGroup returns, and
// entering the group marks everything in it as seen.
func (c *Controller) OpenGroup(ctx context.Context, code string) error {
	c.mu.Lock()
	if s := c.sess; s != nil && s.code == code {
		live := s.sub != nil && s.foreground
		c.mu.Unlock()
		if live {
			return nil
		}
		return c.Foreground(ctx)
	}
	c.mu.Unlock()

	role := c.roleFor(code)
	if !rbac.Can(role, rbac.ActionRead) {
		return ErrForbidden
	}

	c.mu.Lock()
	release := c.detachLocked()
	c.mu.Unlock()
	release()

	sub, first, err := c.subscribe(ctx, code)
	if err != nil {
		return err
	}

	s := &session{
		code:       code,
		role:       role,
		cache:      NewCache(c.opts.WindowSize),
		sub:        sub,
		foreground: true,
		runDone:    make(chan struct{}),
	}
	c.mu.Lock()
	raced := c.detachLocked()
	c.sess = s
	a := c.applyLocked(s, first)
	done := s.runDone
	c.mu.Unlock()
	raced()

	c.log.Debug("chat: opened group", zap.String("group", code), zap.Int("total", first.Total))
	c.afterApply(ctx, a)
	c.recordSeen(ctx, code, first.Total)
	go c.run(s, sub, done)
	return nil
}

func (c *Controller) roleFor(code string) rbac.Role {
	if c.opts.RoleFor == nil {
		return rbac.RoleMember
	}
	return c.opts.RoleFor(code)
}

// CloseGroup releases the subscription and drops the cache. No OnUpdate call
// for the closed group happens after it returns. Calling it with no open group
// does nothing. It must not be called from OnUpdate or OnError.
func (c *Controller) CloseGroup() {
	c.mu.Lock()
	release := c.detachLocked()
	c.mu.Unlock()
	release()
}

// detachLocked clears the open session. The returned func closes its
// subscription and waits for the consuming goroutine; call it without mu.
func (c *Controller) detachLocked() func() {
	s := c.sess
	if s == nil {
		return func() {}
	}
	c.sess = nil
	return c.stopLocked(s)
}

func (c *Controller) stopLocked(s *session) func() {
	sub, done := s.sub, s.runDone
	s.sub, s.runDone = nil, nil
	return func() {
		if sub != nil {
			sub.Close()
		}
		if done != nil {
			<-done
		}
	}
}

// Background releases the live subscription and keeps the cache, so that
// Foreground can resume without refetching history.
func (c *Controller) Background() {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.foreground {
		c.mu.Unlock()
		return
	}
	s.foreground = false
	release := c.stopLocked(s)
	c.mu.Unlock()

	release()
	c.log.Debug("chat: group in background", zap.String("group", s.code))
}

// Foreground resubscribes to the open group. Notes that arrived while the group
// was in the background are notified once. It also recovers a session whose
// subscription failed.
func (c *Controller) Foreground(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return ErrNoOpenGroup
	}
	if s.sub != nil {
		s.foreground = true
		c.mu.Unlock()
		return nil
	}
	code := s.code
	c.mu.Unlock()

	sub, first, err := c.subscribe(ctx, code)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != s || s.sub != nil {
		c.mu.Unlock()
		sub.Close()
		c.metrics.StaleDiscarded.Inc()
		return nil
	}
	s.sub = sub
	s.runDone = make(chan struct{})
	s.catchUp = !s.foreground
	s.foreground = true
	a := c.applyLocked(s, first)
	done := s.runDone
	c.mu.Unlock()

	c.afterApply(ctx, a)
	go c.run(s, sub, done)
	return nil
}

// subscribe opens a subscription and takes its first snapshot.
func (c *Controller) subscribe(ctx context.Context, code string) (*feed.Subscription, feed.Event, error) {
	sub, err := c.feed.SubscribeLastN(ctx, code, c.opts.WindowSize)
	if err != nil {
		c.metrics.SubscriptionErrors.Inc()
		return nil, feed.Event{}, &FetchError{Op: "subscribe", Code: code, Err: err}
	}

	select {
	case first, ok := <-sub.Events():
		switch {
		case !ok:
			sub.Close()
			c.metrics.SubscriptionErrors.Inc()
			return nil, feed.Event{}, &FetchError{Op: "subscribe", Code: code, Err: errSubscriptionEnded}
		case first.Err != nil:
			sub.Close()
			c.metrics.SubscriptionErrors.Inc()
			return nil, feed.Event{}, &FetchError{Op: "subscribe", Code: code, Err: first.Err}
		}
		return sub, first, nil
	case <-ctx.Done():
		sub.Close()
		return nil, feed.Event{}, ctx.Err()
	}
}

// run consumes live snapshots until the subscription ends.
func (c *Controller) run(s *session, sub *feed.Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		if ev.Err != nil {
			c.fail(s, sub, ev.Err)
			return
		}
		a, ok := c.handle(s, sub, ev)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), backgroundIOTimeout)
		c.afterApply(ctx, a)
		cancel()
	}
}

// handle merges ev if sub is still the session's live subscription.
func (c *Controller) handle(s *session, sub *feed.Subscription, ev feed.Event) (applied, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || s.sub != sub {
		c.metrics.StaleDiscarded.Inc()
		return applied{}, false
	}
	return c.applyLocked(s, ev), true
}

func (c *Controller) fail(s *session, sub *feed.Subscription, err error) {
	c.mu.Lock()
	current := c.sess == s && s.sub == sub
	if current {
		s.sub = nil
	}
	c.mu.Unlock()
	sub.Close()
	if !current {
		return
	}

	c.metrics.SubscriptionErrors.Inc()
	c.log.Warn("chat: live subscription ended", zap.String("group", s.code), zap.Error(err))
	if c.opts.OnError != nil {
		c.opts.OnError(&FetchError{Op: "subscription", Code: s.code, Err: err})
	}
}

func (c *Controller) applyLocked(s *session, ev feed.Event) applied {
	var arrivals []store.Note
	for _, note := range ev.Notes {
		if s.seenFirst && s.newest.Less(note.Key) {
			arrivals = append(arrivals, note)
		}
	}
	for _, note := range ev.Notes {
		if s.newest.Less(note.Key) {
			s.newest = note.Key
		}
	}
	s.seenFirst = true

	s.cache.Merge(ev.Notes)
	s.total = ev.Total

	notifyArrivals := c.opts.Notify && (!s.foreground || s.catchUp)
	s.catchUp = false

	c.metrics.Snapshots.Inc()
	c.metrics.NewNotes.Add(float64(len(arrivals)))
	return applied{
		code:     s.code,
		total:    ev.Total,
		arrivals: arrivals,
		notify:   notifyArrivals,
		view:     c.viewLocked(s),
	}
}

// afterApply runs the side effects of a merged snapshot outside the lock.
func (c *Controller) afterApply(ctx context.Context, a applied) {
	if len(a.arrivals) > 0 {
		c.recordSeen(ctx, a.code, a.total)
		if a.notify {
			for _, note := range a.arrivals {
				if note.Sender != "" && note.Sender == c.opts.UserID {
					continue
				}
				c.notifier.Notify(ctx, notificationFor(a.code, note))
			}
		}
	}
	c.publish(a.view)
}

func (c *Controller) recordSeen(ctx context.Context, code string, total int) {
	if c.tracker == nil {
		return
	}
	if _, err := c.tracker.RecordSeen(ctx, code, total); err != nil {
		c.log.Warn("chat: record seen failed", zap.String("group", code), zap.Int("total", total), zap.Error(err))
	}
}

func (c *Controller) publish(v View) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(v)
	}
}

func notificationFor(code string, note store.Note) notify.Notification {
	title := note.SenderName
	if title == "" {
		title = code
	}
	body := note.Text
	if note.Kind == store.KindImage {
		body = "sent an image"
	}
	return notify.Notification{Title: title, Body: body, GroupCode: code}
}

// Send appends a note from the user to the open group. The note becomes visible
// when the live feed echoes it; the read count is raised immediately so the
// echo never shows up as unread.
func (c *Controller) Send(ctx context.Context, d Draft) (store.Note, error) {
	note, err := c.validate(d)
	if err != nil {
		return store.Note{}, err
	}

	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return store.Note{}, ErrNoOpenGroup
	}
	code, before, role := s.code, s.total, s.role
	c.mu.Unlock()
	if !rbac.Can(role, rbac.ActionPost) {
		return store.Note{}, ErrForbidden
	}

	stored, err := c.notes.Append(ctx, code, note)
	if err != nil {
		return store.Note{}, &FetchError{Op: "append", Code: code, Err: err}
	}
	c.recordSeen(ctx, code, before+1)
	return stored, nil
}

func (c *Controller) validate(d Draft) (store.Note, error) {
	kind := d.Kind
	if kind == "" {
		kind = store.KindUser
	}
	note := store.Note{Kind: kind, Sender: c.opts.UserID}

	switch kind {
	case store.KindUser:
		text := strings.TrimSpace(d.Text)
		if text == "" {
			return store.Note{}, ErrInvalidNote
		}
		note.Text = text
	case store.KindImage:
		if strings.TrimSpace(d.ImageRef) == "" {
			return store.Note{}, ErrInvalidNote
		}
		note.ImageRef = d.ImageRef
		note.Text = strings.TrimSpace(d.Text)
	default:
		return store.Note{}, ErrInvalidNote
	}
	if utf8.RuneCountInString(note.Text) > c.opts.MaxTextLength {
		return store.Note{}, ErrInvalidNote
	}
	return note, nil
}

// Delete removes a note from the open group. Members may delete their own
// notes; deleting anything else, or a note outside the cache, takes the owner
// role. The cache catches up on the next snapshot.
func (c *Controller) Delete(ctx context.Context, key store.Key) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return ErrNoOpenGroup
	}
	code, role := s.code, s.role
	note, cached := s.cache.Get(key)
	c.mu.Unlock()

	action := rbac.ActionDeleteAny
	if cached {
		action = rbac.DeleteAction(note, c.opts.UserID)
	}
	if !rbac.Can(role, action) {
		return ErrForbidden
	}

	if err := c.notes.DeleteByKey(ctx, code, key); err != nil {
		return &FetchError{Op: "delete", Code: code, Err: err}
	}
	return nil
}

// View returns the open group's current state, or the zero View.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return View{}
	}
	return c.viewLocked(c.sess)
}

func (c *Controller) viewLocked(s *session) View {
	return View{
		Code:       s.code,
		Window:     s.cache.Snapshot(),
		Total:      s.total,
		Foreground: s.foreground,
		Live:       s.sub != nil,
	}
}

// Unread is the open group's unread count.
func (c *Controller) Unread(ctx context.Context) (int, error) {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return 0, ErrNoOpenGroup
	}
	code, total := s.code, s.total
	c.mu.Unlock()

	if c.tracker == nil {
		return 0, nil
	}
	return c.tracker.UnreadCount(ctx, code, total)
}
