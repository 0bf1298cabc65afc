package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatter/internal/feed"
	"chatter/internal/notify"
	"chatter/internal/rbac"
	"chatter/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

const (
	testCode  = "ABC123"
	otherCode = "XYZ789"
)

var errBackendDown = errors.New("backend down")

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.got...)
}

type fixture struct {
	mem      *store.MemoryStore
	states   *store.MemoryReadStates
	notifier *recordingNotifier
	metrics  *Metrics
	updates  chan View
	errs     chan error
}

// newFixture creates group ABC123 owned by alice (u1) holding exactly prior
// notes from bob (u2).
func newFixture(t *testing.T, prior int) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for _, u := range []store.User{{ID: "u1", Name: "alice"}, {ID: "u2", Name: "bob"}} {
		if err := mem.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	for _, code := range []string{testCode, otherCode} {
		if err := mem.CreateGroup(ctx, store.Group{Code: code, Name: "Lunch", CreatorID: "u1"}, "alice"); err != nil {
			t.Fatalf("CreateGroup: %v", err)
		}
	}

	existing, _ := mem.FetchAll(ctx, testCode)
	for _, n := range existing {
		if err := mem.DeleteByKey(ctx, testCode, n.Key); err != nil {
			t.Fatalf("DeleteByKey: %v", err)
		}
	}
	f := &fixture{
		mem:      mem,
		states:   mem.ReadStatesFor("u1"),
		notifier: &recordingNotifier{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		updates:  make(chan View, 256),
		errs:     make(chan error, 4),
	}
	for i := 1; i <= prior; i++ {
		f.appendFrom(t, "u2", fmt.Sprintf("note %d", i))
	}
	return f
}

func (f *fixture) appendFrom(t *testing.T, sender, text string) store.Note {
	t.Helper()
	n, err := f.mem.Append(context.Background(), testCode, store.Note{Kind: store.KindUser, Sender: sender, Text: text})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return n
}

func (f *fixture) controller(t *testing.T, notes feed.NoteStore, sub feed.Subscriber, mutate ...func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		UserID:     "u1",
		WindowSize: 20,
		Notify:     true,
		Metrics:    f.metrics,
		RoleFor: func(code string) rbac.Role {
			group, err := f.mem.GetGroup(context.Background(), code)
			if err != nil {
				return rbac.RoleOutsider
			}
			return rbac.RoleIn(group, "u1")
		},
		OnUpdate: func(v View) {
			select {
			case f.updates <- v:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case f.errs <- err:
			default:
			}
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	c := NewController(notes, sub, NewReadTracker(f.states), f.notifier, opts)
	t.Cleanup(c.CloseGroup)
	return c
}

// idlePoller never ticks during a test, so only initial snapshots are delivered.
func (f *fixture) idlePoller() *feed.Poller {
	return feed.NewPoller(f.mem, time.Hour, nil)
}

func (f *fixture) lastSeen(t *testing.T, code string) int {
	t.Helper()
	seen, err := f.states.GetLastSeen(context.Background(), code)
	if err != nil {
		t.Fatalf("GetLastSeen: %v", err)
	}
	return seen
}

func (f *fixture) allKeys(t *testing.T) []store.Key {
	t.Helper()
	notes, err := f.mem.FetchAll(context.Background(), testCode)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	return keysOf(notes)
}

func waitForView(t *testing.T, updates <-chan View, ok func(View) bool) View {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-updates:
			if ok(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for view")
			return View{}
		}
	}
}

func liveSession(c *Controller) (*session, *feed.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, nil
	}
	return c.sess, c.sess.sub
}

// deliver hands the store's current tail to the controller as if sub had
// produced it.
func deliver(t *testing.T, c *Controller, f *fixture, s *session, sub *feed.Subscription) bool {
	t.Helper()
	ctx := context.Background()
	notes, err := f.mem.FetchLastN(ctx, s.code, c.opts.WindowSize)
	if err != nil {
		t.Fatalf("FetchLastN: %v", err)
	}
	total, _ := f.mem.CountNotes(ctx, s.code)
	a, ok := c.handle(s, sub, feed.Event{Code: s.code, Notes: notes, Total: total})
	if ok {
		c.afterApply(ctx, a)
	}
	return ok
}

func TestSendEchoesThroughPushFeed(t *testing.T) {
	f := newFixture(t, 0)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := f.controller(t, feed.NewPublisher(f.mem, client, nil), feed.NewRedisFeed(client, f.mem, nil))
	ctx := context.Background()

	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	if v := c.View(); len(v.Notes) != 0 || v.Total != 0 || !v.Live || !v.Foreground {
		t.Fatalf("unexpected initial view %+v", v)
	}

	sent, err := c.Send(ctx, Draft{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	v := waitForView(t, f.updates, func(v View) bool { return len(v.Notes) == 1 })
	if v.Notes[0].Key != sent.Key || v.Notes[0].Text != "hello" || v.Notes[0].SenderName != "alice" {
		t.Fatalf("unexpected echoed note %+v", v.Notes[0])
	}
	if seen := f.lastSeen(t, testCode); seen != 1 {
		t.Fatalf("lastSeen = %d, want 1", seen)
	}
	unread, err := c.Unread(ctx)
	if err != nil || unread != 0 {
		t.Fatalf("unread = %d, err = %v", unread, err)
	}
	if got := f.notifier.all(); len(got) != 0 {
		t.Fatalf("own note in the foreground must not notify: %+v", got)
	}
}

func TestOpenGroupLoadsLatestWindowAndMarksSeen(t *testing.T) {
	f := newFixture(t, 25)
	c := f.controller(t, f.mem, f.idlePoller())

	if err := c.OpenGroup(context.Background(), testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	v := c.View()
	if diff := cmp.Diff(f.allKeys(t)[5:], keysOf(v.Notes)); diff != "" {
		t.Fatalf("window keys (-want +got):\n%s", diff)
	}
	if v.Code != testCode || v.Total != 25 || !v.HasMoreOlder || v.OldestKey != v.Notes[0].Key {
		t.Fatalf("unexpected view %+v", v)
	}
	if seen := f.lastSeen(t, testCode); seen != 25 {
		t.Fatalf("lastSeen = %d, want 25", seen)
	}
	if len(f.notifier.all()) != 0 {
		t.Fatal("the first snapshot has no new notes")
	}
	if got := testutil.ToFloat64(f.metrics.Snapshots); got != 1 {
		t.Fatalf("snapshots = %v", got)
	}
}

func TestReopenOpenGroupIsNoOp(t *testing.T) {
	f := newFixture(t, 3)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.OpenGroup(ctx, testCode); err != nil {
			t.Fatalf("OpenGroup: %v", err)
		}
	}
	if got := testutil.ToFloat64(f.metrics.Snapshots); got != 1 {
		t.Fatalf("re-opening resubscribed: snapshots = %v", got)
	}
}

func TestOpenAnotherGroupReleasesPrevious(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, 3)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()

	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	if err := c.OpenGroup(ctx, otherCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	v := c.View()
	if v.Code != otherCode || len(v.Notes) != 1 || v.Notes[0].Text != "alice created the group" {
		t.Fatalf("unexpected view after switching groups %+v", v)
	}

	c.CloseGroup()
	c.CloseGroup()
	if v := c.View(); v.Code != "" || len(v.Notes) != 0 {
		t.Fatalf("closed controller should have an empty view, got %+v", v)
	}
}

func TestBackgroundForegroundCatchesUp(t *testing.T) {
	f := newFixture(t, 20)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()

	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	if seen := f.lastSeen(t, testCode); seen != 20 {
		t.Fatalf("lastSeen = %d, want 20", seen)
	}

	c.Background()
	if v := c.View(); v.Live || v.Foreground || len(v.Notes) != 20 {
		t.Fatalf("background must keep the cache and drop the subscription: %+v", v)
	}

	f.appendFrom(t, "u2", "late 1")
	f.appendFrom(t, "u2", "late 2")

	if err := c.Foreground(ctx); err != nil {
		t.Fatalf("Foreground: %v", err)
	}

	v := c.View()
	if diff := cmp.Diff(f.allKeys(t), keysOf(v.Notes)); diff != "" {
		t.Fatalf("cache should hold all 22 notes once (-want +got):\n%s", diff)
	}
	if !v.Live || !v.Foreground || v.Total != 22 {
		t.Fatalf("unexpected view %+v", v)
	}

	want := []notify.Notification{
		{Title: "bob", Body: "late 1", GroupCode: testCode},
		{Title: "bob", Body: "late 2", GroupCode: testCode},
	}
	if diff := cmp.Diff(want, f.notifier.all()); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
	if seen := f.lastSeen(t, testCode); seen != 22 {
		t.Fatalf("lastSeen = %d, want 22", seen)
	}
	if got := testutil.ToFloat64(f.metrics.NewNotes); got != 2 {
		t.Fatalf("new notes = %v", got)
	}
}

func TestCatchUpSkipsOwnNotes(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()

	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	c.Background()
	f.appendFrom(t, "u1", "from another device")
	f.appendFrom(t, "u2", "hi alice")
	if err := c.Foreground(ctx); err != nil {
		t.Fatalf("Foreground: %v", err)
	}

	got := f.notifier.all()
	if len(got) != 1 || got[0].Body != "hi alice" {
		t.Fatalf("expected one notification for bob's note, got %+v", got)
	}
	if seen := f.lastSeen(t, testCode); seen != 4 {
		t.Fatalf("own notes still count as seen: lastSeen = %d", seen)
	}
}

func TestCatchUpRespectsNotifyOption(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller(), func(o *Options) { o.Notify = false })
	ctx := context.Background()

	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	c.Background()
	f.appendFrom(t, "u2", "quiet")
	if err := c.Foreground(ctx); err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	if got := f.notifier.all(); len(got) != 0 {
		t.Fatalf("notifications are disabled, got %+v", got)
	}
}

func TestLiveArrivalsInForegroundAreNotNotified(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller())
	if err := c.OpenGroup(context.Background(), testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	f.appendFrom(t, "u2", "while watching")
	s, sub := liveSession(c)
	if !deliver(t, c, f, s, sub) {
		t.Fatal("current subscription's event was discarded")
	}

	if v := c.View(); len(v.Notes) != 3 || v.Notes[2].Text != "while watching" {
		t.Fatalf("unexpected view %+v", v)
	}
	if got := f.notifier.all(); len(got) != 0 {
		t.Fatalf("foreground arrivals must not notify, got %+v", got)
	}
	if seen := f.lastSeen(t, testCode); seen != 3 {
		t.Fatalf("lastSeen = %d, want 3", seen)
	}
}

func TestEventsFromReleasedSubscriptionAreDiscarded(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller())
	if err := c.OpenGroup(context.Background(), testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	s, oldSub := liveSession(c)
	c.Background()
	f.appendFrom(t, "u2", "too late")

	if deliver(t, c, f, s, oldSub) {
		t.Fatal("event from a released subscription was applied")
	}
	if v := c.View(); len(v.Notes) != 2 {
		t.Fatalf("cache changed: %+v", v)
	}
	if got := testutil.ToFloat64(f.metrics.StaleDiscarded); got != 1 {
		t.Fatalf("stale discarded = %v", got)
	}
}

// switchableNotes fails tail reads while failing is set.
type switchableNotes struct {
	*store.MemoryStore
	failing atomic.Bool
}

func (s *switchableNotes) FetchLastN(ctx context.Context, code string, n int) ([]store.Note, error) {
	if s.failing.Load() {
		return nil, errBackendDown
	}
	return s.MemoryStore.FetchLastN(ctx, code, n)
}

func TestSubscriptionFailureIsReportedAndRecoverable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, 2)
	notes := &switchableNotes{MemoryStore: f.mem}
	c := f.controller(t, notes, feed.NewPoller(notes, 5*time.Millisecond, nil))
	ctx := context.Background()

	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	notes.failing.Store(true)

	select {
	case err := <-f.errs:
		if !errors.Is(err, ErrTransientFetch) || !errors.Is(err, errBackendDown) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription failure was not reported")
	}
	if v := c.View(); v.Live || len(v.Notes) != 2 {
		t.Fatalf("failed session should keep its cache without a subscription: %+v", v)
	}
	if got := testutil.ToFloat64(f.metrics.SubscriptionErrors); got != 1 {
		t.Fatalf("subscription errors = %v", got)
	}

	notes.failing.Store(false)
	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if v := c.View(); !v.Live {
		t.Fatalf("re-open should resubscribe: %+v", v)
	}
	c.CloseGroup()
}

func TestOpenGroupInitialFailure(t *testing.T) {
	f := newFixture(t, 2)
	notes := &switchableNotes{MemoryStore: f.mem}
	notes.failing.Store(true)
	c := f.controller(t, notes, feed.NewPoller(notes, time.Hour, nil))

	err := c.OpenGroup(context.Background(), testCode)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Op != "subscribe" || !errors.Is(err, ErrTransientFetch) {
		t.Fatalf("expected a subscribe FetchError, got %v", err)
	}
	if v := c.View(); v.Code != "" {
		t.Fatalf("failed open must not leave a session: %+v", v)
	}
}

func TestOperationsWithoutOpenGroup(t *testing.T) {
	f := newFixture(t, 0)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()

	if err := c.Foreground(ctx); !errors.Is(err, ErrNoOpenGroup) {
		t.Errorf("Foreground: %v", err)
	}
	if _, err := c.Send(ctx, Draft{Text: "hi"}); !errors.Is(err, ErrNoOpenGroup) {
		t.Errorf("Send: %v", err)
	}
	if err := c.Delete(ctx, store.FormatKey(1)); !errors.Is(err, ErrNoOpenGroup) {
		t.Errorf("Delete: %v", err)
	}
	if _, err := c.Unread(ctx); !errors.Is(err, ErrNoOpenGroup) {
		t.Errorf("Unread: %v", err)
	}
	c.Background()
	c.CloseGroup()
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, 0)
	c := f.controller(t, f.mem, f.idlePoller(), func(o *Options) { o.MaxTextLength = 5 })
	if err := c.OpenGroup(context.Background(), testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	tests := []struct {
		name  string
		draft Draft
		valid bool
	}{
		{name: "text", draft: Draft{Text: "hello"}, valid: true},
		{name: "surrounding space is trimmed", draft: Draft{Text: "  hey  "}, valid: true},
		{name: "multibyte within limit", draft: Draft{Text: "héllo"}, valid: true},
		{name: "empty", draft: Draft{Text: ""}, valid: false},
		{name: "whitespace only", draft: Draft{Text: " \t "}, valid: false},
		{name: "too long", draft: Draft{Text: "hello!"}, valid: false},
		{name: "image", draft: Draft{Kind: store.KindImage, ImageRef: "blob://1"}, valid: true},
		{name: "image without reference", draft: Draft{Kind: store.KindImage}, valid: false},
		{name: "system notes are not sent by users", draft: Draft{Kind: store.KindSystem, Text: "x"}, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note, err := c.Send(context.Background(), tt.draft)
			if tt.valid {
				if err != nil {
					t.Fatalf("Send: %v", err)
				}
				if note.Key.IsZero() || note.Sender != "u1" {
					t.Fatalf("unexpected stored note %+v", note)
				}
				if note.Text != strings.TrimSpace(tt.draft.Text) {
					t.Fatalf("text = %q", note.Text)
				}
				return
			}
			if !errors.Is(err, ErrInvalidNote) {
				t.Fatalf("expected ErrInvalidNote, got %v", err)
			}
		})
	}
}

func TestSendRaisesReadCountBeforeEcho(t *testing.T) {
	f := newFixture(t, 3)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()
	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	if _, err := c.Send(ctx, Draft{Text: "mine"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if seen := f.lastSeen(t, testCode); seen != 4 {
		t.Fatalf("lastSeen = %d, want 4", seen)
	}

	s, sub := liveSession(c)
	deliver(t, c, f, s, sub)
	if seen := f.lastSeen(t, testCode); seen != 4 {
		t.Fatalf("echo changed lastSeen to %d", seen)
	}
	unread, err := c.Unread(ctx)
	if err != nil || unread != 0 {
		t.Fatalf("unread = %d, err = %v", unread, err)
	}
}

type failingAppend struct {
	*store.MemoryStore
}

func (failingAppend) Append(context.Context, string, store.Note) (store.Note, error) {
	return store.Note{}, errBackendDown
}

func TestSendFailureIsTransient(t *testing.T) {
	f := newFixture(t, 1)
	c := f.controller(t, failingAppend{f.mem}, f.idlePoller())
	ctx := context.Background()
	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	_, err := c.Send(ctx, Draft{Text: "lost"})
	if !errors.Is(err, ErrTransientFetch) || !errors.Is(err, errBackendDown) {
		t.Fatalf("unexpected error %v", err)
	}
	if seen := f.lastSeen(t, testCode); seen != 1 {
		t.Fatalf("failed send must not raise lastSeen: %d", seen)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, 3)
	c := f.controller(t, f.mem, f.idlePoller())
	ctx := context.Background()
	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	target := c.View().Notes[1].Key
	if err := c.Delete(ctx, target); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s, sub := liveSession(c)
	deliver(t, c, f, s, sub)

	v := c.View()
	if len(v.Notes) != 2 || v.Total != 2 {
		t.Fatalf("deleted note should leave the cache on the next snapshot: %+v", v)
	}

	err := c.Delete(ctx, target)
	if !errors.Is(err, store.ErrNotFound) || !errors.Is(err, ErrTransientFetch) {
		t.Fatalf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestDeletePermissions(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller(), func(o *Options) {
		o.RoleFor = func(string) rbac.Role { return rbac.RoleMember }
	})
	ctx := context.Background()
	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	bobs := c.View().Notes[0].Key
	if err := c.Delete(ctx, bobs); !errors.Is(err, ErrForbidden) {
		t.Fatalf("members cannot delete other people's notes: %v", err)
	}
	if err := c.Delete(ctx, store.FormatKey(999)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("members cannot delete notes outside the cache: %v", err)
	}

	mine, err := c.Send(ctx, Draft{Text: "oops"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	s, sub := liveSession(c)
	deliver(t, c, f, s, sub)
	if err := c.Delete(ctx, mine.Key); err != nil {
		t.Fatalf("members may delete their own notes: %v", err)
	}
}

func TestOutsidersCannotOpenGroup(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller(), func(o *Options) {
		o.UserID = "u2"
		o.RoleFor = func(code string) rbac.Role {
			group, err := f.mem.GetGroup(context.Background(), code)
			if err != nil {
				return rbac.RoleOutsider
			}
			return rbac.RoleIn(group, "u2")
		}
	})

	if err := c.OpenGroup(context.Background(), testCode); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if v := c.View(); v.Code != "" {
		t.Fatalf("no session should be open: %+v", v)
	}
}

func TestRefusedOpenKeepsCurrentGroup(t *testing.T) {
	f := newFixture(t, 2)
	c := f.controller(t, f.mem, f.idlePoller(), func(o *Options) {
		o.RoleFor = func(code string) rbac.Role {
			if code == otherCode {
				return rbac.RoleOutsider
			}
			return rbac.RoleMember
		}
	})
	ctx := context.Background()
	if err := c.OpenGroup(ctx, testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}

	if err := c.OpenGroup(ctx, otherCode); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	v := c.View()
	if v.Code != testCode || !v.Live || len(v.Notes) != 2 {
		t.Fatalf("refused open must not drop the open group: %+v", v)
	}
}

func TestNoUpdatesAfterCloseGroup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, 1)
	var closed atomic.Bool
	var late atomic.Int32
	c := f.controller(t, f.mem, feed.NewPoller(f.mem, time.Millisecond, nil), func(o *Options) {
		o.OnUpdate = func(View) {
			time.Sleep(time.Millisecond)
			if closed.Load() {
				late.Add(1)
			}
		}
	})
	if err := c.OpenGroup(context.Background(), testCode); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.appendFrom(t, "u2", fmt.Sprintf("live %d", i))
		time.Sleep(2 * time.Millisecond)
	}

	c.CloseGroup()
	closed.Store(true)
	time.Sleep(20 * time.Millisecond)
	if n := late.Load(); n != 0 {
		t.Fatalf("OnUpdate ran %d times after CloseGroup returned", n)
	}
}
