package feed

import (
	"context"
	"errors"
	"fmt"

	"chatter/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "chatter:group:"

var errChannelClosed = errors.New("redis subscription channel closed")

// Channel is the Redis pub/sub channel announcing writes to a group's note log.
func Channel(code string) string {
	return channelPrefix + code
}

// RedisFeed pushes a fresh snapshot whenever a write to the group is announced on
// its Redis channel.
type RedisFeed struct {
	client *redis.Client
	reader NoteReader
	log    *zap.Logger
}

func NewRedisFeed(client *redis.Client, reader NoteReader, log *zap.Logger) *RedisFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{client: client, reader: reader, log: log}
}

func (f *RedisFeed) SubscribeLastN(ctx context.Context, code string, n int) (*Subscription, error) {
	// Subscribe before reading so that no write between the read and the
	// subscription goes unannounced.
	pubsub := f.client.Subscribe(ctx, Channel(code))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", code, err)
	}

	first, err := snapshot(ctx, f.reader, code, n)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub, subCtx := newSubscription(context.Background(), code)
	sub.events <- first
	go f.run(subCtx, sub, pubsub, n, first)
	return sub, nil
}

func (f *RedisFeed) run(ctx context.Context, sub *Subscription, pubsub *redis.PubSub, n int, last Event) {
	defer sub.finish()
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				sub.emit(ctx, Event{Code: sub.code, Err: errChannelClosed})
				return
			}
		}
		drain(messages)

		ev, err := snapshot(ctx, f.reader, sub.code, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn("feed: refresh after announcement failed", zap.String("group", sub.code), zap.Error(err))
			sub.emit(ctx, Event{Code: sub.code, Err: err})
			return
		}
		if sameSnapshot(ev, last) {
			continue
		}
		last = ev
		if !sub.emit(ctx, ev) {
			return
		}
	}
}

// drain discards announcements that queued up while a snapshot was being read;
// the next read covers them.
func drain(messages <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// NoteStore is the note log as the sync layer uses it.
type NoteStore interface {
	NoteReader
	FetchBefore(ctx context.Context, code string, key store.Key, n int) ([]store.Note, error)
	Append(ctx context.Context, code string, note store.Note) (store.Note, error)
	DeleteByKey(ctx context.Context, code string, key store.Key) error
}

// Publisher wraps a NoteStore and announces every successful write on the
// group's channel.
type Publisher struct {
	NoteStore
	client *redis.Client
	log    *zap.Logger
}

func NewPublisher(notes NoteStore, client *redis.Client, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{NoteStore: notes, client: client, log: log}
}

func (p *Publisher) Append(ctx context.Context, code string, note store.Note) (store.Note, error) {
	stored, err := p.NoteStore.Append(ctx, code, note)
	if err != nil {
		return store.Note{}, err
	}
	p.Announce(ctx, code)
	return stored, nil
}

func (p *Publisher) DeleteByKey(ctx context.Context, code string, key store.Key) error {
	if err := p.NoteStore.DeleteByKey(ctx, code, key); err != nil {
		return err
	}
	p.Announce(ctx, code)
	return nil
}

// Announce tells subscribers of code that its log changed. The write it follows
// has already committed, so a failed publish is logged rather than returned.
func (p *Publisher) Announce(ctx context.Context, code string) {
	if err := p.client.Publish(ctx, Channel(code), code).Err(); err != nil {
		p.log.Warn("feed: publish failed", zap.String("group", code), zap.Error(err))
	}
}
