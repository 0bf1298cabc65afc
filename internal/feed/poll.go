package feed

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often a Poller re-reads the tail window by default.
const DefaultPollInterval = time.Second

// Poller re-reads the tail window on a fixed interval and emits a snapshot only
// when it differs from the previous one.
type Poller struct {
	reader   NoteReader
	interval time.Duration
	log      *zap.Logger
}

func NewPoller(reader NoteReader, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{reader: reader, interval: interval, log: log}
}

func (p *Poller) SubscribeLastN(ctx context.Context, code string, n int) (*Subscription, error) {
	first, err := snapshot(ctx, p.reader, code, n)
	if err != nil {
		return nil, err
	}

	sub, subCtx := newSubscription(context.Background(), code)
	sub.events <- first
	go p.run(subCtx, sub, n, first)
	return sub, nil
}

func (p *Poller) run(ctx context.Context, sub *Subscription, n int, last Event) {
	defer sub.finish()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ev, err := snapshot(ctx, p.reader, sub.code, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("feed: poll failed", zap.String("group", sub.code), zap.Error(err))
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
