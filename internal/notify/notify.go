// Package notify delivers "new note" alerts for groups the user is not looking at.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification is one alert about a note that arrived in GroupCode.
type Notification struct {
	Title     string
	Body      string
	GroupCode string
}

// Notifier must not block the caller for long; slow transports queue internally.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type discard struct{}

func (discard) Notify(context.Context, Notification) {}

// Discard drops every notification.
var Discard Notifier = discard{}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	l.log.Info("new note",
		zap.String("group", n.GroupCode),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
	)
}

// Multi fans a notification out to every non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	out := make(multi, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}
