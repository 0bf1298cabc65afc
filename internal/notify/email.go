package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       []string
}

// IsConfigured reports whether enough is set to send mail.
func (c EmailConfig) IsConfigured() bool {
	return c.Host != "" && c.Port != "" && c.From != "" && len(c.To) > 0
}

const emailQueueSize = 32

var ErrEmailNotConfigured = errors.New("email not configured")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails notifications from a single background worker so that a
// slow SMTP server never stalls the sync loop. Notifications that do not fit in
// the queue are dropped and logged.
type EmailNotifier struct {
	config EmailConfig
	server string
	auth   smtp.Auth
	send   sendFunc
	log    *zap.Logger

	mu        sync.RWMutex
	closed    bool
	queue     chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

func NewEmailNotifier(config EmailConfig, log *zap.Logger) (*EmailNotifier, error) {
	if !config.IsConfigured() {
		return nil, ErrEmailNotConfigured
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &EmailNotifier{
		config: config,
		server: config.Host + ":" + config.Port,
		send:   smtp.SendMail,
		log:    log,
		queue:  make(chan Notification, emailQueueSize),
		done:   make(chan struct{}),
	}
	if config.Username != "" {
		e.auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	go e.run()
	return e, nil
}

// Notify queues n for delivery. Notifications after Close are dropped.
func (e *EmailNotifier) Notify(_ context.Context, n Notification) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.log.Debug("notify: email notifier closed, dropping notification", zap.String("group", n.GroupCode))
		return
	}
	select {
	case e.queue <- n:
	default:
		e.log.Warn("notify: email queue full, dropping notification", zap.String("group", n.GroupCode))
	}
}

// Close stops accepting notifications and waits for queued mail to be sent.
func (e *EmailNotifier) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})
	<-e.done
}

func (e *EmailNotifier) run() {
	defer close(e.done)
	for n := range e.queue {
		if err := e.send(e.server, e.auth, e.config.From, e.config.To, e.message(n)); err != nil {
			e.log.Warn("notify: send email failed", zap.String("group", n.GroupCode), zap.Error(err))
		}
	}
}

func (e *EmailNotifier) message(n Notification) []byte {
	from := e.config.From
	if e.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", headerValue(e.config.FromName), e.config.From)
	}
	subject := headerValue(fmt.Sprintf("[%s] %s", n.GroupCode, n.Title))

	return []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		strings.Join(e.config.To, ", "),
		from,
		subject,
		n.Body,
	))
}

// headerValue folds a value onto one line. Titles carry user names, and a raw
// line break there would start a new header.
func headerValue(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}
