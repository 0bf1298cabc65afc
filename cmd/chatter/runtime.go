package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatter/internal/account"
	"chatter/internal/app"
	"chatter/internal/chat"
	"chatter/internal/config"
	"chatter/internal/feed"
	"chatter/internal/notify"
	"chatter/internal/readstate"
	"chatter/internal/store"

	"go.uber.org/zap"
)

// runtime holds every backend a command may need.
type runtime struct {
	cfg        config.Config
	log        *zap.Logger
	db         *sql.DB
	pg         *store.PostgresStore
	redis      *readstate.RedisStore
	email      *notify.EmailNotifier
	notes      feed.NoteStore
	subscriber feed.Subscriber
	notifier   notify.Notifier
	accounts   *account.Service
	groups     *app.Service
}

func openRuntime(ctx context.Context, cfg config.Config, log *zap.Logger) (*runtime, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	pg := store.NewPostgresStore(db)
	rt := &runtime{cfg: cfg, log: log, db: db, pg: pg, notes: pg}

	var announcer app.Announcer
	if cfg.RedisURL != "" {
		log.Debug("using Redis for read states")
		rt.redis, err = readstate.NewRedisStore(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		publisher := feed.NewPublisher(pg, rt.redis.Client(), log)
		rt.notes = publisher
		announcer = publisher
	} else {
		log.Debug("using PostgreSQL for read states")
	}

	if cfg.UsePush() {
		rt.subscriber = feed.NewRedisFeed(rt.redis.Client(), pg, log)
	} else {
		rt.subscriber = feed.NewPoller(pg, cfg.PollInterval, log)
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	emailConfig := notify.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		To:       cfg.NotifyTo,
	}
	if emailConfig.IsConfigured() {
		rt.email, err = notify.NewEmailNotifier(emailConfig, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		notifiers = append(notifiers, rt.email)
	}
	rt.notifier = notify.Multi(notifiers...)

	rt.accounts = account.NewService(pg)
	rt.groups = app.New(pg, rt.readStatesFor, log)
	if announcer != nil {
		rt.groups.WithAnnouncer(announcer)
	}
	return rt, nil
}

func poolOptions(cfg config.Config) store.PoolOptions {
	return store.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}
}

func (rt *runtime) readStatesFor(userID string) chat.ReadStateStore {
	if rt.redis != nil {
		return rt.redis.ReadStatesFor(userID)
	}
	return rt.pg.ReadStatesFor(userID)
}

// login checks the global --user and --password flags.
func (rt *runtime) login(ctx context.Context) (store.User, error) {
	if userName == "" {
		return store.User{}, errors.New("--user is required")
	}
	user, err := rt.accounts.Login(ctx, userName, password)
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (rt *runtime) Close() {
	if rt.email != nil {
		rt.email.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	_ = rt.db.Close()
}

// withRuntime opens the backends, runs fn and releases them.
func withRuntime(ctx context.Context, fn func(*runtime) error) error {
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
