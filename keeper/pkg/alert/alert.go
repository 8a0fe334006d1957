// Package alert raises operator-visible alerts for repeated keeper failures.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
)

type Alert struct {
	Title               string
	Kind                errs.Kind
	ConsecutiveFailures int
	CycleID             string
	Err                 error
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log. It is used when no Sentry DSN is set.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	l.Logger.Error("alert: "+a.Title,
		"kind", a.Kind,
		"consecutive_failures", a.ConsecutiveFailures,
		"cycle_id", a.CycleID,
		"error", a.Err,
	)
	return nil
}

type SentryConfig struct {
	Logger      *slog.Logger
	DSN         string
	Environment string
	Release     string
	// FlushTimeout bounds how long Alert waits for delivery.
	FlushTimeout time.Duration
	// BeforeSend is passed through to the Sentry client.
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

func (cfg *SentryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return nil
}

// SentryAlerter reports alerts as Sentry error events tagged with the
// failure kind and cycle id.
type SentryAlerter struct {
	log *slog.Logger
	cfg SentryConfig
	hub *sentry.Hub
}

func NewSentryAlerter(cfg SentryConfig) (*SentryAlerter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, err
	}
	return &SentryAlerter{
		log: cfg.Logger,
		cfg: cfg,
		hub: sentry.NewHub(client, sentry.NewScope()),
	}, nil
}

func (s *SentryAlerter) Alert(_ context.Context, a Alert) error {
	err := a.Err
	if err == nil {
		err = errors.New(a.Title)
	}
	var id *sentry.EventID
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("kind", string(a.Kind))
		scope.SetTag("cycle_id", a.CycleID)
		scope.SetContext("keeper", sentry.Context{
			"title":                a.Title,
			"consecutive_failures": a.ConsecutiveFailures,
		})
		id = s.hub.CaptureException(err)
	})
	if !s.hub.Flush(s.cfg.FlushTimeout) {
		s.log.Warn("alert: sentry flush timed out", "title", a.Title)
	}
	if id != nil {
		s.log.Info("alert: sent to sentry", "title", a.Title, "event_id", string(*id))
	}
	return nil
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errList []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
