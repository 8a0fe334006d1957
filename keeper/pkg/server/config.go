package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/keeper/keeper/pkg/orchestrator"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// StatusSource is the part of the orchestrator the server reports on.
type StatusSource interface {
	State() orchestrator.State
	Snapshot() orchestrator.Snapshot
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Status            StatusSource
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Status == nil {
		return errors.New("status source is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
