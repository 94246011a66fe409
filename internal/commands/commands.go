// Package commands polls a file-drop inbox for operator commands.
//
// The dashboard (or an operator with a shell) writes small JSON files
// into the commands directory; the service picks them up in name order,
// executes them against the broker, and moves each file into
// processed/ok or processed/failed so nothing runs twice.
//
// Supported commands:
//
//	{"command": "flatten_all"}
//	{"command": "flatten_symbol", "symbol": "AAPL"}
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
)

// Flattener is the broker surface commands need.
type Flattener interface {
	Flatten(ctx context.Context, symbol string) error
	FlattenAll(ctx context.Context) error
}

// Service watches the inbox directory.
type Service struct {
	cfg          config.CommandsConfig
	broker       Flattener
	processedDir string

	quit chan struct{}
	done chan struct{}

	logger *slog.Logger
}

func New(cfg config.CommandsConfig, broker Flattener, logger *slog.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Service{
		cfg:          cfg,
		broker:       broker,
		processedDir: filepath.Join(cfg.Dir, "processed"),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger.With("component", "commands"),
	}
}

// Start creates the inbox directories and launches the poll loop.
func (s *Service) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create commands dir: %w", err)
	}
	if err := os.MkdirAll(s.processedDir, 0o755); err != nil {
		return fmt.Errorf("create processed dir: %w", err)
	}
	go s.run(ctx)
	s.logger.Info("command inbox watching", "dir", s.cfg.Dir)
	return nil
}

// Stop halts the poll loop.
func (s *Service) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processAll(ctx)
		}
	}
}

// processAll handles every pending command file in name order.
func (s *Service) processAll(ctx context.Context) {
	paths, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*.json"))
	if err != nil {
		s.logger.Error("command directory error", "error", err)
		return
	}
	sort.Strings(paths)
	for _, path := range paths {
		s.processFile(ctx, path)
	}
}

type command struct {
	Command string `json:"command"`
	Symbol  string `json:"symbol"`
}

func (s *Service) processFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("unreadable command file", "file", name, "error", err)
		s.markProcessed(path, false)
		return
	}
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Error("invalid command file", "file", name, "error", err)
		s.markProcessed(path, false)
		return
	}
	if err := s.dispatch(ctx, cmd); err != nil {
		s.logger.Error("command failed", "command", cmd.Command, "file", name, "error", err)
		s.markProcessed(path, false)
		return
	}
	s.logger.Info("executed command",
		"command", strings.ToLower(cmd.Command),
		"symbol", strings.ToUpper(cmd.Symbol),
		"file", name,
	)
	s.markProcessed(path, true)
}

func (s *Service) dispatch(ctx context.Context, cmd command) error {
	switch strings.ToLower(cmd.Command) {
	case "flatten_all":
		return s.broker.FlattenAll(ctx)
	case "flatten_symbol":
		symbol := strings.ToUpper(strings.TrimSpace(cmd.Symbol))
		if symbol == "" {
			return fmt.Errorf("flatten_symbol missing symbol")
		}
		return s.broker.Flatten(ctx, symbol)
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

// markProcessed moves the file into processed/ok or processed/failed.
// If the move is impossible the file is deleted instead; a command must
// never be picked up twice.
func (s *Service) markProcessed(path string, success bool) {
	outcome := "failed"
	if success {
		outcome = "ok"
	}
	dir := filepath.Join(s.processedDir, outcome)
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		err = os.Rename(path, filepath.Join(dir, filepath.Base(path)))
	}
	if err != nil {
		s.logger.Debug("unable to archive command, deleting", "file", filepath.Base(path), "error", err)
		if err := os.Remove(path); err != nil {
			s.logger.Error("command file stuck in inbox", "file", filepath.Base(path), "error", err)
		}
	}
}
