package app

import (
	"fmt"
	"strings"

	"keeper/internal/config"
	"keeper/internal/logger"
)

// StartupSummary is logged once before the restore begins.
type StartupSummary struct {
	Env        string
	Strategies []string
	Accounts   int
	Exchange   string
	Cache      string
	Ledger     string
	HTTPAddr   string
	Workers    int
	Timeout    string
	Heartbeat  string
	Monitor    string
	Telegram   bool
}

func newStartupSummary(cfg *config.Config, strategies []string) *StartupSummary {
	s := &StartupSummary{
		Env:        cfg.App.Env,
		Strategies: strategies,
		Accounts:   len(cfg.Exchange.Accounts),
		Exchange:   cfg.Exchange.Name,
		Cache:      cfg.Cache.Path,
		Ledger:     cfg.Database.Path,
		Workers:    cfg.Recovery.Concurrency,
		Timeout:    cfg.Recovery.SessionTimeout().String(),
		Heartbeat:  cfg.Recovery.HeartbeatInterval().String(),
		Monitor:    cfg.Monitor.Interval().String(),
		Telegram:   cfg.Notify.Telegram.Enabled,
	}
	if cfg.Exchange.Testnet {
		s.Exchange += " (testnet)"
	}
	if cfg.Cache.InMemory {
		s.Cache = "in-memory"
	}
	if cfg.HTTP.Enabled {
		s.HTTPAddr = cfg.HTTP.Addr
	}
	return s
}

func (s *StartupSummary) Lines() []string {
	return []string{
		fmt.Sprintf("env: %s", s.Env),
		fmt.Sprintf("strategies: %s", formatList(s.Strategies)),
		fmt.Sprintf("exchange: %s, accounts: %d", s.Exchange, s.Accounts),
		fmt.Sprintf("cache: %s", s.Cache),
		fmt.Sprintf("ledger: %s", s.Ledger),
		fmt.Sprintf("recovery: workers=%d timeout=%s heartbeat=%s", s.Workers, s.Timeout, s.Heartbeat),
		fmt.Sprintf("monitor interval: %s", s.Monitor),
		fmt.Sprintf("ops http: %s", orDash(s.HTTPAddr)),
		fmt.Sprintf("telegram: %v", s.Telegram),
	}
}

func (s *StartupSummary) Print() {
	logger.InfoBlock("startup summary", strings.Join(s.Lines(), "\n"))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
