package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Recovery.validate(); err != nil {
		return err
	}
	if err := c.Policy.validate(); err != nil {
		return err
	}
	if err := c.Monitor.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required when http.enabled is true")
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch a.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level %q is not supported", a.LogLevel)
	}
	switch a.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}

func (r *RecoveryConfig) validate() error {
	if r.Concurrency <= 0 {
		return fmt.Errorf("recovery.concurrency must be > 0")
	}
	if r.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("recovery.session_timeout_seconds must be > 0")
	}
	if r.HeartbeatIntervalSecond < 0 {
		return fmt.Errorf("recovery.heartbeat_interval_seconds must be >= 0")
	}
	for _, id := range r.AdminUserIDs {
		if id <= 0 {
			return fmt.Errorf("recovery.admin_user_ids contains invalid id %d", id)
		}
	}
	return nil
}

func (p *PolicyConfig) validate() error {
	if p.SizeTolerance < 0 {
		return fmt.Errorf("policy.size_tolerance must be >= 0")
	}
	if p.AlertThreshold < p.SizeTolerance {
		return fmt.Errorf("policy.alert_threshold (%.4f) must be >= policy.size_tolerance (%.4f)", p.AlertThreshold, p.SizeTolerance)
	}
	if p.StopProximityPct < 0 || p.StopProximityPct >= 1 {
		return fmt.Errorf("policy.stop_proximity_pct must be within [0,1)")
	}
	if p.DefaultStopPct <= 0 || p.DefaultStopPct >= 1 {
		return fmt.Errorf("policy.default_stop_pct must be within (0,1)")
	}
	if p.AveragingStepPct <= 0 || p.AveragingStepPct >= 1 {
		return fmt.Errorf("policy.averaging_step_pct must be within (0,1)")
	}
	if p.MaxAveragingCount < 0 {
		return fmt.Errorf("policy.max_averaging_count must be >= 0")
	}
	if p.BaseSizeSlack < 0 {
		return fmt.Errorf("policy.base_size_slack must be >= 0")
	}
	if p.DBTimeoutSeconds <= 0 || p.DBAttempts <= 0 || p.NotifyTimeoutSeconds <= 0 {
		return fmt.Errorf("policy db/notify timeouts and attempts must be > 0")
	}
	return nil
}

func (m *MonitorConfig) validate() error {
	if m.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be > 0")
	}
	if m.CheckTimeoutSeconds <= 0 {
		return fmt.Errorf("monitor.check_timeout_seconds must be > 0")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	if !c.InMemory && strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("cache.path is required unless cache.in_memory is true")
	}
	if c.GCIntervalSeconds < 0 {
		return fmt.Errorf("cache.gc_interval_seconds must be >= 0")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if e.Name != "binance" {
		return fmt.Errorf("exchange.name %q is not supported", e.Name)
	}
	if e.ProxyEnabled && e.RESTProxyURL == "" {
		return fmt.Errorf("exchange.rest_proxy_url is required when exchange.proxy_enabled is true")
	}
	if e.Concurrency <= 0 || e.MaxAttempts <= 0 {
		return fmt.Errorf("exchange.concurrency and exchange.max_attempts must be > 0")
	}
	if e.BackoffMaxMS < e.BackoffInitialMS {
		return fmt.Errorf("exchange.backoff_max_ms must be >= exchange.backoff_initial_ms")
	}
	if e.BreakerThreshold <= 0 {
		return fmt.Errorf("exchange.breaker_threshold must be > 0")
	}
	seen := make(map[int64]struct{}, len(e.Accounts))
	for i, acct := range e.Accounts {
		if acct.UserID <= 0 {
			return fmt.Errorf("exchange.accounts[%d].user_id must be > 0", i)
		}
		if _, dup := seen[acct.UserID]; dup {
			return fmt.Errorf("exchange.accounts[%d]: duplicate user_id %d", i, acct.UserID)
		}
		seen[acct.UserID] = struct{}{}
		if acct.APIKey == "" || acct.SecretKey == "" {
			return fmt.Errorf("exchange.accounts[%d] requires api_key and secret_key", i)
		}
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled && n.Telegram.BotToken == "" {
		return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
	}
	return nil
}
