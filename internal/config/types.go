package config

import (
	"strings"
	"time"
)

// Config is the whole process configuration. Sections are decoded by their
// toml tag regardless of the file format.
type Config struct {
	App      AppConfig      `toml:"app"`
	Recovery RecoveryConfig `toml:"recovery"`
	Policy   PolicyConfig   `toml:"policy"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Cache    CacheConfig    `toml:"cache"`
	Database DatabaseConfig `toml:"database"`
	Exchange ExchangeConfig `toml:"exchange"`
	Notify   NotifyConfig   `toml:"notify"`
	HTTP     HTTPConfig     `toml:"http"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	LogPath       string `toml:"log_path"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
	LogCompress   bool   `toml:"log_compress"`
}

// RecoveryConfig drives the startup restore and its follow-up heartbeat.
type RecoveryConfig struct {
	Concurrency             int     `toml:"concurrency"`
	SessionTimeoutSeconds   int     `toml:"session_timeout_seconds"`
	HeartbeatIntervalSecond int     `toml:"heartbeat_interval_seconds"`
	AdminUserIDs            []int64 `toml:"admin_user_ids"`
}

func (r RecoveryConfig) SessionTimeout() time.Duration {
	return time.Duration(r.SessionTimeoutSeconds) * time.Second
}

func (r RecoveryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalSecond) * time.Second
}

// PolicyConfig holds the reconciliation tolerances. It is the only section
// applied again on hot reload.
type PolicyConfig struct {
	SizeTolerance        float64 `toml:"size_tolerance"`
	AlertThreshold       float64 `toml:"alert_threshold"`
	StopProximityPct     float64 `toml:"stop_proximity_pct"`
	DefaultStopPct       float64 `toml:"default_stop_pct"`
	AveragingStepPct     float64 `toml:"averaging_step_pct"`
	MaxAveragingCount    int     `toml:"max_averaging_count"`
	BaseSizeSlack        float64 `toml:"base_size_slack"`
	DBTimeoutSeconds     int     `toml:"db_timeout_seconds"`
	DBAttempts           int     `toml:"db_attempts"`
	NotifyTimeoutSeconds int     `toml:"notify_timeout_seconds"`
}

type MonitorConfig struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	CheckTimeoutSeconds int `toml:"check_timeout_seconds"`
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m MonitorConfig) CheckTimeout() time.Duration {
	return time.Duration(m.CheckTimeoutSeconds) * time.Second
}

type CacheConfig struct {
	Path              string `toml:"path"`
	InMemory          bool   `toml:"in_memory"`
	GCIntervalSeconds int    `toml:"gc_interval_seconds"`
}

func (c CacheConfig) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSeconds) * time.Second
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ExchangeConfig struct {
	Name               string `toml:"name"`
	RESTBaseURL        string `toml:"rest_base_url"`
	Testnet            bool   `toml:"testnet"`
	ProxyEnabled       bool   `toml:"proxy_enabled"`
	RESTProxyURL       string `toml:"rest_proxy_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`

	Concurrency           int `toml:"concurrency"`
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds"`
	MaxAttempts           int `toml:"max_attempts"`
	BackoffInitialMS      int `toml:"backoff_initial_ms"`
	BackoffMaxMS          int `toml:"backoff_max_ms"`

	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`

	Accounts []AccountConfig `toml:"accounts"`
}

// AccountConfig binds one tenant to its exchange API keys.
type AccountConfig struct {
	UserID    int64  `toml:"user_id"`
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled        bool   `toml:"enabled"`
	BotToken       string `toml:"bot_token"`
	APIBaseURL     string `toml:"api_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// keySet tracks which dotted keys the files set explicitly.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
