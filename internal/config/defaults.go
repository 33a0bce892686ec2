package config

import (
	"strings"
)

const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultAppLogPath       = "/data/logs/keeper.log"
	defaultLogMaxSizeMB     = 100
	defaultLogMaxBackups    = 5
	defaultLogMaxAgeDays    = 14
	defaultRecoveryWorkers  = 8
	defaultSessionTimeout   = 120
	defaultHeartbeat        = 60
	defaultSizeTolerance    = 0.5
	defaultAlertThreshold   = 5
	defaultStopProximityPct = 0.005
	defaultStopPct          = 0.02
	defaultAveragingStepPct = 0.01
	defaultMaxAveraging     = 1
	defaultBaseSizeSlack    = 0.1
	defaultDBTimeout        = 5
	defaultDBAttempts       = 3
	defaultNotifyTimeout    = 10
	defaultMonitorInterval  = 30
	defaultMonitorTimeout   = 10
	defaultCachePath        = "/data/cache"
	defaultCacheGC          = 600
	defaultDatabasePath     = "/data/db/keeper.db"
	defaultExchangeName     = "binance"
	defaultExchangeTimeout  = 15
	defaultExchangeWorkers  = 4
	defaultAttemptTimeout   = 10
	defaultMaxAttempts      = 3
	defaultBackoffInitialMS = 500
	defaultBackoffMaxMS     = 5000
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30
	defaultTelegramBaseURL  = "https://api.telegram.org"
	defaultTelegramTimeout  = 10
	defaultHTTPAddr         = ":9991"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Recovery.applyDefaults(keys)
	c.Policy.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Notify.Telegram.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultLogMaxBackups),
		intFieldDefault("app.log_max_age_days", &a.LogMaxAgeDays, defaultLogMaxAgeDays),
		boolFieldDefault("app.log_compress", &a.LogCompress, true),
	)
	a.LogLevel = strings.ToLower(strings.TrimSpace(a.LogLevel))
	a.LogFormat = strings.ToLower(strings.TrimSpace(a.LogFormat))
}

func (r *RecoveryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("recovery.concurrency", &r.Concurrency, defaultRecoveryWorkers),
		intFieldDefault("recovery.session_timeout_seconds", &r.SessionTimeoutSeconds, defaultSessionTimeout),
		intFieldDefault("recovery.heartbeat_interval_seconds", &r.HeartbeatIntervalSecond, defaultHeartbeat),
	)
}

func (p *PolicyConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("policy.size_tolerance", &p.SizeTolerance, defaultSizeTolerance),
		floatFieldDefault("policy.alert_threshold", &p.AlertThreshold, defaultAlertThreshold),
		floatFieldDefault("policy.stop_proximity_pct", &p.StopProximityPct, defaultStopProximityPct),
		floatFieldDefault("policy.default_stop_pct", &p.DefaultStopPct, defaultStopPct),
		floatFieldDefault("policy.averaging_step_pct", &p.AveragingStepPct, defaultAveragingStepPct),
		intFieldDefault("policy.max_averaging_count", &p.MaxAveragingCount, defaultMaxAveraging),
		floatFieldDefault("policy.base_size_slack", &p.BaseSizeSlack, defaultBaseSizeSlack),
		intFieldDefault("policy.db_timeout_seconds", &p.DBTimeoutSeconds, defaultDBTimeout),
		intFieldDefault("policy.db_attempts", &p.DBAttempts, defaultDBAttempts),
		intFieldDefault("policy.notify_timeout_seconds", &p.NotifyTimeoutSeconds, defaultNotifyTimeout),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("monitor.interval_seconds", &m.IntervalSeconds, defaultMonitorInterval),
		intFieldDefault("monitor.check_timeout_seconds", &m.CheckTimeoutSeconds, defaultMonitorTimeout),
	)
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "cache.path",
			need:  func() bool { return !c.InMemory && strings.TrimSpace(c.Path) == "" },
			apply: func() { c.Path = defaultCachePath },
		},
		intFieldDefault("cache.gc_interval_seconds", &c.GCIntervalSeconds, defaultCacheGC),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.path", &d.Path, defaultDatabasePath),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		intFieldDefault("exchange.http_timeout_seconds", &e.HTTPTimeoutSeconds, defaultExchangeTimeout),
		intFieldDefault("exchange.concurrency", &e.Concurrency, defaultExchangeWorkers),
		intFieldDefault("exchange.attempt_timeout_seconds", &e.AttemptTimeoutSeconds, defaultAttemptTimeout),
		intFieldDefault("exchange.max_attempts", &e.MaxAttempts, defaultMaxAttempts),
		intFieldDefault("exchange.backoff_initial_ms", &e.BackoffInitialMS, defaultBackoffInitialMS),
		intFieldDefault("exchange.backoff_max_ms", &e.BackoffMaxMS, defaultBackoffMaxMS),
		intFieldDefault("exchange.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("exchange.breaker_cooldown_seconds", &e.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
	e.RESTBaseURL = strings.TrimSpace(e.RESTBaseURL)
	e.RESTProxyURL = strings.TrimSpace(e.RESTProxyURL)
	for i := range e.Accounts {
		e.Accounts[i].APIKey = strings.TrimSpace(e.Accounts[i].APIKey)
		e.Accounts[i].SecretKey = strings.TrimSpace(e.Accounts[i].SecretKey)
	}
}

func (t *TelegramConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("notify.telegram.api_base_url", &t.APIBaseURL, defaultTelegramBaseURL),
		intFieldDefault("notify.telegram.timeout_seconds", &t.TimeoutSeconds, defaultTelegramTimeout),
	)
	t.BotToken = strings.TrimSpace(t.BotToken)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("http.enabled", &h.Enabled, true),
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

// intFieldDefault fills non-positive values the files left unset. Explicit
// values are kept and left to validate.
func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
