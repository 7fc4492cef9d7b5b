package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Session   SessionConfig   `mapstructure:"session"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商连接信息。
type BrokerConfig struct {
	Name       string `mapstructure:"name"`
	AccountID  string `mapstructure:"account_id"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	APIPass    string `mapstructure:"api_password"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
	Simulated  bool   `mapstructure:"simulated"`
}

// SessionConfig 控制会话续期行为。
type SessionConfig struct {
	RenewMargin time.Duration `mapstructure:"renew_margin"`
	Lifetime    time.Duration `mapstructure:"lifetime"`
}

// GatewayConfig 控制券商调用的限速参数。
type GatewayConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// CacheConfig 控制账户状态缓存的TTL。
type CacheConfig struct {
	BalancesTTL   time.Duration `mapstructure:"balances_ttl"`
	PositionsTTL  time.Duration `mapstructure:"positions_ttl"`
	LiveOrdersTTL time.Duration `mapstructure:"live_orders_ttl"`
}

// EngineConfig 控制订单构建与校验。
type EngineConfig struct {
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
}

// SchedulerConfig 控制计划任务循环。
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	OpenBuffer      time.Duration `mapstructure:"open_buffer"`
	RetryFailedOnce bool          `mapstructure:"retry_failed_once"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if !c.Broker.Simulated && c.Broker.APIKey == "" {
		err = multierr.Append(err, errors.New("broker.api_key 在非模拟模式下不能为空"))
	}
	if c.Session.RenewMargin <= 0 {
		err = multierr.Append(err, errors.New("session.renew_margin 必须大于0"))
	}
	if c.Session.Lifetime <= c.Session.RenewMargin {
		err = multierr.Append(err, errors.New("session.lifetime 必须大于 renew_margin"))
	}
	if c.Gateway.RequestsPerMinute <= 0 {
		err = multierr.Append(err, errors.New("gateway.requests_per_minute 必须大于0"))
	}
	if c.Cache.BalancesTTL <= 0 || c.Cache.PositionsTTL <= 0 || c.Cache.LiveOrdersTTL <= 0 {
		err = multierr.Append(err, errors.New("cache 各项TTL必须大于0"))
	}
	if c.Engine.MaxPositionPct <= 0 || c.Engine.MaxPositionPct > 1 {
		err = multierr.Append(err, errors.New("engine.max_position_pct 必须位于(0,1]"))
	}
	if c.Scheduler.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.poll_interval 必须大于0"))
	}
	if c.Scheduler.PollInterval > time.Minute {
		err = multierr.Append(err, errors.New("scheduler.poll_interval 不应超过1分钟"))
	}
	if c.Scheduler.OpenBuffer < 0 {
		err = multierr.Append(err, errors.New("scheduler.open_buffer 不能为负"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
