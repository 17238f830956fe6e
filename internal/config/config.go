package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Limits   LimitsConfig   `yaml:"limits"`
	Task     TaskConfig     `yaml:"task"`
	Provider ProviderConfig `yaml:"provider"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ProxyConfig struct {
	// Global 账号没配代理时的兜底代理；为空则直连。
	Global string `yaml:"global"`
}

type LimitsConfig struct {
	GlobalQPS       float64 `yaml:"globalQPS"`
	GlobalBurst     int     `yaml:"globalBurst"`
	PerAccountQPS   float64 `yaml:"perAccountQPS"`
	PerAccountBurst int     `yaml:"perAccountBurst"`
	MaxInFlight     int     `yaml:"maxInFlight"`
	// BatchConcurrency 同一批次内同时执行的任务数上限。默认 1（逐账号串行），
	// 上游只限制单账号的并发，跨账号调大是安全的。
	BatchConcurrency int `yaml:"batchConcurrency"`
}

type TaskConfig struct {
	// InterTaskDelayMs 相邻两个任务之间的固定间隔，避免请求成串打到上游。
	InterTaskDelayMs int `yaml:"interTaskDelayMs"`
	// JitterMs 在固定间隔上叠加的随机抖动上限。
	JitterMs int `yaml:"jitterMs"`
	// RetryCooldownMs 上游返回 busy 后延迟重试的冷却时间。
	// 上游没有文档化这个窗口，5 分钟是观察值，务必保持可配置。
	RetryCooldownMs int `yaml:"retryCooldownMs"`
	// TokenTTLMs 登录 token 的本地缓存有效期。
	TokenTTLMs int `yaml:"tokenTtlMs"`
	// BatchRetentionMs 批次到达终态后在内存里保留的时长，窗口内仍可查询
	// 最终状态，到期整体淘汰。历史记录以 task_results 表为准。
	BatchRetentionMs int `yaml:"batchRetentionMs"`
}

func (c TaskConfig) InterTaskDelay() time.Duration {
	if c.InterTaskDelayMs <= 0 {
		return 1 * time.Second
	}
	return time.Duration(c.InterTaskDelayMs) * time.Millisecond
}

func (c TaskConfig) Jitter() time.Duration {
	if c.JitterMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.JitterMs) * time.Millisecond
}

func (c TaskConfig) RetryCooldown() time.Duration {
	if c.RetryCooldownMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RetryCooldownMs) * time.Millisecond
}

func (c TaskConfig) TokenTTL() time.Duration {
	if c.TokenTTLMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TokenTTLMs) * time.Millisecond
}

func (c TaskConfig) BatchRetention() time.Duration {
	if c.BatchRetentionMs <= 0 {
		return 1 * time.Minute
	}
	return time.Duration(c.BatchRetentionMs) * time.Millisecond
}

type ProviderConfig struct {
	BaseURL   string           `yaml:"baseURL"`
	TimeoutMs int              `yaml:"timeoutMs"`
	Retry     ProviderRetryCfg `yaml:"retry"`
	UserAgent string           `yaml:"userAgent"`
	// BusyCodes 上游“已有进行中操作”的业务码清单，命中即转入延迟重试。
	BusyCodes []string `yaml:"busyCodes"`
}

type ProviderRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ProviderRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c ProviderRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/autotask_engine.db"
	}
	if c.Limits.GlobalQPS <= 0 {
		c.Limits.GlobalQPS = 5
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 10
	}
	if c.Limits.PerAccountQPS <= 0 {
		c.Limits.PerAccountQPS = 1
	}
	if c.Limits.PerAccountBurst <= 0 {
		c.Limits.PerAccountBurst = 2
	}
	if c.Limits.MaxInFlight <= 0 {
		c.Limits.MaxInFlight = 20
	}
	if c.Limits.BatchConcurrency <= 0 {
		c.Limits.BatchConcurrency = 1
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "http://127.0.0.1:8080/mock"
	}
	if c.Provider.UserAgent == "" {
		// 默认手机端 UA，和真实客户端保持一致，避免被上游识别为脚本
		c.Provider.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 18_7 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"
	}
	if len(c.Provider.BusyCodes) == 0 {
		c.Provider.BusyCodes = []string{"OP_PENDING", "10409"}
	}
	if c.Provider.Retry.Count < 0 {
		c.Provider.Retry.Count = 0
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.baseURL is required")
	}
	return nil
}
