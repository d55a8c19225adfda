package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vaultscan/internal/domain/nearby"
)

// maxSearchRetries 重试轮数上限，退避 base*2^10 已远超任何合理等待
const maxSearchRetries = 10

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Chain     ChainConfig     `json:"chain" yaml:"chain"`
	Search    SearchConfig    `json:"search" yaml:"search"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// DatabaseConfig URL 为空时不持久化搜索历史
type DatabaseConfig struct {
	URL                    string `json:"url" yaml:"url"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig URL 为空时不启用金库缓存
type RedisConfig struct {
	URL                   string `json:"url" yaml:"url"`
	RecordCacheTTLSeconds int    `json:"record_cache_ttl_seconds" yaml:"record_cache_ttl_seconds"`
}

// AuthConfig JWTSecret 为空时 API 不鉴权
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer" yaml:"jwt_issuer"`
}

type ChainConfig struct {
	RPCURL                string  `json:"rpc_url" yaml:"rpc_url"`
	CdpContractAddress    string  `json:"cdp_contract_address" yaml:"cdp_contract_address"`
	RatesContractAddress  string  `json:"rates_contract_address" yaml:"rates_contract_address"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	RequestsPerSecond     float64 `json:"requests_per_second" yaml:"requests_per_second"`
	RatesCacheTTLSeconds  int     `json:"rates_cache_ttl_seconds" yaml:"rates_cache_ttl_seconds"`
}

type SearchConfig struct {
	TargetSize       int `json:"target_size" yaml:"target_size"`
	BatchSize        int `json:"batch_size" yaml:"batch_size"`
	BatchDelayMs     int `json:"batch_delay_ms" yaml:"batch_delay_ms"`
	MaxRetries       int `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelayMs int `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	MaxWaves         int `json:"max_waves" yaml:"max_waves"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    0, // SSE 长连接
			ShutdownTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           10,
			MaxIdleConns:           2,
			ConnMaxLifetimeSeconds: 300,
		},
		Redis: RedisConfig{
			RecordCacheTTLSeconds: 30,
		},
		Chain: ChainConfig{
			RequestTimeoutSeconds: 15,
			RatesCacheTTLSeconds:  300,
		},
		Search: SearchConfig{
			TargetSize:       20,
			BatchSize:        5,
			BatchDelayMs:     3000,
			MaxRetries:       3,
			RetryBaseDelayMs: 3000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vaultscan",
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（.yaml/.yml 按 YAML 解析，其余按 JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)
	applyInt("RECORD_CACHE_TTL", &c.Redis.RecordCacheTTLSeconds)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("CHAIN_RPC_URL", &c.Chain.RPCURL)
	applyString("CDP_CONTRACT_ADDRESS", &c.Chain.CdpContractAddress)
	applyString("RATES_CONTRACT_ADDRESS", &c.Chain.RatesContractAddress)
	applyInt("CHAIN_REQUEST_TIMEOUT", &c.Chain.RequestTimeoutSeconds)
	applyFloat64("CHAIN_REQUESTS_PER_SECOND", &c.Chain.RequestsPerSecond)
	applyInt("RATES_CACHE_TTL", &c.Chain.RatesCacheTTLSeconds)

	applyInt("SEARCH_TARGET_SIZE", &c.Search.TargetSize)
	applyInt("SEARCH_BATCH_SIZE", &c.Search.BatchSize)
	applyInt("SEARCH_BATCH_DELAY_MS", &c.Search.BatchDelayMs)
	applyInt("SEARCH_MAX_RETRIES", &c.Search.MaxRetries)
	applyInt("SEARCH_RETRY_BASE_DELAY_MS", &c.Search.RetryBaseDelayMs)
	applyInt("SEARCH_MAX_WAVES", &c.Search.MaxWaves)

	applyString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	applyString("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
}

func (c *AppConfig) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Chain.RPCURL = strings.TrimSpace(c.Chain.RPCURL)
	c.Chain.CdpContractAddress = strings.TrimSpace(c.Chain.CdpContractAddress)
	c.Chain.RatesContractAddress = strings.TrimSpace(c.Chain.RatesContractAddress)
	if c.Chain.RatesContractAddress == "" {
		// 未单独配置时复用金库合约（部分部署的视图合约同时暴露 ilks）
		c.Chain.RatesContractAddress = c.Chain.CdpContractAddress
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "vaultscan"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
}

func (c *AppConfig) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Search.TargetSize <= 0 || c.Search.TargetSize > nearby.MaxTargetSize {
		return fmt.Errorf("SEARCH_TARGET_SIZE must be in 1..%d", nearby.MaxTargetSize)
	}
	if c.Search.BatchSize <= 0 {
		return fmt.Errorf("SEARCH_BATCH_SIZE must be positive")
	}
	if c.Search.BatchDelayMs < 0 || c.Search.RetryBaseDelayMs < 0 {
		return fmt.Errorf("search delays must not be negative")
	}
	if c.Search.MaxRetries < 0 || c.Search.MaxRetries > maxSearchRetries {
		return fmt.Errorf("SEARCH_MAX_RETRIES must be in 0..%d", maxSearchRetries)
	}
	if c.Search.MaxWaves < 0 {
		return fmt.Errorf("SEARCH_MAX_WAVES must not be negative")
	}
	if c.Chain.RequestsPerSecond < 0 {
		return fmt.Errorf("CHAIN_REQUESTS_PER_SECOND must not be negative")
	}
	return nil
}

// SearchEngine 转换为搜索引擎配置
func (c *AppConfig) SearchEngine() *nearby.Config {
	return &nearby.Config{
		TargetSize:     c.Search.TargetSize,
		BatchSize:      c.Search.BatchSize,
		BatchDelay:     time.Duration(c.Search.BatchDelayMs) * time.Millisecond,
		MaxRetries:     c.Search.MaxRetries,
		RetryBaseDelay: time.Duration(c.Search.RetryBaseDelayMs) * time.Millisecond,
		MaxWaves:       c.Search.MaxWaves,
	}
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
