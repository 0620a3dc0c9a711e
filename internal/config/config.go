// Package config 配置
package config

import (
	"strconv"
	"time"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// 行情接入
	FeedUpstreamURL    string
	FeedSpreadBps      int64
	FeedControlChannel string

	// 引擎
	Markets              []string
	MaintenanceMarginBps int64
	CmdBufferSize        int

	// 巡检
	ReconcileCron string

	// 链路追踪
	TracingEnabled  bool
	TracingEndpoint string
	TraceSampleRate float64

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "margin-engine"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8090),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5436),
		DBUser:            getEnv("DB_USER", "exchange"),
		DBPassword:        getEnv("DB_PASSWORD", "exchange123"),
		DBName:            getEnv("DB_NAME", "exchange"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		FeedUpstreamURL:    getEnv("FEED_UPSTREAM_URL", "wss://stream.binance.com:9443/ws/"),
		FeedSpreadBps:      getEnvInt64("FEED_SPREAD_BPS", 500),
		FeedControlChannel: getEnv("FEED_CONTROL_CHANNEL", "feed:control"),

		// 目录库不可用时的兜底市场列表
		Markets:              getEnvSlice("MARKETS", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}),
		MaintenanceMarginBps: getEnvInt64("MAINTENANCE_MARGIN_BPS", 50),
		CmdBufferSize:        getEnvInt("CMD_BUFFER_SIZE", 1024),

		ReconcileCron: getEnv("RECONCILE_CRON", "*/5 * * * *"),

		TracingEnabled:  getEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: getEnvFloat64("TRACE_SAMPLE_RATE", 0.1),

		WorkerID: getEnvInt64("WORKER_ID", 1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
