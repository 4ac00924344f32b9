// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/multi-agent/agent-timeline/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 上游事件流 API
	StreamBaseURL   string `env:"STREAM_BASE_URL" default:"http://127.0.0.1:9600"`
	StreamTransport string `env:"STREAM_TRANSPORT" default:"sse"` // sse | ws
	StreamTimeout   int    `env:"STREAM_TIMEOUT_SEC" default:"10" min:"1"`

	// Flush 调度
	FrameIntervalMS    int `env:"FRAME_INTERVAL_MS" default:"16" min:"1"`
	HiddenIntervalMS   int `env:"HIDDEN_INTERVAL_MS" default:"48" min:"1"`
	ActivityFlashMS    int `env:"ACTIVITY_FLASH_MS" default:"60" min:"10"`
	HistoryHydrateRows int `env:"HISTORY_HYDRATE_ROWS" default:"500" min:"1"`

	// PostgreSQL (可选: 为空时禁用历史持久化)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// HTTP 服务
	HTTPPort        int `env:"HTTP_PORT" default:"8080" min:"1"`
	SSEKeepaliveSec int `env:"SSE_KEEPALIVE_SEC" default:"30" min:"1"`
	TimelineLimit   int `env:"TIMELINE_LIMIT" default:"2000" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"production"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
