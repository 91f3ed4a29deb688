package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// Config 进程配置：先读环境变量，再由命令行参数覆盖
type Config struct {
	Addr      string `env:"RELAY_ADDR" envDefault:":3000"`
	LogFile   string `env:"RELAY_LOG_FILE" envDefault:"app.log"`
	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"debug"`
	LogStderr bool   `env:"RELAY_LOG_STDERR" envDefault:"false"`

	// 外部凭据缺失时启动失败
	MirrorPath string `env:"RELAY_MIRROR_PATH,required,notEmpty"`
	AdminToken string `env:"RELAY_ADMIN_TOKEN,required,notEmpty"`

	MaxPlayers        int           `env:"RELAY_MAX_PLAYERS" envDefault:"64"`
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL" envDefault:"5s"`
	ShutdownGrace     time.Duration `env:"RELAY_SHUTDOWN_GRACE" envDefault:"2s"`
	MirrorTimeout     time.Duration `env:"RELAY_MIRROR_TIMEOUT" envDefault:"3s"`
	MirrorQueue       int           `env:"RELAY_MIRROR_QUEUE" envDefault:"256"`
	AllowedOrigins    []string      `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`

	// ListOnline 只打印在线镜像后退出（供运维查看，不启动中继）
	ListOnline bool
}

// LoadConfig 解析环境变量与命令行参数（args 不含程序名）
func LoadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("rusherrelay", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :3000")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rolling log file path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxPlayers, "max-players", cfg.MaxPlayers, "capacity ceiling, 0 for unlimited")
	fs.BoolVar(&cfg.ListOnline, "online", false, "print the presence mirror and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.MaxPlayers < 0 {
		return Config{}, fmt.Errorf("max players must not be negative")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("heartbeat interval must be positive")
	}
	return cfg, nil
}
