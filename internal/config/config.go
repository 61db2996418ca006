package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys double as .env variable names and environment variables (upper case).
const (
	KeyClock          = "ztex_clock"
	KeyStatusAddr     = "status_addr"
	KeyGRPCAddr       = "grpc_addr"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeyLogOutput      = "log_output"
	KeyWorkInterval   = "work_interval"
	KeyControlTimeout = "control_timeout"
)

type Config struct {
	Clock          string
	StatusAddr     string
	GRPCAddr       string
	LogLevel       string
	LogFormat      string
	LogOutput      string
	WorkInterval   time.Duration
	ControlTimeout time.Duration
}

// New returns a viper instance with defaults set.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyClock, "")
	v.SetDefault(KeyStatusAddr, ":8090")
	v.SetDefault(KeyGRPCAddr, ":8091")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogOutput, "stderr")
	v.SetDefault(KeyWorkInterval, 60*time.Second)
	v.SetDefault(KeyControlTimeout, time.Second)
	v.AutomaticEnv()
	return v
}

// RegisterFlags adds the miner flags to fs and binds them to v.
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("ztex-clock", "", "clock range per FPGA as min[:max] MHz, comma separated in detection order")
	fs.String("status-addr", ":8090", "HTTP status listen address (empty disables)")
	fs.String("grpc-addr", ":8091", "gRPC health listen address (empty disables)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("log-output", "stderr", "log output (stdout, stderr or file path)")
	fs.Duration("work-interval", 60*time.Second, "benchmark source block interval")
	fs.Duration("control-timeout", time.Second, "USB control transfer timeout")

	bindings := map[string]string{
		KeyClock:          "ztex-clock",
		KeyStatusAddr:     "status-addr",
		KeyGRPCAddr:       "grpc-addr",
		KeyLogLevel:       "log-level",
		KeyLogFormat:      "log-format",
		KeyLogOutput:      "log-output",
		KeyWorkInterval:   "work-interval",
		KeyControlTimeout: "control-timeout",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the .env file from the project root when present, then resolves
// every key (flags over environment over .env over defaults).
func Load(v *viper.Viper) (*Config, error) {
	envPath := filepath.Join(findProjectRoot(), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := ReadEnvFile(v, envPath); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Clock:          v.GetString(KeyClock),
		StatusAddr:     v.GetString(KeyStatusAddr),
		GRPCAddr:       v.GetString(KeyGRPCAddr),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		LogOutput:      v.GetString(KeyLogOutput),
		WorkInterval:   v.GetDuration(KeyWorkInterval),
		ControlTimeout: v.GetDuration(KeyControlTimeout),
	}

	if cfg.ControlTimeout <= 0 {
		return nil, fmt.Errorf("control timeout must be positive, got %s", cfg.ControlTimeout)
	}
	if err := ValidateClockOption(cfg.Clock); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadEnvFile merges a dotenv file into v.
func ReadEnvFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
