package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/websoft9/serissh/internal/device"
)

// envPrefix namespaces every variable read by Load.
const envPrefix = "SERISSH_"

type Config struct {
	// SSH
	ListenHost  string
	Port        int
	User        string
	Password    string
	HostKeyPath string
	RateLimit   float64
	MaxPending  int

	// Device
	SerialPath string
	Baud       int
	Framing    string

	// HTTP (disabled when HTTPAddr is empty)
	HTTPAddr           string
	CORSAllowedOrigins []string
	WebIdleTimeout     time.Duration

	// Process
	GraceTimeout time.Duration
	Env          string
	Version      string
	LogLevel     string
	LogFormat    string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		ListenHost:         getEnv("LISTEN_HOST", "0.0.0.0"),
		Port:               getEnvAsInt("PORT", 2222),
		User:               getEnv("USER", ""),
		Password:           getEnv("PASSWORD", ""),
		HostKeyPath:        getEnv("HOST_KEY", "host_key"),
		RateLimit:          getEnvAsFloat("RATE_LIMIT", 10),
		MaxPending:         getEnvAsInt("MAX_PENDING", 50),
		SerialPath:         getEnv("SERIAL", ""),
		Baud:               getEnvAsInt("BAUD", 115200),
		Framing:            getEnv("FRAMING", "8N1"),
		HTTPAddr:           getEnv("HTTP_ADDR", ""),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),
		WebIdleTimeout:     getEnvAsDuration("WEB_IDLE_TIMEOUT", 30*time.Minute),
		GraceTimeout:       getEnvAsDuration("GRACE_TIMEOUT", 5*time.Second),
		Env:                getEnv("ENV", "production"),
		Version:            getEnv("VERSION", "0.1.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}

	return cfg, nil
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.User == "" || c.Password == "" {
		errs = append(errs, errors.New("user and password are required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SerialPath != "" {
		if !device.SupportedBaud(c.Baud) {
			errs = append(errs, fmt.Errorf("unsupported baud rate %d", c.Baud))
		}
		if _, err := device.ParseFraming(c.Framing); err != nil {
			errs = append(errs, err)
		}
	}
	if c.GraceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("grace timeout must be positive, got %s", c.GraceTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %g", c.RateLimit))
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max pending must not be negative, got %d", c.MaxPending))
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or pretty", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SSHAddr is the host:port the SSH listener binds to.
func (c *Config) SSHAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// DeviceFraming parses Framing.
func (c *Config) DeviceFraming() (device.Framing, error) {
	return device.ParseFraming(c.Framing)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("5s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
