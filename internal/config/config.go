package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Server   ServerConfig    `json:"server"`
	Redis    RedisConfig     `json:"redis"`
	Postgres PostgresConfig  `json:"postgres"`
	Auth     AuthConfig      `json:"auth"`
	Services []ServiceConfig `json:"services"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret"`
	JWTExpiryHours int    `json:"jwt_expiry_hours"`
}

// Describes one rate-limited upstream API
type ServiceConfig struct {
	Name             string  `json:"name"`
	BaseURL          string  `json:"base_url"`
	LimitHeader      string  `json:"limit_header"`
	SafetyFactor     float64 `json:"safety_factor"`
	QueueDepth       int     `json:"queue_depth"`
	BlockOnFull      bool    `json:"block_on_full"`
	Workers          int     `json:"workers"`
	MaxAttempts      int     `json:"max_attempts"`
	QueueWaitSeconds int     `json:"queue_wait_seconds"`
	AcquireSeconds   int     `json:"acquire_seconds"`
	CallSeconds      int     `json:"call_seconds"`

	Breaker BreakerConfig `json:"breaker"`

	HealthPath            string `json:"health_path"`
	HealthIntervalSeconds int    `json:"health_interval_seconds"`
}

type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	CooldownSeconds  int `json:"cooldown_seconds"`
	MaxCooldown      int `json:"max_cooldown_seconds"`
}

func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Secrets come from the environment, never from config.json
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.Auth.JWTExpiryHours <= 0 {
		c.Auth.JWTExpiryHours = 24
	}

	for i := range c.Services {
		svc := &c.Services[i]
		if svc.LimitHeader == "" {
			svc.LimitHeader = "ratelimit"
		}
		if svc.SafetyFactor <= 0 || svc.SafetyFactor > 1 {
			svc.SafetyFactor = 0.8
		}
		if svc.QueueDepth <= 0 {
			svc.QueueDepth = 1000
		}
		if svc.Workers <= 0 {
			svc.Workers = 5
		}
		if svc.MaxAttempts <= 0 {
			svc.MaxAttempts = 3
		}
		if svc.QueueWaitSeconds <= 0 {
			svc.QueueWaitSeconds = 60
		}
		if svc.AcquireSeconds <= 0 {
			svc.AcquireSeconds = 30
		}
		if svc.CallSeconds <= 0 {
			svc.CallSeconds = 30
		}
		if svc.Breaker.FailureThreshold <= 0 {
			svc.Breaker.FailureThreshold = 5
		}
		if svc.Breaker.CooldownSeconds <= 0 {
			svc.Breaker.CooldownSeconds = 60
		}
		if svc.Breaker.MaxCooldown <= 0 {
			svc.Breaker.MaxCooldown = 300
		}
		if svc.HealthIntervalSeconds <= 0 {
			svc.HealthIntervalSeconds = 30
		}
	}
}

func (c *Config) validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("config: at least one service must be configured")
	}

	seen := make(map[string]bool)
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("config: service name is required")
		}
		if svc.BaseURL == "" {
			return fmt.Errorf("config: service %s has no base_url", svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("config: duplicate service name %s", svc.Name)
		}
		seen[svc.Name] = true
	}

	return nil
}

func (r *RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

func (s *ServiceConfig) QueueWaitTimeout() time.Duration {
	return time.Duration(s.QueueWaitSeconds) * time.Second
}

func (s *ServiceConfig) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireSeconds) * time.Second
}

func (s *ServiceConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallSeconds) * time.Second
}
