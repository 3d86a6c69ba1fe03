package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Log      LogConfig      `mapstructure:"log"`
	Client   ClientConfig   `mapstructure:"client"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ChatConfig struct {
	// RateLimit is the sustained number of chat requests per second per user.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

type ClientConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	StorePath string `mapstructure:"store_path"`
}

const envPrefix = "GRACELINE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8100")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.path", "graceline.db")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1/")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama3.1:8b")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("chat.rate_limit", 0.5)
	v.SetDefault("chat.burst", 3)
	v.SetDefault("log.development", false)
	v.SetDefault("client.base_url", "http://localhost:8100")
	v.SetDefault("client.store_path", "graceline-client.db")
}

// LoadConfig reads path (optional, YAML) and overlays GRACELINE_* environment
// variables, e.g. GRACELINE_LLM_API_KEY for llm.api_key.
func LoadConfig(path string) (*AppConfig, error) {
	var config AppConfig

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return &config, err
		}
	}
	if err := v.Unmarshal(&config); err != nil {
		return &config, err
	}
	if err := config.validate(); err != nil {
		return &config, err
	}
	return &config, nil
}

func (c *AppConfig) validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("config: server.addr must not be empty"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("config: database.path must not be empty"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("config: llm.model must not be empty"))
	}
	if c.Chat.RateLimit < 0 || c.Chat.Burst < 0 {
		errs = append(errs, errors.New("config: chat.rate_limit and chat.burst must not be negative"))
	}
	return errors.Join(errs...)
}
