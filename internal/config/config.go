package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreDisk   = "disk"
	StoreRedis  = "redis"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds the bot configuration.
type Config struct {
	Store            string
	CacheDir         string
	CacheIndex       string
	CacheDB          string
	Expiration       time.Duration
	SweepInterval    time.Duration
	RetrieveCommands []string

	RedisAddr   string
	RedisPrefix string

	WhatsAppDB   string // path for whatsmeow session DB
	ProvokeStubs bool

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	SystemPrompt  string

	FFmpeg      string
	LogLevel    string
	MetricsAddr string
}

const defaultSystemPrompt = `You are an AI assistant named "Astro AI".
Answer every question about who you are using this identity.`

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("STORE", StoreDisk)
	v.SetDefault("CACHE_DIR", "data/viewonce")
	v.SetDefault("CACHE_INDEX", "data/viewonce.json")
	v.SetDefault("CACHE_DB", "data/astro.db")
	v.SetDefault("EXPIRATION", "24h")
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("RETRIEVE_COMMANDS", "/op,.rvo")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PREFIX", "astro:viewonce:")
	v.SetDefault("WA_DB", "data/whatsapp.db")
	v.SetDefault("PROVOKE_STUBS", false)
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("SYSTEM_PROMPT", defaultSystemPrompt)
	v.SetDefault("FFMPEG", "ffmpeg")
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	cfg := Config{
		Store:            strings.ToLower(v.GetString("STORE")),
		CacheDir:         v.GetString("CACHE_DIR"),
		CacheIndex:       v.GetString("CACHE_INDEX"),
		CacheDB:          v.GetString("CACHE_DB"),
		Expiration:       v.GetDuration("EXPIRATION"),
		SweepInterval:    v.GetDuration("SWEEP_INTERVAL"),
		RetrieveCommands: splitList(v.GetString("RETRIEVE_COMMANDS")),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		RedisPrefix:      v.GetString("REDIS_PREFIX"),
		WhatsAppDB:       v.GetString("WA_DB"),
		ProvokeStubs:     v.GetBool("PROVOKE_STUBS"),
		OpenAIKey:        v.GetString("OPENAI_API_KEY"),
		OpenAIModel:      v.GetString("OPENAI_MODEL"),
		OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
		SystemPrompt:     v.GetString("SYSTEM_PROMPT"),
		FFmpeg:           v.GetString("FFMPEG"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		MetricsAddr:      v.GetString("METRICS_ADDR"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the bot cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreDisk, StoreRedis, StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q (want disk, sqlite, redis or memory)", c.Store)
	}
	if c.Expiration <= 0 {
		return fmt.Errorf("EXPIRATION must be positive, got %s", c.Expiration)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if len(c.RetrieveCommands) == 0 {
		return fmt.Errorf("RETRIEVE_COMMANDS is empty")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
