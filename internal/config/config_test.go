package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, StoreDisk, cfg.Store)
	assert.Equal(t, 24*time.Hour, cfg.Expiration)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, []string{"/op", ".rvo"}, cfg.RetrieveCommands)
	assert.Equal(t, "data/whatsapp.db", cfg.WhatsAppDB)
	assert.Equal(t, "data/astro.db", cfg.CacheDB)
	assert.Empty(t, cfg.OpenAIKey)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	env := "STORE=Redis\nEXPIRATION=2h\nRETRIEVE_COMMANDS= /open , .rvo ,\nOPENAI_API_KEY=sk-test\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))

	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, 2*time.Hour, cfg.Expiration)
	assert.Equal(t, []string{"/open", ".rvo"}, cfg.RetrieveCommands)
	assert.Equal(t, "sk-test", cfg.OpenAIKey)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(v *viper.Viper){
		"unknown store":     func(v *viper.Viper) { v.Set("STORE", "s3") },
		"zero expiration":   func(v *viper.Viper) { v.Set("EXPIRATION", "0s") },
		"negative sweep":    func(v *viper.Viper) { v.Set("SWEEP_INTERVAL", "-1m") },
		"no retrieve token": func(v *viper.Viper) { v.Set("RETRIEVE_COMMANDS", " , ") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			mutate(v)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
