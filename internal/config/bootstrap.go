package config

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"

	"github.com/eugener/llmux/internal/keypool"
)

// SeedKeys loads every configured provider credential into the pool.
// Returns the number of keys added.
func SeedKeys(cfg *Config, pool *keypool.Pool) int {
	added := 0
	for _, p := range cfg.Providers {
		for _, k := range p.Keys {
			pool.AddKey(p.Service, k.Secret, k.ResolvedFamilies(p.Service), k.Trial, k.Meta)
			added++
		}
		slog.Info("seeded provider keys", "service", p.Service, "keys", len(p.Keys))
	}
	return added
}

// ResolveAdminKey returns the configured admin key, generating a random one
// when the config leaves it empty. Generated keys are logged once so the
// operator can find them.
func ResolveAdminKey(cfg *Config) string {
	if cfg.AdminKey != "" {
		return cfg.AdminKey
	}
	key := generateAdminKey()
	slog.Warn("no admin_key configured, generated one for this run", "admin_key", key)
	return key
}

// generateAdminKey creates a random admin key and returns the plaintext.
func generateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "adm_" + base64.RawURLEncoding.EncodeToString(raw)
}
