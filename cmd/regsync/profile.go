package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// storageProfileDefaults maps a storage profile onto backend, token and
// notification queue DSNs. Explicit settings still win over a profile.
func storageProfileDefaults(profile, dataDir, productionDSN string) (backendDSN, tokensDSN, queueDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if dataDir = strings.TrimSpace(dataDir); dataDir == "" {
		dataDir = ".regsync"
	}
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "", "memory://", nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", "", "", fmt.Errorf("REGSYNC_PRODUCTION_DSN is required when profile=%s", profile)
		}
		return productionDSN, "", productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "regsync.db"),
			"",
			"file://" + filepath.Join(dataDir, "notification-queue.json"),
			nil
	default:
		return "", "", "", fmt.Errorf("unsupported storage profile: %s", profile)
	}
}

func applyStorageProfile(v *viper.Viper) error {
	backendDSN, tokensDSN, queueDSN, err := storageProfileDefaults(v.GetString("profile"), v.GetString("data_dir"), v.GetString("production_dsn"))
	if err != nil {
		return err
	}
	if backendDSN != "" {
		v.SetDefault("backend", backendDSN)
	}
	if tokensDSN != "" {
		v.SetDefault("tokens", tokensDSN)
	}
	if queueDSN != "" {
		v.SetDefault("notification_queue", queueDSN)
	}
	if strings.HasPrefix(backendDSN, "sqlite://") {
		dir := v.GetString("data_dir")
		if strings.TrimSpace(dir) == "" {
			dir = ".regsync"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}

// requireServeSecret refuses to serve a production profile whose admin API
// would fall back to the development JWT secret.
func requireServeSecret(profile, secret string) error {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "production", "prod":
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("jwt_secret is required when profile=%s", profile)
		}
	}
	return nil
}
