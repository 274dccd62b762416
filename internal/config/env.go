package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays the documented environment knobs on top of cfg.
// These are the knobs the deployment contract exposes; everything else
// lives in the config file.
func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("PORT: invalid value %q", v)
		}
		cfg.Server.Port = p
	}
	if v := strings.TrimSpace(os.Getenv("DB_PATH")); v != "" {
		cfg.Storage.StatePath = v
	}
	if v := strings.TrimSpace(os.Getenv("JOB_DB_PATH")); v != "" {
		cfg.Storage.JobsPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
