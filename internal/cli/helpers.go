package cli

import (
	"fmt"

	"github.com/jcarver/prwarden/internal/config"
	"github.com/jcarver/prwarden/internal/db"
)

// loadConfig resolves --config or falls back to the default search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// validateConfig renders validation problems as printable lines.
func validateConfig(cfg *config.Config) []string {
	var out []string
	for _, e := range config.Validate(cfg) {
		out = append(out, e.Error())
	}
	return out
}

// openDB opens the state database at the default location with the schema
// applied.
func openDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return d, nil
}
