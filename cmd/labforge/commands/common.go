package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/stores"
)

// resolveConfigPath returns the file to load: the --config flag, else
// ./labforge.yaml when it exists, else "" for the built-in defaults.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if _, err := os.Stat(config.DefaultPath); err == nil {
		return config.DefaultPath, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to stat %s: %w", config.DefaultPath, err)
	}
	return "", nil
}

func loadConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// openStore opens the configured database. Schema migrations only run when
// migrate is set; read-only commands expect an already migrated database.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return store, nil
}

// writeJSON writes v indented.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v with its JSON field names.
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
