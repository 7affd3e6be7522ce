package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// iniDatabaseSection is the section read from INI database files.
const iniDatabaseSection = "Database"

// LoadDatabase reads a standalone database configuration file.
//
// Files ending in .ini are read as INI with a [Database] section, anything
// else as YAML with the same keys as the "database" section of the daemon
// configuration. Unset keys take the daemon defaults and the LAKESHORE_DATABASE_*
// environment overrides still apply.
//
// Parameters:
//   - path: Path to the database configuration file
//
// Returns:
//   - DatabaseConfig: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadDatabase(path string) (DatabaseConfig, error) {
	db := defaultDatabaseConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini":
		file, err := ini.Load(path)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("reading database config: %w", err)
		}
		if err := file.Section(iniDatabaseSection).MapTo(&db); err != nil {
			return DatabaseConfig{}, fmt.Errorf("parsing database config: %w", err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("reading database config: %w", err)
		}
		if err := yaml.Unmarshal(data, &db); err != nil {
			return DatabaseConfig{}, fmt.Errorf("parsing database config: %w", err)
		}
	}

	db.ConfigFile = path
	applyDatabaseEnvOverrides(&db)

	if err := db.Validate(); err != nil {
		return DatabaseConfig{}, fmt.Errorf("validating database config: %w", err)
	}

	return db, nil
}
