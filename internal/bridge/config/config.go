// Package config loads the bridge's configuration: process settings from
// environment variables and the application registration file (apps.yaml),
// validated against an embedded JSON Schema before anything reaches the
// supervisor.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/playbridge/common/environment"
	"github.com/bdobrica/playbridge/internal/bridge/supervisor"
)

//go:embed apps.schema.json
var appsSchemaJSON string

// Config holds process-level settings sourced from the environment.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AdminRooms are rooms where operator commands are accepted in addition
	// to the bridged review rooms.
	AdminRooms []string
	// AdminSenders is an optional allowlist of Matrix user IDs permitted to
	// run commands. Empty means any member of an accepted room.
	AdminSenders []string

	DatabasePath          string
	ServiceAccountKeyPath string
	// AppsFile points at the YAML registration file. Empty disables
	// file-based registration; apps can still be added with !addapp.
	AppsFile      string
	HTTPAddr      string
	CommandPrefix string
}

// FromEnv loads the configuration from environment variables.
func FromEnv() (*Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}
	keyPath, err := environment.RequiredString("PLAY_SERVICE_ACCOUNT_KEY")
	if err != nil {
		return nil, err
	}

	return &Config{
		Homeserver:            homeserver,
		UserID:                userID,
		AccessToken:           accessToken,
		AdminRooms:            environment.StringSliceOr("MATRIX_ADMIN_ROOMS", nil),
		AdminSenders:          environment.StringSliceOr("MATRIX_ADMIN_SENDERS", nil),
		DatabasePath:          environment.StringOr("DATABASE_PATH", "./playbridge.db"),
		ServiceAccountKeyPath: keyPath,
		AppsFile:              environment.StringOr("APPS_FILE", ""),
		HTTPAddr:              environment.StringOr("HTTP_ADDR", ""),
		CommandPrefix:         environment.StringOr("COMMAND_PREFIX", "!"),
	}, nil
}

// App is one registration entry from the apps file.
type App struct {
	Package           string `yaml:"package"`
	Room              string `yaml:"room"`
	PollIntervalMs    int    `yaml:"pollIntervalMs"`
	MaxReviewsPerPoll int    `yaml:"maxReviewsPerPoll"`
	LookbackDays      int    `yaml:"lookbackDays"`
}

// Registration converts the file entry into a supervisor registration.
// Zero-valued options stay zero; the supervisor applies its own defaults.
func (a App) Registration() supervisor.Registration {
	return supervisor.Registration{
		PackageName:       a.Package,
		MatrixRoomID:      a.Room,
		PollInterval:      time.Duration(a.PollIntervalMs) * time.Millisecond,
		MaxReviewsPerPoll: a.MaxReviewsPerPoll,
		LookbackDays:      a.LookbackDays,
	}
}

type appsFile struct {
	Apps []App `yaml:"apps"`
}

// LoadApps reads and validates the registration file.
func LoadApps(path string) ([]App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps file: %w", err)
	}
	apps, err := ParseApps(data)
	if err != nil {
		return nil, fmt.Errorf("apps file %s: %w", path, err)
	}
	return apps, nil
}

// ParseApps decodes and schema-validates an apps document. Validation runs
// against the JSON form of the YAML so the schema's type rules apply
// uniformly.
func ParseApps(data []byte) ([]App, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON form: %w", err)
	}

	schema, err := jsonschema.CompileString("apps.schema.json", appsSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to compile apps schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var f appsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode apps: %w", err)
	}
	return f.Apps, nil
}
