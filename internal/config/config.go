package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendFHIR     = "fhir"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend    string `mapstructure:"STORE_BACKEND"`
	FHIRServerURL   string `mapstructure:"FHIR_SERVER_URL"`
	FHIRServerToken string `mapstructure:"FHIR_SERVER_TOKEN"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBSchema        string `mapstructure:"DB_SCHEMA"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir   string `mapstructure:"MIGRATIONS_DIR"`

	PlanDefinitionURL       string `mapstructure:"PLAN_DEFINITION_URL"`
	ActionID                string `mapstructure:"ACTION_ID"`
	ReportEndpoint          string `mapstructure:"REPORT_ENDPOINT"`
	ReportBearerToken       string `mapstructure:"REPORT_BEARER_TOKEN"`
	NotifyEndpoint          string `mapstructure:"NOTIFY_ENDPOINT"`
	PatientIdentifierSystem string `mapstructure:"PATIENT_IDENTIFIER_SYSTEM"`
	SourceEndpoint          string `mapstructure:"SOURCE_ENDPOINT"`
	MessageEventType        string `mapstructure:"MESSAGE_EVENT_TYPE"`
	QueryPageSize           int    `mapstructure:"QUERY_PAGE_SIZE"`
	MaxActionDepth          int    `mapstructure:"MAX_ACTION_DEPTH"`

	BackendClientID string   `mapstructure:"BACKEND_CLIENT_ID"`
	BackendTokenURL string   `mapstructure:"BACKEND_TOKEN_URL"`
	BackendKeyFile  string   `mapstructure:"BACKEND_KEY_FILE"`
	BackendKeyID    string   `mapstructure:"BACKEND_KEY_ID"`
	BackendScopes   []string `mapstructure:"BACKEND_SCOPES"`

	ValidatorEnabled bool          `mapstructure:"VALIDATOR_ENABLED"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	JanitorSchedule  string        `mapstructure:"JANITOR_SCHEDULE"`
	JanitorGrace     time.Duration `mapstructure:"JANITOR_GRACE"`
	JanitorTypes     []string      `mapstructure:"JANITOR_TYPES"`
	PlansDir         string        `mapstructure:"PLANS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_BACKEND", "FHIR_SERVER_URL", "FHIR_SERVER_TOKEN",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"PLAN_DEFINITION_URL", "ACTION_ID", "REPORT_ENDPOINT", "REPORT_BEARER_TOKEN", "NOTIFY_ENDPOINT",
	"PATIENT_IDENTIFIER_SYSTEM", "SOURCE_ENDPOINT", "MESSAGE_EVENT_TYPE",
	"QUERY_PAGE_SIZE", "MAX_ACTION_DEPTH",
	"BACKEND_CLIENT_ID", "BACKEND_TOKEN_URL", "BACKEND_KEY_FILE", "BACKEND_KEY_ID", "BACKEND_SCOPES",
	"VALIDATOR_ENABLED", "BODY_LIMIT",
	"JANITOR_SCHEDULE", "JANITOR_GRACE", "JANITOR_TYPES", "PLANS_DIR",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendFHIR)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("MESSAGE_EVENT_TYPE", "cancer-report-message")
	v.SetDefault("QUERY_PAGE_SIZE", 100)
	v.SetDefault("MAX_ACTION_DEPTH", 32)
	v.SetDefault("BACKEND_SCOPES", "system/*.read system/*.write")
	v.SetDefault("VALIDATOR_ENABLED", true)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("JANITOR_SCHEDULE", "@every 15m")
	v.SetDefault("JANITOR_GRACE", "1h")
	v.SetDefault("JANITOR_TYPES", "Patient,Encounter,Condition,Observation,DiagnosticReport,MedicationRequest,MedicationAdministration,Procedure,Specimen,Bundle")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// list values from the environment arrive as one string
	cfg.BackendScopes = splitList(v.GetString("BACKEND_SCOPES"), " ")
	cfg.JanitorTypes = splitList(v.GetString("JANITOR_TYPES"), ",")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)

	return cfg, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesBackendServices reports whether outbound calls authenticate with
// SMART backend services rather than a static token.
func (c *Config) UsesBackendServices() bool {
	return c.BackendClientID != ""
}

// Validate checks that the configuration is usable for the selected store
// backend and outbound authentication.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendFHIR:
		if c.FHIRServerURL == "" {
			return fmt.Errorf("FHIR_SERVER_URL is required when STORE_BACKEND is %q", BackendFHIR)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q", BackendFHIR, BackendPostgres, BackendMemory, c.StoreBackend)
	}

	if c.UsesBackendServices() {
		if c.BackendTokenURL == "" {
			return fmt.Errorf("BACKEND_TOKEN_URL is required when BACKEND_CLIENT_ID is set")
		}
		if c.BackendKeyFile == "" {
			return fmt.Errorf("BACKEND_KEY_FILE is required when BACKEND_CLIENT_ID is set")
		}
	}

	if c.QueryPageSize <= 0 {
		return fmt.Errorf("QUERY_PAGE_SIZE must be positive, got %d", c.QueryPageSize)
	}
	if c.MaxActionDepth <= 0 {
		return fmt.Errorf("MAX_ACTION_DEPTH must be positive, got %d", c.MaxActionDepth)
	}
	if c.JanitorGrace <= 0 {
		return fmt.Errorf("JANITOR_GRACE must be a positive duration, got %s", c.JanitorGrace)
	}
	return nil
}

// ValidateCoordinates checks the three values that identify what to run
// and where to send the result.
func (c *Config) ValidateCoordinates() error {
	var missing []string
	if c.PlanDefinitionURL == "" {
		missing = append(missing, "PLAN_DEFINITION_URL")
	}
	if c.ActionID == "" {
		missing = append(missing, "ACTION_ID")
	}
	if c.ReportEndpoint == "" {
		missing = append(missing, "REPORT_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing run configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
