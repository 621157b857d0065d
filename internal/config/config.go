package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ErrMissingCredentials is returned when a scheduled Insight connector has no
// username or password in the environment.
var ErrMissingCredentials = errors.New("missing insight credentials")

// Credentials authenticate against an Insight API deployment.
type Credentials struct {
	Username string
	Password string
}

type AppConfig struct {
	ESDRBaseURL   string `validate:"required,url"`
	ESDRAuthFile  string `validate:"required"`
	ESDRUserAgent string

	// HTTPTimeout bounds every outbound call.
	HTTPTimeout time.Duration `validate:"gt=0"`

	// FetchInterval controls how often the scheduler runs a cycle per connector.
	FetchInterval time.Duration `validate:"gt=0"`

	// Connectors run by the scheduler; empty means all.
	Connectors []string

	// In-memory report retention.
	StoreMaxHistory int           // max number of reports per connector (0 = unlimited)
	StoreMaxAge     time.Duration // max age of reports (0 = unlimited)

	// DryRun skips uploads to ESDR.
	DryRun bool

	// DatabaseURL enables the Postgres upload archive.
	DatabaseURL string

	SourcesFile string
	Sources     *Sources

	// InsightCredentials are keyed by insight source name (e.g. "chevron").
	InsightCredentials map[string]Credentials

	Port string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.ESDRBaseURL = getenvDefault("ESDR_BASE_URL", "https://esdr.cmucreatelab.org")
	cfg.ESDRAuthFile = getenvDefault("ESDR_AUTH_FILE", "awba_auth/auth.json")
	cfg.ESDRUserAgent = getenvDefault("ESDR_USER_AGENT", "air-quality-connectors")

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "4m"); err != nil {
		return nil, err
	}
	// Insight queries cover a 5 minute window.
	if cfg.FetchInterval, err = getenvDuration("FETCH_INTERVAL", "5m"); err != nil {
		return nil, err
	}

	cfg.Connectors = splitList(os.Getenv("CONNECTORS"))

	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", 288) // 24h at 5-minute intervals
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "24h"); err != nil {
		return nil, err
	}

	dryRun := strings.TrimSpace(os.Getenv("DRY_RUN"))
	cfg.DryRun = dryRun == "1" || strings.EqualFold(dryRun, "true")

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Port = getenvDefault("PORT", "8080")

	cfg.SourcesFile = os.Getenv("SOURCES_FILE")
	sources, err := LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	cfg.InsightCredentials = make(map[string]Credentials, len(sources.Insight))
	for name := range sources.Insight {
		prefix := strings.ToUpper(name)
		cfg.InsightCredentials[name] = Credentials{
			Username: os.Getenv(prefix + "_USERNAME"),
			Password: os.Getenv(prefix + "_PASSWORD"),
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.checkCredentials(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkCredentials requires <NAME>_USERNAME and <NAME>_PASSWORD for every
// enabled Insight connector.
func (c *AppConfig) checkCredentials() error {
	var missing []string
	for name, creds := range c.InsightCredentials {
		if !c.Enabled(name) {
			continue
		}
		if creds.Username == "" || creds.Password == "" {
			prefix := strings.ToUpper(name)
			missing = append(missing, prefix+"_USERNAME/"+prefix+"_PASSWORD")
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: set %s", ErrMissingCredentials, strings.Join(missing, ", "))
}

// Enabled reports whether the scheduler should run the named connector.
func (c *AppConfig) Enabled(connector string) bool {
	if len(c.Connectors) == 0 {
		return true
	}
	for _, name := range c.Connectors {
		if name == connector {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
