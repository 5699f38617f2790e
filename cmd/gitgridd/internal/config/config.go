package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the process configuration loaded at startup
type Config struct {
	// Database connection string (DSN)
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Maximum database connection pool size
	MaxDBConnections int

	// Enable debug logging
	Debug bool

	// RepositoriesFolder is the root directory every repository lives under
	RepositoriesFolder string

	// GitBackendURL is the smart HTTP backend authorized git traffic is
	// forwarded to. Empty answers git requests with 501.
	GitBackendURL string

	// SettingsFile optionally points at a yaml file with runtime settings.
	// The file is watched and re-read while the server runs.
	SettingsFile string

	// Runtime settings seeded from the environment
	Runtime RuntimeSettings

	// Defaults applied to repository settings that are absent from disk
	Defaults RepositoryDefaults

	Auth AuthConfig

	Jobs JobsConfig

	Observability ObservabilityConfig
}

// RepositoryDefaults supply values for repository settings absent on disk.
type RepositoryDefaults struct {
	AccessRestriction    string
	AuthorizationControl string
	FederationStrategy   string
	GCThreshold          string
	GCPeriod             time.Duration
	AllowForks           bool
}

// AuthConfig configures the authenticator chain.
type AuthConfig struct {
	// ContainerHeader carries a username vouched for by a trusted reverse proxy
	ContainerHeader string
	// ContainerAttributePrefix selects headers exposed as provisioning attributes
	// (e.g. X-Remote-Email for prefix X-Remote-)
	ContainerAttributePrefix string
	// ContainerRolesHeader lists upstream roles, comma separated
	ContainerRolesHeader string
	// TrustedProxies lists CIDRs allowed to assert a container identity
	TrustedProxies []string
	// ContainerAutoCreate provisions missing accounts for container identities
	ContainerAutoCreate bool
	// ContainerAdminRole grants the admin flag to provisioned accounts holding this upstream role
	ContainerAdminRole string

	// CertUsernameFields lists subject fields joined to form the username (CN, O, OU, EMAILADDRESS, ...)
	CertUsernameFields []string
	// CertEnforceValidity rejects certificates outside NotBefore/NotAfter
	CertEnforceValidity bool

	CookieName string
	CookieTTL  time.Duration

	// FederationUser is the reserved internal account never authenticated with credentials
	FederationUser string

	// HtpasswdFile enables the htpasswd credential provider
	HtpasswdFile string

	// TokenSecret enables HS256 access tokens issued at login
	TokenSecret string
	TokenTTL    time.Duration

	// OIDC bearer tokens from an external identity provider
	OIDCIssuer   string
	OIDCClientID string

	// Providers orders the pluggable request mechanisms tried after basic credentials
	Providers []string
}

// JobsConfig configures background services.
type JobsConfig struct {
	GCInterval               time.Duration
	MirrorInterval           time.Duration
	TeamCacheRefreshInterval time.Duration
	SizeWarmupInterval       time.Duration
}

// ObservabilityConfig holds OpenTelemetry exporter settings.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Load reads configuration from environment variables with fallback defaults.
// A .env file in the working directory (or envFile when given) is applied first
// without overriding variables already present in the environment.
func Load(envFile ...string) (*Config, error) {
	if err := loadDotEnv(envFile...); err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:        getEnv("DATABASE_URL", "file:gitgrid.db?cache=shared"),
		ServerAddr:         getEnv("SERVER_ADDR", "localhost:8080"),
		MaxDBConnections:   getEnvInt("MAX_DB_CONNECTIONS", 25),
		Debug:              getEnvBool("DEBUG", false),
		RepositoriesFolder: getEnv("GITGRID_REPOSITORIES_FOLDER", "repositories"),
		GitBackendURL:      getEnv("GITGRID_GIT_BACKEND_URL", ""),
		SettingsFile:       getEnv("GITGRID_SETTINGS_FILE", ""),
		Runtime: RuntimeSettings{
			CacheRepositoryList: getEnvBool("GITGRID_CACHE_REPOSITORY_LIST", true),
			OnlyBare:            getEnvBool("GITGRID_ONLY_BARE", true),
			SearchSubfolders:    getEnvBool("GITGRID_SEARCH_SUBFOLDERS", true),
			SearchDepth:         getEnvInt("GITGRID_SEARCH_DEPTH", -1),
			Exclusions:          getEnvList("GITGRID_SEARCH_EXCLUSIONS", nil),
			CalculateSize:       getEnvBool("GITGRID_CALCULATE_SIZE", true),
		},
		Defaults: RepositoryDefaults{
			AccessRestriction:    strings.ToUpper(getEnv("GITGRID_DEFAULT_ACCESS_RESTRICTION", "PUSH")),
			AuthorizationControl: strings.ToUpper(getEnv("GITGRID_DEFAULT_AUTHORIZATION_CONTROL", "NAMED")),
			FederationStrategy:   strings.ToUpper(getEnv("GITGRID_DEFAULT_FEDERATION_STRATEGY", "FEDERATE_THIS")),
			GCThreshold:          getEnv("GITGRID_DEFAULT_GC_THRESHOLD", "500k"),
			GCPeriod:             getEnvDuration("GITGRID_DEFAULT_GC_PERIOD", 7*24*time.Hour),
			AllowForks:           getEnvBool("GITGRID_DEFAULT_ALLOW_FORKS", true),
		},
		Auth: AuthConfig{
			ContainerHeader:          getEnv("GITGRID_CONTAINER_HEADER", "X-Remote-User"),
			ContainerAttributePrefix: getEnv("GITGRID_CONTAINER_ATTRIBUTE_PREFIX", "X-Remote-"),
			ContainerRolesHeader:     getEnv("GITGRID_CONTAINER_ROLES_HEADER", "X-Remote-Roles"),
			TrustedProxies:           getEnvList("GITGRID_TRUSTED_PROXIES", nil),
			ContainerAutoCreate:      getEnvBool("GITGRID_CONTAINER_AUTOCREATE", false),
			ContainerAdminRole:       getEnv("GITGRID_CONTAINER_ADMIN_ROLE", ""),
			CertUsernameFields:       getEnvList("GITGRID_CERT_USERNAME_FIELDS", []string{"CN"}),
			CertEnforceValidity:      getEnvBool("GITGRID_CERT_ENFORCE_VALIDITY", true),
			CookieName:               getEnv("GITGRID_COOKIE_NAME", "gitgrid"),
			CookieTTL:                getEnvDuration("GITGRID_COOKIE_TTL", 30*24*time.Hour),
			FederationUser:           getEnv("GITGRID_FEDERATION_USER", "$gitgrid"),
			HtpasswdFile:             getEnv("GITGRID_HTPASSWD_FILE", ""),
			TokenSecret:              getEnv("GITGRID_TOKEN_SECRET", ""),
			TokenTTL:                 getEnvDuration("GITGRID_TOKEN_TTL", 12*time.Hour),
			OIDCIssuer:               getEnv("OIDC_ISSUER", ""),
			OIDCClientID:             getEnv("OIDC_CLIENT_ID", ""),
			Providers:                getEnvList("GITGRID_AUTH_PROVIDERS", []string{"token", "oidc"}),
		},
		Jobs: JobsConfig{
			GCInterval:               getEnvDuration("GITGRID_GC_INTERVAL", time.Hour),
			MirrorInterval:           getEnvDuration("GITGRID_MIRROR_INTERVAL", 15*time.Minute),
			TeamCacheRefreshInterval: getEnvDuration("GITGRID_TEAM_CACHE_REFRESH", 5*time.Minute),
			SizeWarmupInterval:       getEnvDuration("GITGRID_SIZE_WARMUP_INTERVAL", 30*time.Minute),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPProtocol:   getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/protobuf"),
			OTLPInsecure:   getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "gitgridd"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("DEPLOYMENT_ENVIRONMENT", "development"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RepositoriesFolder == "" {
		return nil, fmt.Errorf("GITGRID_REPOSITORIES_FOLDER is required")
	}
	if cfg.Auth.OIDCIssuer != "" && cfg.Auth.OIDCClientID == "" {
		return nil, fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER is set")
	}
	if !strings.HasPrefix(cfg.Auth.FederationUser, "$") {
		return nil, fmt.Errorf("GITGRID_FEDERATION_USER must start with '$', got %q", cfg.Auth.FederationUser)
	}

	if cfg.SettingsFile != "" {
		runtime, err := LoadSettingsFile(cfg.SettingsFile, cfg.Runtime)
		if err != nil {
			return nil, err
		}
		cfg.Runtime = runtime
	}

	return cfg, nil
}

func loadDotEnv(envFile ...string) error {
	if len(envFile) > 0 && envFile[0] != "" {
		if err := godotenv.Load(envFile[0]); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile[0], err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getEnvDuration parses a Go duration (e.g. "90s", "12h") or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blank items
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
