package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for gatewarden.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("gatewarden")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GATEWARDEN_LISTENER_ADDRESS
	viper.SetEnvPrefix("GATEWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a gatewarden config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "gatewarden" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gatewarden"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\gatewarden (typically C:\ProgramData\gatewarden)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "gatewarden"))
		}
	} else {
		paths = append(paths, "/etc/gatewarden")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for gatewarden.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gatewarden"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// This enables overriding nested config values via environment variables.
// Example: GATEWARDEN_LISTENER_ADDRESS overrides listener.address
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.log_level")

	// Listener config
	_ = viper.BindEnv("listener.address")
	_ = viper.BindEnv("listener.max_body_bytes")
	_ = viper.BindEnv("listener.read_header_timeout")
	_ = viper.BindEnv("listener.shutdown_grace")
	_ = viper.BindEnv("listener.tls.cert_file")
	_ = viper.BindEnv("listener.tls.key_file")

	// Token config — the secret is the one most deployments inject via env
	_ = viper.BindEnv("token.secret")
	_ = viper.BindEnv("token.issuer")
	_ = viper.BindEnv("token.tenant_claim")
	_ = viper.BindEnv("token.roles_claim")
	_ = viper.BindEnv("token.role_prefix")

	// Admin config
	// Note: admin.keys is an array; use the config file for key hashes
	_ = viper.BindEnv("admin.allow_localhost")

	// Store config
	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.redis.addr")
	_ = viper.BindEnv("store.redis.password")
	_ = viper.BindEnv("store.redis.db")

	// Scanner config
	_ = viper.BindEnv("scan.enabled")
	_ = viper.BindEnv("scan.strict_mode")
	_ = viper.BindEnv("scan.max_payload_bytes")
	_ = viper.BindEnv("scan.block_severity")
	_ = viper.BindEnv("scan.block_risk")
	_ = viper.BindEnv("scan.ldap_injection")
	_ = viper.BindEnv("scan.block_user_agents")

	// Reputation config
	_ = viper.BindEnv("ip_reputation.enabled")
	_ = viper.BindEnv("ip_reputation.url")
	_ = viper.BindEnv("ip_reputation.api_key")
	_ = viper.BindEnv("ip_reputation.block_score")
	_ = viper.BindEnv("ip_reputation.timeout")

	// Journal config
	_ = viper.BindEnv("journal.enabled")
	_ = viper.BindEnv("journal.output")

	// Tracing config
	_ = viper.BindEnv("tracing.exporter")
	_ = viper.BindEnv("tracing.sample_ratio")

	// Note: routes, rate_policies, and upstreams are structured collections,
	// complex to override via env. Users should use the config file for these.

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
		// This allows running with pure environment variable configuration
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply default values for optional fields
	cfg.SetDefaults()

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
