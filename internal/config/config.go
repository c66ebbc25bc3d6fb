package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "LAURELS"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "laurels.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "laurels-auth"
	defaultTokenTTLMinutes    = 30
	defaultCredentialIDPrefix = "LRL"
	defaultAllowedOrigins     = "*"
	minCredentialSecretLength = 16
	allowedOriginsSeparator   = ","
	credentialSecretKey       = "credentials.secret"
	sessionSigningSecretKey   = "auth.signing_secret"
	sessionCookieNameKey      = "auth.cookie_name"
	sessionIssuerKey          = "auth.issuer"
	sessionTokenTTLMinutesKey = "auth.token_ttl_minutes"
	credentialIDPrefixKey     = "credentials.id_prefix"
	allowedOriginsKey         = "http.allowed_origins"
	httpAddressKey            = "http.address"
	databasePathKey           = "database.path"
	logLevelKey               = "log.level"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionTokenTTL      time.Duration
	CredentialSecret     string
	CredentialIDPrefix   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(httpAddressKey, defaultHTTPAddress)
	configViper.SetDefault(allowedOriginsKey, defaultAllowedOrigins)
	configViper.SetDefault(databasePathKey, defaultDatabasePath)
	configViper.SetDefault(logLevelKey, defaultLogLevel)
	configViper.SetDefault(sessionCookieNameKey, defaultCookieName)
	configViper.SetDefault(sessionIssuerKey, defaultSessionIssuer)
	configViper.SetDefault(sessionTokenTTLMinutesKey, defaultTokenTTLMinutes)
	configViper.SetDefault(credentialIDPrefixKey, defaultCredentialIDPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString(httpAddressKey),
		AllowedOrigins:       splitOrigins(configViper.GetString(allowedOriginsKey)),
		DatabasePath:         configViper.GetString(databasePathKey),
		LogLevel:             configViper.GetString(logLevelKey),
		SessionSigningSecret: configViper.GetString(sessionSigningSecretKey),
		SessionIssuer:        configViper.GetString(sessionIssuerKey),
		SessionCookieName:    configViper.GetString(sessionCookieNameKey),
		SessionTokenTTL:      time.Duration(configViper.GetInt(sessionTokenTTLMinutesKey)) * time.Minute,
		CredentialSecret:     configViper.GetString(credentialSecretKey),
		CredentialIDPrefix:   configViper.GetString(credentialIDPrefixKey),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadCredentials parses only the settings needed to verify credentials offline.
func LoadCredentials(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:       configViper.GetString(databasePathKey),
		LogLevel:           configViper.GetString(logLevelKey),
		CredentialSecret:   configViper.GetString(credentialSecretKey),
		CredentialIDPrefix: configViper.GetString(credentialIDPrefixKey),
	}
	if err := cfg.validateCredentials(); err != nil {
		return AppConfig{}, err
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("%s is required", databasePathKey)
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("%s is required", sessionSigningSecretKey)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", databasePathKey)
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("%s is required", sessionCookieNameKey)
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("%s must be positive", sessionTokenTTLMinutesKey)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%s must list at least one origin", allowedOriginsKey)
	}
	return c.validateCredentials()
}

func (c AppConfig) validateCredentials() error {
	secret := strings.TrimSpace(c.CredentialSecret)
	if secret == "" {
		return fmt.Errorf("%s is required", credentialSecretKey)
	}
	if len(secret) < minCredentialSecretLength {
		return fmt.Errorf("%s must be at least %d bytes", credentialSecretKey, minCredentialSecretLength)
	}
	if secret == strings.TrimSpace(c.SessionSigningSecret) {
		return fmt.Errorf("%s must differ from %s", credentialSecretKey, sessionSigningSecretKey)
	}
	return nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, allowedOriginsSeparator)
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
