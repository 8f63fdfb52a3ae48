package config

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Trigger RateLimitTier `yaml:"trigger,omitempty" mapstructure:"trigger"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig protects the trigger endpoints. TokenHash is a bcrypt hash
// of the bearer token; read endpoints stay open when AnonymousRead is set.
type APIAuthConfig struct {
	TokenHash     string `yaml:"token_hash" mapstructure:"token_hash"`
	AnonymousRead bool   `yaml:"anonymous_read" mapstructure:"anonymous_read"`
}

func (a *APIConfig) applyDefaults() {
	if a.Server.Listen == "" {
		a.Server.Listen = "127.0.0.1:9420"
	}

	if a.Server.RateLimit.Public.RequestsPerMinute == 0 {
		a.Server.RateLimit.Public.RequestsPerMinute = 120
	}

	if a.Server.RateLimit.Trigger.RequestsPerMinute == 0 {
		a.Server.RateLimit.Trigger.RequestsPerMinute = 6
	}
}
