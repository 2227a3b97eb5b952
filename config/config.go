package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultRouteName is the name the default backend is known by in logs,
// metrics and breakers. Routes may not reuse it.
const DefaultRouteName = "default"

// EnvPrefix is prepended to every environment variable override,
// e.g. PATHPROXY_SERVER_ADDRESS.
const EnvPrefix = "PATHPROXY"

// SupportedMethods are the request methods the proxy can be configured to accept.
var SupportedMethods = []interface{}{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodHead,
	http.MethodOptions,
}

type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	Environment       string        `mapstructure:"environment"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	H2C               bool          `mapstructure:"h2c"`
}

type ProxyConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	HTTP2               bool          `mapstructure:"http2"`
	ForwardedHeaders    bool          `mapstructure:"forwarded_headers"`
	Methods             []string      `mapstructure:"methods"`
}

type BackendConfig struct {
	URL string `mapstructure:"url"`
}

type RouteConfig struct {
	Name        string `mapstructure:"name"`
	Prefix      string `mapstructure:"prefix"`
	URL         string `mapstructure:"url"`
	StripPrefix bool   `mapstructure:"strip_prefix"`
}

type HealthCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Path     string        `mapstructure:"path"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type AdminConfig struct {
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Proxy          ProxyConfig          `mapstructure:"proxy"`
	DefaultBackend BackendConfig        `mapstructure:"default_backend"`
	Routes         []RouteConfig        `mapstructure:"routes"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// Loader reads configuration from a YAML file and the environment.
// It keeps its own viper instance so the file can be watched for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader returns a Loader for the given file. An empty path searches
// ./config/config.yaml and ./config.yaml.
func NewLoader(path string) *Loader {
	return &Loader{v: viper.New(), path: path}
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v)

	if l.path != "" {
		l.v.SetConfigFile(l.path)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath("./config")
		l.v.AddConfigPath(".")
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", l.v.ConfigFileUsed()))
	}

	return l.decode()
}

// ConfigFileUsed returns the file the last Load read, or "" when running
// on defaults and environment variables only.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and passes the
// result to onChange. Invalid revisions are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			slog.Error("ignoring invalid config change",
				slog.String("file", e.Name),
				slog.String("error", err.Error()))
			return
		}
		slog.Info("config file changed", slog.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", "0.0.0.0:8800")
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.h2c", true)

	v.SetDefault("proxy.timeout", "60s")
	v.SetDefault("proxy.max_idle_conns", 100)
	v.SetDefault("proxy.max_idle_conns_per_host", 20)
	v.SetDefault("proxy.http2", true)
	v.SetDefault("proxy.forwarded_headers", false)
	v.SetDefault("proxy.methods", []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete})

	v.SetDefault("default_backend.url", "http://127.0.0.1:8188")
	v.SetDefault("routes", []map[string]interface{}{
		{
			"name":         "infinite_image_browsing",
			"prefix":       "/infinite_image_browsing",
			"url":          "http://127.0.0.1:8189/infinite_image_browsing",
			"strip_prefix": true,
		},
	})

	v.SetDefault("health_check.enabled", false)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.path", "/")
	v.SetDefault("health_check.timeout", "5s")

	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.open_timeout", "30s")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("admin.address", "127.0.0.1:9800")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)
}

func (c *Config) normalize() {
	for i := range c.Proxy.Methods {
		c.Proxy.Methods[i] = strings.ToUpper(strings.TrimSpace(c.Proxy.Methods[i]))
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ReadTimeout, validation.By(nonNegativeDuration)),
					validation.Field(&sc.ReadHeaderTimeout, validation.By(nonNegativeDuration)),
					validation.Field(&sc.WriteTimeout, validation.By(nonNegativeDuration)),
					validation.Field(&sc.IdleTimeout, validation.By(nonNegativeDuration)),
					validation.Field(&sc.ShutdownTimeout, validation.Required, validation.By(nonNegativeDuration)),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Timeout, validation.Required, validation.By(nonNegativeDuration)),
					validation.Field(&pc.MaxIdleConns, validation.Min(0)),
					validation.Field(&pc.MaxIdleConnsPerHost, validation.Min(0)),
					validation.Field(&pc.Methods,
						validation.Required,
						validation.Each(validation.In(SupportedMethods...)),
					),
				)
			}),
		),
		validation.Field(&c.DefaultBackend,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BackendConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BackendConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.URL, validation.By(validateServerURL)),
				)
			}),
		),
		validation.Field(&c.Routes,
			validation.Each(validation.By(validateRouteConfig)),
			validation.By(uniqueRoutes),
		),
		validation.Field(&c.HealthCheck,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				if !hc.Enabled {
					return nil
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval, validation.Required, validation.By(nonNegativeDuration)),
					validation.Field(&hc.Timeout, validation.Required, validation.By(nonNegativeDuration)),
					validation.Field(&hc.Path, validation.Required, validation.By(validatePrefix(true))),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				if !cb.Enabled {
					return nil
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&cb.OpenTimeout, validation.Required, validation.By(nonNegativeDuration)),
				)
			}),
		),
		validation.Field(&c.RateLimit,
			validation.By(func(value interface{}) error {
				rl, ok := value.(RateLimitConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RateLimitConfig")
				}
				if !rl.Enabled {
					return nil
				}
				return validation.ValidateStruct(&rl,
					validation.Field(&rl.RPS, validation.Required, validation.Min(0.0).Exclusive()),
					validation.Field(&rl.Burst, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address, validation.By(validateHostPort)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	// optional addresses (admin) are skipped when empty; Required catches the rest
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func nonNegativeDuration(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}

	if d < 0 {
		return validation.NewError("validation_invalid_duration", "must not be negative")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "server URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	if parsedURL.RawQuery != "" || parsedURL.Fragment != "" {
		return validation.NewError("validation_invalid_url", "URL must not carry a query or fragment")
	}

	return nil
}

func validatePrefix(allowRoot bool) validation.RuleFunc {
	return func(value interface{}) error {
		prefix, ok := value.(string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a string")
		}

		if !strings.HasPrefix(prefix, "/") {
			return validation.NewError("validation_invalid_prefix", "must start with /")
		}

		if !allowRoot && strings.Trim(prefix, "/") == "" {
			return validation.NewError("validation_root_prefix", "must not be the root path; use default_backend instead")
		}

		return nil
	}
}

func validateRouteConfig(value interface{}) error {
	route, ok := value.(RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RouteConfig")
	}

	return validation.ValidateStruct(&route,
		validation.Field(&route.Prefix, validation.Required, validation.By(validatePrefix(false))),
		validation.Field(&route.URL, validation.By(validateServerURL)),
	)
}

// uniqueRoutes rejects repeated prefixes and repeated names. A route
// without a name is named after its prefix, as the route table does.
func uniqueRoutes(value interface{}) error {
	routes, ok := value.([]RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of RouteConfig")
	}

	prefixes := make(map[string]struct{}, len(routes))
	names := map[string]struct{}{DefaultRouteName: {}}
	for _, r := range routes {
		p := "/" + strings.Trim(r.Prefix, "/")
		if _, dup := prefixes[p]; dup {
			return validation.NewError("validation_duplicate_prefix", fmt.Sprintf("duplicate route prefix %q", p))
		}
		prefixes[p] = struct{}{}

		name := r.Name
		if name == "" {
			name = strings.Trim(r.Prefix, "/")
		}
		if _, dup := names[name]; dup {
			return validation.NewError("validation_duplicate_name", fmt.Sprintf("duplicate route name %q", name))
		}
		names[name] = struct{}{}
	}

	return nil
}
