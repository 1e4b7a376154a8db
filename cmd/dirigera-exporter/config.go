package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/jwt"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/socketrpc"
	"k8s.io/klog/v2"
)

const (
	defaultBindHost    = "0.0.0.0"
	loopbackBindHost   = "127.0.0.1"
	maxVerbosity       = 3
	tokenExpiryWarning = 30 * 24 * time.Hour
)

var (
	errRemoteRequired   = errors.New("the hub address (remote) is required")
	errHostnameRequired = errors.New("the public hostname is required")
	errTokenRequired    = errors.New("the authentication token is required")
	errTokenMalformed   = errors.New("the authentication token must be three dot-separated segments")
)

// appConfig is the validated runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Remote           string        `mapstructure:"remote"`
	Hostname         string        `mapstructure:"hostname"`
	Token            string        `mapstructure:"token"`
	WebPath          string        `mapstructure:"webpath"`
	PublicURL        string        `mapstructure:"public-url"`
	Verbose          int           `mapstructure:"verbose"`
	NoProxyCheck     bool          `mapstructure:"no-proxy-check"`
	DevMode          bool          `mapstructure:"unsafe-development-mode"`
	ListenPort       int           `mapstructure:"listen-port"`
	MappingFile      string        `mapstructure:"mapping-file"`
	SocketPath       string        `mapstructure:"socket-path"`
	SecurityContact  string        `mapstructure:"security-contact"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat-timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff-initial"`
	BackoffMax       time.Duration `mapstructure:"backoff-max"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`

	ListenAddr  string    `mapstructure:"-"`
	ConfigPath  string    `mapstructure:"-"`
	TokenExpiry time.Time `mapstructure:"-"`
}

func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("remote", "", "address of the Dirigera hub")
	fs.String("hostname", "", "public hostname that requests are expected to use")
	fs.String("token", "", "authentication token issued by the hub")
	fs.String("webpath", "", "path prefix when served behind a reverse proxy")
	fs.String("public-url", "", "URL the exporter is reachable at (default https://<hostname><webpath>)")
	fs.CountP("verbose", "v", "log verbosity, repeat for more (-vvv)")
	fs.Bool("no-proxy-check", false, "skip the reverse proxy header check at startup")
	fs.Bool("unsafe-development-mode", false, "UNSAFE: bind to loopback and disable host and proxy checks")
	fs.Int("listen-port", model.DefaultListenPort, "port of the scrape server")
	fs.String("mapping-file", "", "YAML file extending the attribute mapping table")
	fs.String("socket-path", socketrpc.DefaultSocketPath(), "admin socket path (empty disables)")
	fs.String("security-contact", "", "Contact line served in /.well-known/security.txt (empty disables)")
	fs.Duration("heartbeat-timeout", model.DefaultHeartbeatTimeout, "event stream read deadline")
	fs.Duration("backoff-initial", model.DefaultBackoffInitial, "first reconnect delay")
	fs.Duration("backoff-max", model.DefaultBackoffMax, "longest reconnect delay")
	fs.Duration("request-timeout", model.DefaultRequestTimeout, "timeout of hub and self-check requests")
}

func loadConfig(v *viper.Viper, configPath string) (appConfig, error) {
	var cfg appConfig

	v.SetEnvPrefix("DIRIGERA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".config", "dirigera-exporter", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if configPath != "" || (!errors.As(err, &configFileNotFound) && !os.IsNotExist(err)) {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate checks required settings and fills derived fields.
func (c *appConfig) validate() error {
	c.Remote = strings.TrimSpace(c.Remote)
	c.Hostname = strings.TrimSpace(c.Hostname)
	c.Token = strings.TrimSpace(c.Token)

	if c.Remote == "" {
		return errRemoteRequired
	}
	if c.Hostname == "" {
		return errHostnameRequired
	}
	expiry, err := checkToken(c.Token)
	if err != nil {
		return err
	}
	c.TokenExpiry = expiry

	if c.Verbose < 0 || c.Verbose > maxVerbosity {
		return fmt.Errorf("invalid verbose: %d (want 0-%d)", c.Verbose, maxVerbosity)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen-port: %d", c.ListenPort)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat-timeout": c.HeartbeatTimeout,
		"backoff-initial":   c.BackoffInitial,
		"backoff-max":       c.BackoffMax,
		"request-timeout":   c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff-max (%s) is shorter than backoff-initial (%s)", c.BackoffMax, c.BackoffInitial)
	}

	c.WebPath = normalizeWebPath(c.WebPath)
	if c.PublicURL == "" {
		c.PublicURL = "https://" + c.Hostname + c.WebPath
	}

	host := defaultBindHost
	if c.DevMode {
		host = loopbackBindHost
		c.NoProxyCheck = true
	}
	c.ListenAddr = net.JoinHostPort(host, strconv.Itoa(c.ListenPort))

	if strings.HasPrefix(c.SocketPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.SocketPath = filepath.Join(home, c.SocketPath[2:])
		}
	}
	return nil
}

// normalizeWebPath turns "", "/", "a/b/", `\a\b` into "" or "/a/b".
func normalizeWebPath(p string) string {
	p = strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/ ")
	if p == "" {
		return ""
	}
	return "/" + p
}

// checkToken validates the token's structure and returns its expiry, which
// is zero when the token carries none.
func checkToken(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, errTokenRequired
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return time.Time{}, errTokenMalformed
	}
	tok, err := jwt.ParseString(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errTokenMalformed, err)
	}
	return tok.Expiration(), nil
}

// warnTokenExpiry logs when the token is expired or about to be.
func warnTokenExpiry(expiry, now time.Time) {
	switch {
	case expiry.IsZero():
	case !expiry.After(now):
		klog.Warningf("the authentication token expired on %s", expiry.Format(time.RFC3339))
	case expiry.Sub(now) < tokenExpiryWarning:
		klog.Warningf("the authentication token expires on %s", expiry.Format(time.RFC3339))
	default:
		klog.V(1).Infof("the authentication token expires on %s", expiry.Format(time.RFC3339))
	}
}
