package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.SubjectKey, "exporter"))
	if !exp.IsZero() {
		require.NoError(t, tok.Set(jwt.ExpirationKey, exp))
	}
	signed, err := jwt.Sign(tok, jwa.HS256, []byte("hub-secret"))
	require.NoError(t, err)
	return string(signed)
}

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func validConfig(t *testing.T) appConfig {
	return appConfig{
		Remote:           "192.0.2.10",
		Hostname:         "metrics.example.org",
		Token:            signedToken(t, time.Time{}),
		ListenPort:       model.DefaultListenPort,
		HeartbeatTimeout: model.DefaultHeartbeatTimeout,
		BackoffInitial:   model.DefaultBackoffInitial,
		BackoffMax:       model.DefaultBackoffMax,
		RequestTimeout:   model.DefaultRequestTimeout,
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.validate())

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, "https://metrics.example.org", cfg.PublicURL)
	assert.False(t, cfg.NoProxyCheck)
	assert.True(t, cfg.TokenExpiry.IsZero())
}

func TestValidate_RequiredSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*appConfig)
		want   error
	}{
		{"no remote", func(c *appConfig) { c.Remote = "  " }, errRemoteRequired},
		{"no hostname", func(c *appConfig) { c.Hostname = "" }, errHostnameRequired},
		{"no token", func(c *appConfig) { c.Token = "" }, errTokenRequired},
		{"one segment", func(c *appConfig) { c.Token = "abc" }, errTokenMalformed},
		{"two segments", func(c *appConfig) { c.Token = "a.b" }, errTokenMalformed},
		{"empty segment", func(c *appConfig) { c.Token = "a..c" }, errTokenMalformed},
		{"not a jwt", func(c *appConfig) { c.Token = "a.b.c" }, errTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.validate(), tt.want)
		})
	}
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"verbose too high", func(c *appConfig) { c.Verbose = 4 }},
		{"verbose negative", func(c *appConfig) { c.Verbose = -1 }},
		{"port zero", func(c *appConfig) { c.ListenPort = 0 }},
		{"port too high", func(c *appConfig) { c.ListenPort = 70000 }},
		{"zero timeout", func(c *appConfig) { c.RequestTimeout = 0 }},
		{"backoff inverted", func(c *appConfig) { c.BackoffMax = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestValidate_TokenExpiry(t *testing.T) {
	exp := time.Unix(1900000000, 0)
	cfg := validConfig(t)
	cfg.Token = signedToken(t, exp)
	require.NoError(t, cfg.validate())
	assert.True(t, cfg.TokenExpiry.Equal(exp), "expiry = %s", cfg.TokenExpiry)
}

func TestValidate_DevMode(t *testing.T) {
	cfg := validConfig(t)
	cfg.DevMode = true
	cfg.ListenPort = 9100
	require.NoError(t, cfg.validate())

	assert.Equal(t, "127.0.0.1:9100", cfg.ListenAddr)
	assert.True(t, cfg.NoProxyCheck)
}

func TestNormalizeWebPath(t *testing.T) {
	tests := map[string]string{
		"":                "",
		"/":               "",
		"dirigera":        "/dirigera",
		"/dirigera/":      "/dirigera",
		`\home\dirigera\`: "/home/dirigera",
		"a/b":             "/a/b",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeWebPath(in), "normalizeWebPath(%q)", in)
	}

	cfg := validConfig(t)
	cfg.WebPath = "metrics/dirigera/"
	require.NoError(t, cfg.validate())
	assert.Equal(t, "https://metrics.example.org/metrics/dirigera", cfg.PublicURL)
}

func TestLoadConfig_Environment(t *testing.T) {
	v := newTestViper(t)
	t.Setenv("DIRIGERA_REMOTE", "hub.local")
	t.Setenv("DIRIGERA_HOSTNAME", "metrics.example.org")
	t.Setenv("DIRIGERA_TOKEN", signedToken(t, time.Time{}))
	t.Setenv("DIRIGERA_WEBPATH", "dirigera")
	t.Setenv("DIRIGERA_NO_PROXY_CHECK", "true")
	t.Setenv("DIRIGERA_BACKOFF_MAX", "30s")

	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, "hub.local", cfg.Remote)
	assert.Equal(t, "/dirigera", cfg.WebPath)
	assert.True(t, cfg.NoProxyCheck)
	assert.Equal(t, 30*time.Second, cfg.BackoffMax)
	assert.Equal(t, model.DefaultBackoffInitial, cfg.BackoffInitial)
	assert.Empty(t, cfg.ConfigPath)
}

func TestLoadConfig_File(t *testing.T) {
	v := newTestViper(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	content := "remote: hub.local\nhostname: metrics.example.org\ntoken: " + signedToken(t, time.Time{}) +
		"\nlisten-port: 9200\nverbose: 2\nsecurity-contact: mailto:security@example.org\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := loadConfig(v, path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9200", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Verbose)
	assert.Equal(t, "mailto:security@example.org", cfg.SecurityContact)
	assert.Equal(t, path, cfg.ConfigPath)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	v := newTestViper(t)
	_, err := loadConfig(v, filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestVerboseCountFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse([]string{"-vv"}))
	setPositional(v, []string{"hub.local", "metrics.example.org", signedToken(t, time.Time{})})

	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Verbose)
}

func TestRootCommand_ExposesKlogFlags(t *testing.T) {
	root := newRootCommand()
	flags := root.PersistentFlags()

	assert.NotNil(t, flags.Lookup("vmodule"))
	assert.NotNil(t, flags.Lookup("logtostderr"))
	assert.Nil(t, flags.Lookup("v"))
	assert.Equal(t, "verbose", flags.ShorthandLookup("v").Name)
}

func TestSetPositional(t *testing.T) {
	v := newTestViper(t)
	setPositional(v, []string{"hub.local", "metrics.example.org", signedToken(t, time.Time{})})

	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, "hub.local", cfg.Remote)
	assert.Equal(t, "metrics.example.org", cfg.Hostname)
}

func TestFormatIdentity(t *testing.T) {
	id := registry.NewIdentity("dirigera_device_info", "id", "lamp1", "name", "Desk")
	got := formatIdentity(id, []registry.Label{{Key: "model", Value: "TRADFRI"}})
	assert.Equal(t, `dirigera_device_info{id="lamp1",model="TRADFRI",name="Desk"}`, got)
	assert.Equal(t, "up", formatIdentity(registry.NewIdentity("up"), nil))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Version:    "+version)
}
