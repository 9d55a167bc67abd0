// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigFile             = "MCP_CONFIG_FILE"
	envListenAddr             = "MCP_LISTEN_ADDR"
	envProxyToken             = "MCP_PROXY_TOKEN"
	envLegacyProxyToken       = "PROXY_TOKEN"
	envRequestTimeout         = "MCP_REQUEST_TIMEOUT"
	envConnectTimeout         = "MCP_CONNECT_TIMEOUT"
	envResolveTimeout         = "MCP_RESOLVE_TIMEOUT"
	envInsecureSkipVerify     = "MCP_UPSTREAM_INSECURE"
	envMaxRequestBytes        = "MCP_MAX_REQUEST_BYTES"
	envMaxResponseBytes       = "MCP_MAX_RESPONSE_BYTES"
	envWSReadLimit            = "MCP_WS_READ_LIMIT"
	envAllowedOrigins         = "MCP_ALLOWED_ORIGINS"
	envLogLevel               = "MCP_LOG_LEVEL"
	envLogFormat              = "MCP_LOG_FORMAT"
	envServerReadTimeout      = "MCP_SERVER_READ_TIMEOUT"
	envServerWriteTimeout     = "MCP_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout      = "MCP_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown       = "MCP_GRACEFUL_SHUTDOWN"
	defaultListenAddr         = ":8000"
	defaultRequestTimeout     = 30 * time.Second
	defaultConnectTimeout     = 10 * time.Second
	defaultResolveTimeout     = 5 * time.Second
	defaultMaxRequestBytes    = 1 << 20
	defaultMaxResponseBytes   = 10 << 20
	defaultWSReadLimit        = 1 << 20
	defaultAllowedOrigins     = "*"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 30 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
)

// fileKeys lists every key accepted in the optional YAML file. Keys are the
// environment variable names without the MCP_ prefix, lower-cased.
var fileKeys = []string{
	envListenAddr, envProxyToken, envRequestTimeout, envConnectTimeout,
	envResolveTimeout, envInsecureSkipVerify, envMaxRequestBytes,
	envMaxResponseBytes, envWSReadLimit, envAllowedOrigins, envLogLevel,
	envLogFormat, envServerReadTimeout, envServerWriteTimeout,
	envServerIdleTimeout, envGracefulShutdown,
}

// Config captures runtime settings for the mediator.
type Config struct {
	ListenAddr string
	// ProxyToken is the credential callers present to the mediator. It is
	// compared, never logged.
	ProxyToken              string
	RequestTimeout          time.Duration
	ConnectTimeout          time.Duration
	ResolveTimeout          time.Duration
	InsecureSkipVerify      bool
	MaxRequestBytes         int64
	MaxResponseBytes        int64
	WSReadLimit             int64
	AllowedOrigins          []string
	LogLevel                string
	LogFormat               string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// source resolves a setting from the environment first, then from the YAML
// file, then from the caller's fallback.
type source struct {
	file map[string]string
}

// Load reads configuration from the environment (and MCP_CONFIG_FILE when
// set) and validates required values.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	token, _ := src.lookup(envProxyToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envLegacyProxyToken))
	}
	if token == "" {
		return Config{}, errors.New("MCP_PROXY_TOKEN is required")
	}

	cfg := Config{
		ListenAddr:              src.getString(envListenAddr, defaultListenAddr),
		ProxyToken:              token,
		RequestTimeout:          src.getDuration(envRequestTimeout, defaultRequestTimeout),
		ConnectTimeout:          src.getDuration(envConnectTimeout, defaultConnectTimeout),
		ResolveTimeout:          src.getDuration(envResolveTimeout, defaultResolveTimeout),
		InsecureSkipVerify:      src.getBool(envInsecureSkipVerify, false),
		MaxRequestBytes:         src.getInt64(envMaxRequestBytes, defaultMaxRequestBytes),
		MaxResponseBytes:        src.getInt64(envMaxResponseBytes, defaultMaxResponseBytes),
		WSReadLimit:             src.getInt64(envWSReadLimit, defaultWSReadLimit),
		AllowedOrigins:          splitList(src.getString(envAllowedOrigins, defaultAllowedOrigins)),
		LogLevel:                strings.ToLower(src.getString(envLogLevel, defaultLogLevel)),
		LogFormat:               strings.ToLower(src.getString(envLogFormat, defaultLogFormat)),
		ServerReadTimeout:       src.getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      src.getDuration(envServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       src.getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: src.getDuration(envGracefulShutdown, defaultGracefulShutdown),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RequestTimeout <= 0 || c.ConnectTimeout <= 0 || c.ResolveTimeout <= 0 {
		return errors.New("upstream timeouts must be positive")
	}
	if c.MaxRequestBytes <= 0 || c.MaxResponseBytes <= 0 || c.WSReadLimit <= 0 {
		return errors.New("size limits must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid MCP_LOG_FORMAT %q (want json or console)", c.LogFormat)
	}
	return nil
}

// readFile loads a flat YAML mapping and rejects keys it does not know.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read MCP_CONFIG_FILE: %w", err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse MCP_CONFIG_FILE: %w", err)
	}

	known := make(map[string]struct{}, len(fileKeys))
	for _, k := range fileKeys {
		known[fileKey(k)] = struct{}{}
	}

	out := make(map[string]string, len(raw))
	var unknown []string
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := known[key]; !ok {
			unknown = append(unknown, k)
			continue
		}
		if v == nil {
			continue
		}
		if list, ok := v.([]any); ok {
			parts := make([]string, 0, len(list))
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
			continue
		}
		out[key] = strings.TrimSpace(fmt.Sprint(v))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown keys in MCP_CONFIG_FILE: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func fileKey(env string) string {
	return strings.ToLower(strings.TrimPrefix(env, "MCP_"))
}

func (s source) lookup(key string) (string, bool) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val, true
	}
	if val, ok := s.file[fileKey(key)]; ok && val != "" {
		return val, true
	}
	return "", false
}

func (s source) getString(key, fallback string) string {
	if val, ok := s.lookup(key); ok {
		return val
	}
	return fallback
}

func (s source) getBool(key string, fallback bool) bool {
	val, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) getInt64(key string, fallback int64) int64 {
	val, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	val, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
