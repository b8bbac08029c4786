// Package config loads the proxy's process-wide, write-once configuration
// from the environment. Nothing in this package mutates after Load returns.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the immutable configuration for one proxy process.
type Config struct {
	Private bool

	BaseURL       string
	PublicBaseURL bool

	SupervisorBaseURL   string
	SupervisorClusterID string
	ClusterKey          *ClusterKey

	DefaultTimeout time.Duration
	LoadTimeout    time.Duration

	ValidateForwardIPs   bool
	ValidateRegistryAddr bool

	CORSMaxAge time.Duration

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogPath  string
	LogLevel string
	AppEnv   string
}

const envPrefix = "UTILMETA_PROXY_"

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

// Load reads and validates the environment. It is meant to be called
// exactly once at process start; the returned Config is never mutated.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:             getenv("BASE_URL"),
		SupervisorBaseURL:   getenv("SUPERVISOR_BASE_URL"),
		SupervisorClusterID: getenv("SUPERVISOR_CLUSTER_ID"),
		DBHost:              getenv("DB_HOST"),
		DBPort:              getenv("DB_PORT"),
		DBUser:              getenv("DB_USER"),
		DBPassword:          getenv("DB_PASSWORD"),
		DBName:              getenv("DB_NAME"),
		DBSSLMode:           getenv("DB_SSL_MODE"),
		RedisAddr:           getenv("REDIS_ADDR"),
		RedisPassword:       getenv("REDIS_PASSWORD"),
		LogPath:             getenv("LOG_PATH"),
		LogLevel:            getenv("LOG_LEVEL"),
		AppEnv:              getenv("APP_ENV"),
	}

	var err error
	if cfg.Private, err = parseBool(getenv("PRIVATE"), false); err != nil {
		return nil, fmt.Errorf("invalid PRIVATE: %w", err)
	}
	if cfg.ValidateForwardIPs, err = parseBool(getenv("VALIDATE_FORWARD_IPS"), false); err != nil {
		return nil, fmt.Errorf("invalid VALIDATE_FORWARD_IPS: %w", err)
	}
	if cfg.ValidateRegistryAddr, err = parseBool(getenv("VALIDATE_REGISTRY_ADDR"), true); err != nil {
		return nil, fmt.Errorf("invalid VALIDATE_REGISTRY_ADDR: %w", err)
	}

	if cfg.DefaultTimeout, err = parseSeconds(getenv("DEFAULT_TIMEOUT"), 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEOUT: %w", err)
	}
	if cfg.LoadTimeout, err = parseSeconds(getenv("LOAD_TIMEOUT"), 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid LOAD_TIMEOUT: %w", err)
	}
	if cfg.CORSMaxAge, err = parseSeconds(getenv("CORS_MAX_AGE"), 600*time.Second); err != nil {
		return nil, fmt.Errorf("invalid CORS_MAX_AGE: %w", err)
	}

	if v := getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}

	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}

	if cfg.BaseURL == "" || cfg.SupervisorBaseURL == "" || cfg.SupervisorClusterID == "" ||
		cfg.DBHost == "" || cfg.DBName == "" || cfg.DBUser == "" {
		return nil, fmt.Errorf("missing required environment variables (BASE_URL, SUPERVISOR_BASE_URL, SUPERVISOR_CLUSTER_ID, DB_HOST, DB_NAME, DB_USER)")
	}

	cfg.PublicBaseURL = isPublicURL(cfg.BaseURL)

	if key := getenv("SUPERVISOR_CLUSTER_KEY"); key != "" {
		cfg.ClusterKey, err = ParseClusterKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid SUPERVISOR_CLUSTER_KEY: %w", err)
		}
	}

	return cfg, nil
}

func parseBool(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func parseSeconds(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// isPublicURL reports whether base resolves to a globally routable address,
// i.e. is neither loopback nor RFC1918 private space.
func isPublicURL(base string) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		// Unresolvable host: treat conservatively as not public.
		return false
	}
	for _, ip := range ips {
		if isPrivateOrLoopback(ip) {
			return false
		}
	}
	return true
}

// isPrivateOrLoopback reports whether ip is loopback or RFC1918 private.
func isPrivateOrLoopback(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate()
}

// IsPrivateAddr reports whether a remote address (as seen by the HTTP
// server, e.g. r.RemoteAddr after stripping the port) is private or
// loopback, the check the proxy engine and registration service apply
// when Config.Private is set.
func IsPrivateAddr(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return isPrivateOrLoopback(ip)
}
