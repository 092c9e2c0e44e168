package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/efortin/maas-api/internal/store"
	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

// Config holds the server configuration
type Config struct {
	// HTTPPort serves the REST API, health and metrics
	HTTPPort int

	// GRPCPort serves Envoy ext_authz (0 disables the gRPC server)
	GRPCPort int

	// Namespace the service runs in; the tier mapping is read from it
	Namespace string

	// WatchNamespace restricts model discovery (empty = all namespaces)
	WatchNamespace string

	// Kubeconfig path (empty = in-cluster config)
	Kubeconfig string

	// InstanceName prefixes tier namespaces and token audiences
	InstanceName string

	// TierMappingName is the ConfigMap holding the tier mapping
	TierMappingName string

	LogLevel string
	LogFile  string
	Debug    bool

	StorageMode       string
	DataPath          string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	DefaultTTL time.Duration
	MaxTTL     time.Duration

	GatewayName      string
	GatewayNamespace string

	// OTelEndpoint enables trace export when set
	OTelEndpoint string

	ShutdownTimeout time.Duration
}

// Configuration keys. Environment variables use the MAAS_ prefix with
// dashes replaced by underscores, e.g. MAAS_STORAGE_MODE.
const (
	KeyHTTPPort          = "http-port"
	KeyGRPCPort          = "grpc-port"
	KeyNamespace         = "namespace"
	KeyWatchNamespace    = "watch-namespace"
	KeyKubeconfig        = "kubeconfig"
	KeyInstanceName      = "instance-name"
	KeyTierMappingName   = "tier-mapping"
	KeyLogLevel          = "log-level"
	KeyLogFile           = "log-file"
	KeyDebug             = "debug"
	KeyStorageMode       = "storage-mode"
	KeyDataPath          = "data-path"
	KeyDatabaseURL       = "database-url"
	KeyDBMaxOpenConns    = "db-max-open-conns"
	KeyDBMaxIdleConns    = "db-max-idle-conns"
	KeyDBConnMaxLifetime = "db-conn-max-lifetime"
	KeyDefaultTTL        = "default-ttl"
	KeyMaxTTL            = "max-ttl"
	KeyGatewayName       = "gateway-name"
	KeyGatewayNamespace  = "gateway-namespace"
	KeyOTelEndpoint      = "otel-endpoint"
	KeyShutdownTimeout   = "shutdown-timeout"
)

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHTTPPort, 8080)
	v.SetDefault(KeyGRPCPort, 9191)
	v.SetDefault(KeyNamespace, "maas-api")
	v.SetDefault(KeyInstanceName, "maas")
	v.SetDefault(KeyTierMappingName, tier.MappingConfigMap)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyStorageMode, store.ModeMemory)
	v.SetDefault(KeyDataPath, "/data")
	v.SetDefault(KeyDBMaxOpenConns, 25)
	v.SetDefault(KeyDBMaxIdleConns, 5)
	v.SetDefault(KeyDBConnMaxLifetime, 5*time.Minute)
	v.SetDefault(KeyDefaultTTL, token.DefaultTTL)
	v.SetDefault(KeyMaxTTL, token.MaxTTL)
	v.SetDefault(KeyGatewayName, "maas-default-gateway")
	v.SetDefault(KeyGatewayNamespace, "openshift-ingress")
	v.SetDefault(KeyShutdownTimeout, 15*time.Second)
}

// LoadConfig reads and validates the configuration from v
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPPort:          v.GetInt(KeyHTTPPort),
		GRPCPort:          v.GetInt(KeyGRPCPort),
		Namespace:         v.GetString(KeyNamespace),
		WatchNamespace:    v.GetString(KeyWatchNamespace),
		Kubeconfig:        v.GetString(KeyKubeconfig),
		InstanceName:      v.GetString(KeyInstanceName),
		TierMappingName:   v.GetString(KeyTierMappingName),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFile:           v.GetString(KeyLogFile),
		Debug:             v.GetBool(KeyDebug),
		StorageMode:       v.GetString(KeyStorageMode),
		DataPath:          v.GetString(KeyDataPath),
		DatabaseURL:       v.GetString(KeyDatabaseURL),
		DBMaxOpenConns:    v.GetInt(KeyDBMaxOpenConns),
		DBMaxIdleConns:    v.GetInt(KeyDBMaxIdleConns),
		DBConnMaxLifetime: v.GetDuration(KeyDBConnMaxLifetime),
		DefaultTTL:        v.GetDuration(KeyDefaultTTL),
		MaxTTL:            v.GetDuration(KeyMaxTTL),
		GatewayName:       v.GetString(KeyGatewayName),
		GatewayNamespace:  v.GetString(KeyGatewayNamespace),
		OTelEndpoint:      v.GetString(KeyOTelEndpoint),
		ShutdownTimeout:   v.GetDuration(KeyShutdownTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", KeyHTTPPort, c.HTTPPort))
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 0 and 65535, got %d", KeyGRPCPort, c.GRPCPort))
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("%s and %s must differ", KeyHTTPPort, KeyGRPCPort))
	}
	if c.Namespace == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyNamespace))
	}
	if c.InstanceName == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyInstanceName))
	}

	switch c.StorageMode {
	case store.ModeMemory:
	case store.ModeDisk:
		if c.DataPath == "" {
			errs = append(errs, fmt.Errorf("%s is required with %s storage", KeyDataPath, store.ModeDisk))
		}
	case store.ModeExternal:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required with %s storage", KeyDatabaseURL, store.ModeExternal))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be one of %s, %s, %s, got %q",
			KeyStorageMode, store.ModeMemory, store.ModeDisk, store.ModeExternal, c.StorageMode))
	}

	if c.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyDefaultTTL))
	}
	if c.MaxTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyMaxTTL))
	}
	if c.DefaultTTL > c.MaxTTL {
		errs = append(errs, fmt.Errorf("%s (%s) exceeds %s (%s)", KeyDefaultTTL, c.DefaultTTL, KeyMaxTTL, c.MaxTTL))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) storeOptions() store.Options {
	return store.Options{
		Mode:        c.StorageMode,
		DataPath:    c.DataPath,
		DatabaseURL: c.DatabaseURL,
		Pool: store.PoolOptions{
			MaxOpenConns:    c.DBMaxOpenConns,
			MaxIdleConns:    c.DBMaxIdleConns,
			ConnMaxLifetime: c.DBConnMaxLifetime,
		},
	}
}
