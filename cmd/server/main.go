package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/logger"
	"github.com/efortin/maas-api/internal/server"
	"github.com/efortin/maas-api/internal/store"
	"github.com/efortin/maas-api/internal/telemetry"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "maas-api",
	Short: "Credential issuance and entitlement service for model serving",
	Long: `Run the maas-api server.

The server mints short-lived, tier-scoped service account tokens for
authenticated callers, records API key metadata in a pluggable store,
resolves caller groups to access tiers and lists the models currently
served in the cluster.

An Envoy ext_authz compatible gRPC endpoint exposes the resolved identity
and tier to the gateway policy engine.

Every flag can also be set through a MAAS_ prefixed environment variable,
e.g. MAAS_STORAGE_MODE=disk. A .env file in the working directory is loaded
when present.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	server.SetDefaults(v)
	addFlags(rootCmd.Flags())

	if err := v.BindPFlags(rootCmd.Flags()); err != nil {
		panic(fmt.Sprintf("Failed to bind flags: %v", err))
	}
	v.SetEnvPrefix("maas")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func addFlags(flags *pflag.FlagSet) {
	flags.IntP(server.KeyHTTPPort, "p", v.GetInt(server.KeyHTTPPort), "HTTP port for the REST API, health and metrics")
	flags.IntP(server.KeyGRPCPort, "g", v.GetInt(server.KeyGRPCPort), "gRPC port for Envoy ext_authz (0 disables it)")
	flags.StringP(server.KeyNamespace, "n", v.GetString(server.KeyNamespace), "Namespace the service runs in, holding the tier mapping")
	flags.String(server.KeyWatchNamespace, "", "Namespace to discover models in (empty = all namespaces)")
	flags.String(server.KeyKubeconfig, "", "Path to kubeconfig file (empty = in-cluster config)")
	flags.String(server.KeyInstanceName, v.GetString(server.KeyInstanceName), "Instance name used for tier namespaces and token audience")
	flags.String(server.KeyTierMappingName, v.GetString(server.KeyTierMappingName), "Name of the tier mapping ConfigMap")

	flags.StringP(server.KeyLogLevel, "l", v.GetString(server.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String(server.KeyLogFile, "", "Also write JSON logs to this rotated file")
	flags.Bool(server.KeyDebug, false, "Debug mode: console logs, gin debug output and permissive CORS")

	flags.String(server.KeyStorageMode, v.GetString(server.KeyStorageMode),
		fmt.Sprintf("Metadata storage backend (%s, %s, %s)", store.ModeMemory, store.ModeDisk, store.ModeExternal))
	flags.String(server.KeyDataPath, v.GetString(server.KeyDataPath), "Database file or directory for disk storage")
	flags.String(server.KeyDatabaseURL, "", "PostgreSQL connection URL for external storage")
	flags.Int(server.KeyDBMaxOpenConns, v.GetInt(server.KeyDBMaxOpenConns), "Maximum open connections for external storage")
	flags.Int(server.KeyDBMaxIdleConns, v.GetInt(server.KeyDBMaxIdleConns), "Maximum idle connections for external storage")
	flags.Duration(server.KeyDBConnMaxLifetime, v.GetDuration(server.KeyDBConnMaxLifetime), "Maximum connection lifetime for external storage")

	flags.Duration(server.KeyDefaultTTL, v.GetDuration(server.KeyDefaultTTL), "Token lifetime when none is requested")
	flags.Duration(server.KeyMaxTTL, v.GetDuration(server.KeyMaxTTL), "Longest token lifetime granted")

	flags.String(server.KeyGatewayName, v.GetString(server.KeyGatewayName), "Gateway whose routes expose models (empty = any gateway)")
	flags.String(server.KeyGatewayNamespace, v.GetString(server.KeyGatewayNamespace), "Namespace of the gateway")

	flags.String(server.KeyOTelEndpoint, "", "OTLP/HTTP endpoint for traces (empty = tracing disabled)")
	flags.Duration(server.KeyShutdownTimeout, v.GetDuration(server.KeyShutdownTimeout), "Grace period for in-flight HTTP requests on shutdown")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	loadDotEnv()

	cfg, err := server.LoadConfig(v)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Debug,
		File:        cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "maas-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	log.Info("Starting maas-api",
		zap.String("namespace", cfg.Namespace),
		zap.String("instance", cfg.InstanceName),
		zap.String("storage", cfg.StorageMode),
		zap.Duration("defaultTTL", cfg.DefaultTTL),
		zap.Duration("maxTTL", cfg.MaxTTL),
	)

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}

// loadDotEnv loads .env into the environment; variables already set win
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}
