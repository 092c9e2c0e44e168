package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	envoy_service_auth_v3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"

	"github.com/efortin/maas-api/internal/apikey"
	"github.com/efortin/maas-api/internal/logger"
	"github.com/efortin/maas-api/internal/metrics"
	"github.com/efortin/maas-api/internal/models"
	"github.com/efortin/maas-api/internal/store"
	"github.com/efortin/maas-api/internal/tier"
	"github.com/efortin/maas-api/internal/token"
)

const (
	informerResync         = 10 * time.Minute
	defaultShutdownTimeout = 15 * time.Second
	storePingTimeout       = 2 * time.Second
	maxGoroutines          = 10000
	managedBySelector      = "app.kubernetes.io/part-of=maas-api"
)

// Server wires the REST API, the ext_authz endpoint and their dependencies
type Server struct {
	config *Config
	log    *zap.Logger

	store     store.Store
	informers informers.SharedInformerFactory
	caches    []*models.ResourceCache
	models    *models.Manager
	reviewer  *token.Reviewer
	tiers     *tier.Mapper
	health    healthcheck.Handler
	router    *gin.Engine

	started   atomic.Bool
	closeOnce sync.Once

	grpcServer *grpc.Server
	httpServer *http.Server
}

// New creates a server connected to the cluster described by config
func New(ctx context.Context, config *Config, log *zap.Logger) (*Server, error) {
	clientset, dynamicClient, err := newClients(config.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return NewWithClients(ctx, config, clientset, dynamicClient, log)
}

// NewWithClients creates a server using the given cluster clients.
// It opens the metadata store; call Run or Close to release it.
func NewWithClients(ctx context.Context, config *Config, clientset kubernetes.Interface, dynamicClient dynamic.Interface, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	storeOpts := config.storeOptions()
	storeOpts.Log = log
	metadata, err := store.New(ctx, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	s := &Server{
		config: config,
		log:    log,
		store:  metadata,
		health: healthcheck.NewHandler(),
	}

	s.tiers = tier.NewMapper(clientset, config.InstanceName, config.Namespace, config.TierMappingName, log)

	s.informers = informers.NewSharedInformerFactoryWithOptions(clientset, informerResync,
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = managedBySelector
		}),
	)
	tokens := token.NewManager(
		token.Options{
			InstanceName: config.InstanceName,
			DefaultTTL:   config.DefaultTTL,
			MaxTTL:       config.MaxTTL,
		},
		s.tiers,
		clientset,
		s.informers.Core().V1().Namespaces().Lister(),
		s.informers.Core().V1().ServiceAccounts().Lister(),
		log,
	)
	s.reviewer = token.NewReviewer(clientset, tokens.Audience(), log)

	workloads := models.NewResourceCache(dynamicClient, models.LLMInferenceServiceGVR, config.WatchNamespace, log)
	routes := models.NewResourceCache(dynamicClient, models.HTTPRouteGVR, config.WatchNamespace, log)
	s.caches = []*models.ResourceCache{workloads, routes}
	s.models = models.NewManager(workloads, routes, s.tiers,
		models.GatewayRef{Name: config.GatewayName, Namespace: config.GatewayNamespace}, log)

	s.addHealthChecks()
	s.router = s.routes(
		apikey.NewHandler(apikey.NewService(tokens, metadata, log), log),
		tier.NewHandler(s.tiers, log),
		models.NewHandler(s.models, log),
	)

	return s, nil
}

// Handler returns the HTTP handler serving every REST route
func (s *Server) Handler() http.Handler {
	return s.router
}

// AuthorizationServer returns the ext_authz implementation served over gRPC
func (s *Server) AuthorizationServer() *AuthorizationServer {
	return NewAuthorizationServer(s.reviewer, s.tiers, s.log)
}

// Start syncs the identity informers and the model caches.
// A failure here is fatal: serving with empty caches would return wrong answers.
func (s *Server) Start(ctx context.Context) error {
	s.informers.Start(ctx.Done())
	for informer, synced := range s.informers.WaitForCacheSync(ctx.Done()) {
		if !synced {
			return fmt.Errorf("failed to sync informer for %v", informer)
		}
	}

	for _, cache := range s.caches {
		if err := cache.Start(ctx); err != nil {
			return err
		}
	}

	s.started.Store(true)
	s.log.Info("Caches synced")
	return nil
}

// Run starts the servers and blocks until ctx is cancelled or a server fails
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}

	// Bind every port before serving, so a bad port leaves nothing running.
	httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}
	var grpcLis net.Listener
	if s.config.GRPCPort != 0 {
		grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
		grpcLis, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		s.log.Info("HTTP server listening", zap.String("address", httpLis.Addr().String()))
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		s.grpcServer = s.newGRPCServer()

		group.Go(func() error {
			s.log.Info("gRPC server listening", zap.String("address", grpcLis.Addr().String()))
			if err := s.grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("gRPC server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})

	return group.Wait()
}

// Close stops the caches and closes the metadata store. It is safe to call
// more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, cache := range s.caches {
			cache.Stop()
		}
		err = s.store.Close()
	})
	return err
}

func (s *Server) newGRPCServer() *grpc.Server {
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))

	envoy_service_auth_v3.RegisterAuthorizationServer(grpcServer, s.AuthorizationServer())

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)
	return grpcServer
}

func (s *Server) routes(keys *apikey.Handler, tiers *tier.Handler, catalog *models.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(s.log), metrics.GinMiddleware())

	if s.config.Debug {
		router.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"Content-Length", logger.RequestIDHeader},
			MaxAge:          12 * time.Hour,
		}))
	}

	router.GET("/health", gin.WrapF(s.health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/models", catalog.ListModels)
	router.POST("/v1/tiers/lookup", tiers.TierLookup)

	v1 := router.Group("/v1", token.Authenticate(s.reviewer, s.log))
	v1.GET("/models", catalog.ListLLMs)
	v1.POST("/tokens", keys.IssueToken)
	v1.DELETE("/tokens", keys.RevokeAllTokens)
	v1.POST("/api-keys", keys.CreateAPIKey)
	v1.GET("/api-keys", keys.ListAPIKeys)
	v1.GET("/api-keys/:id", keys.GetAPIKey)

	return router
}

func (s *Server) addHealthChecks() {
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	s.health.AddReadinessCheck("cluster-caches", func() error {
		if !s.started.Load() || !s.models.HasSynced() {
			return models.ErrCacheNotSynced
		}
		return nil
	})
	s.health.AddReadinessCheck("metadata-store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), storePingTimeout)
		defer cancel()
		return s.store.Ping(ctx)
	})
}

// shutdown gracefully stops the servers
func (s *Server) shutdown() error {
	s.log.Info("Shutting down servers")

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	if s.httpServer != nil {
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	s.log.Info("Shutdown complete")
	return nil
}
