package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/quay/quay-sub006/configuration"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	dbmetrics "github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/gc"
	"github.com/quay/quay-sub006/registry/gc/worker"
	"github.com/quay/quay-sub006/registry/handlers"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/quay/quay-sub006/registry/storage/cache"
	"github.com/quay/quay-sub006/registry/storage/cache/metrics"
	rediscache "github.com/quay/quay-sub006/registry/storage/cache/redis"
	_ "github.com/quay/quay-sub006/registry/storage/driver/filesystem"
	_ "github.com/quay/quay-sub006/registry/storage/driver/inmemory"
	_ "github.com/quay/quay-sub006/registry/storage/driver/s3-aws"
	"github.com/quay/quay-sub006/version"
)

const cacheSweepInterval = time.Minute

// ServeCmd is a cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes container images",
	Long:  "`serve` stores and distributes container images.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := dcontext.WithValues(dcontext.Background(), map[string]interface{}{"version": version.Version})

		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(ctx, config)
		if err != nil {
			log.Fatalln(err)
		}

		if err = registry.ListenAndServe(); err != nil {
			log.Fatalln(err)
		}
	},
}

// task is a background loop run alongside the HTTP server until shutdown.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	db     datastore.Handler
	server *http.Server
	debug  *http.Server
	tasks  []task
	// closers are released after the database on shutdown.
	closers []func() error
}

// NewRegistry creates a new registry from a context and configuration struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	ctx, err := configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("configuring logger: %w", err)
	}

	db, err := dbFromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if config.HTTP.Debug.Prometheus.Enabled {
		if err := dbmetrics.RegisterPoolStats(db.DB, config.Database.DBName); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("failed to register database pool metrics")
		}
	}

	store, err := storage.FromConfig(config.Storage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring storage: %w", err)
	}

	return newRegistry(ctx, config, db, store)
}

func newRegistry(ctx context.Context, config *configuration.Configuration, db datastore.Handler, store *storage.Store, opts ...handlers.Option) (*Registry, error) {
	registry := &Registry{config: config, db: db}

	c, queue := registry.configureCache(ctx, config)
	if c != nil {
		opts = append([]handlers.Option{handlers.WithCache(c)}, opts...)
	}
	if queue != nil && config.Features.StorageReplication {
		opts = append(opts, handlers.WithReplicator(queue))
	}

	app, err := handlers.NewApp(ctx, config, db, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("configuring application: %w", err)
	}
	registry.app = app

	handler := panicHandler(app)
	handler = alive("/", handler)
	handler = configureAccessLogging(config, handler)
	handler = gorillahandlers.ProxyHeaders(handler)

	registry.server = &http.Server{
		Handler: handler,
	}
	registry.debug = configureDebugServer(config, db)

	if !config.Registry.ReadOnly {
		registry.tasks = append(registry.tasks, configureAgents(ctx, config, app, store, queue)...)
	}

	return registry, nil
}

// configureCache returns the content cache and, when redis is configured, the queue background work is pushed to.
func (registry *Registry) configureCache(ctx context.Context, config *configuration.Configuration) (cache.Cache, *rediscache.Queue) {
	var queue *rediscache.Queue

	if config.Redis.Addr != "" {
		rc := rediscache.NewClient(config.Redis)
		queue = rediscache.NewQueue(rc)
		registry.closers = append(registry.closers, rc.Close)

		if config.Cache.Driver == "redis" {
			dcontext.GetLogger(ctx).Info("using redis content cache")
			return rediscache.NewRedisCache(rc), queue
		}
	}

	switch config.Cache.Driver {
	case "", "memory":
		mem := cache.NewMemory(clock.New())
		registry.tasks = append(registry.tasks, task{name: "cache-sweeper", run: func(ctx context.Context) error {
			return sweepCache(ctx, mem, cacheSweepInterval)
		}})
		return metrics.NewPrometheusCache(mem, "memory"), queue
	default:
		dcontext.GetLogger(ctx).Warnf("content cache %q unavailable, caching disabled", config.Cache.Driver)
		return nil, queue
	}
}

func sweepCache(ctx context.Context, mem *cache.Memory, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := mem.Sweep(); n > 0 {
				dcontext.GetLogger(ctx).WithField("entries", n).Debug("swept expired cache entries")
			}
		}
	}
}

// configureAgents builds the online garbage collection and quota agents enabled in config.
func configureAgents(ctx context.Context, config *configuration.Configuration, app *handlers.App, store *storage.Store, queue *rediscache.Queue) []task {
	var tasks []task
	logger := dcontext.GetLogger(ctx)

	agentOpts := []gc.AgentOption{gc.WithLogger(logger)}
	if config.GC.Interval > 0 {
		agentOpts = append(agentOpts, gc.WithInitialInterval(config.GC.Interval))
	}
	if config.GC.MaxBackoff > 0 {
		agentOpts = append(agentOpts, gc.WithMaxBackoff(config.GC.MaxBackoff))
	}
	if config.GC.NoIdleBackoff {
		agentOpts = append(agentOpts, gc.WithoutIdleBackoff())
	}

	add := func(w worker.Worker, opts ...gc.AgentOption) {
		a := gc.NewAgent(w, append(agentOpts, opts...)...)
		tasks = append(tasks, task{name: w.Name(), run: a.Start})
	}

	if !config.GC.Disabled {
		collector := newCollector(config, app.DB(), store, app.Quota(), queue, logger)

		if !config.GC.Workers.Garbage.Disabled {
			add(worker.NewGarbageWorker(app.DB(), collector, garbageWorkerOptions(config, logger)...))
		}
		if !config.GC.Workers.Purge.Disabled {
			add(worker.NewPurgeWorker(app.DB(), collector, purgeWorkerOptions(config, logger)...))
		}
		if !config.GC.Workers.Uploads.Disabled {
			add(worker.NewUploadWorker(app.DB(), app.Blobs(), store,
				worker.WithUploadLogger(logger),
				worker.WithUploadMaxAge(config.Registry.StaleUploadWindow),
			))
		}
	}

	if config.Features.StorageReplication && queue != nil {
		add(worker.NewReplicationWorker(app.DB(), queue, store, worker.WithReplicationLogger(logger)))
	}

	if config.Features.QuotaManagement {
		if !config.Quota.BackfillDisabled {
			var opts []gc.AgentOption
			if config.Quota.BackfillInterval > 0 {
				opts = append(opts, gc.WithInitialInterval(config.Quota.BackfillInterval))
			}
			add(quota.NewBackfillWorker(app.Quota()), opts...)
		}
		if !config.Quota.RegistrySizeDisabled {
			var opts []gc.AgentOption
			if config.Quota.RegistrySizeInterval > 0 {
				opts = append(opts, gc.WithInitialInterval(config.Quota.RegistrySizeInterval))
			}
			add(quota.NewRegistrySizeWorker(app.Quota()), opts...)
		}
	}

	return tasks
}

func newCollector(config *configuration.Configuration, db datastore.Handler, store *storage.Store, q *quota.Engine, queue *rediscache.Queue, logger dcontext.Logger) *gc.Collector {
	opts := []gc.CollectorOption{gc.WithCollectorLogger(logger)}
	if config.Features.SecurityScanner && queue != nil {
		opts = append(opts, gc.WithSecurityNotifier(queue))
	}
	return gc.NewCollector(db, storage.NewVacuum(store), q, opts...)
}

func garbageWorkerOptions(config *configuration.Configuration, logger dcontext.Logger) []worker.GarbageWorkerOption {
	opts := []worker.GarbageWorkerOption{worker.WithGarbageLogger(logger)}
	if config.GC.TransactionTimeout > 0 {
		opts = append(opts, worker.WithGarbageTxTimeout(config.GC.TransactionTimeout))
	}
	if len(config.GC.Policies) > 0 {
		opts = append(opts, worker.WithExpirationPolicies(config.GC.Policies...))
	}
	return opts
}

func purgeWorkerOptions(config *configuration.Configuration, logger dcontext.Logger) []worker.PurgeWorkerOption {
	opts := []worker.PurgeWorkerOption{worker.WithPurgeLogger(logger)}
	if config.GC.TransactionTimeout > 0 {
		opts = append(opts, worker.WithPurgeTxTimeout(config.GC.TransactionTimeout))
	}
	return opts
}

// configureDebugServer returns the server exposing health and Prometheus metrics, or nil when http.debug.addr is
// not set.
func configureDebugServer(config *configuration.Configuration, db datastore.Handler) *http.Server {
	addr := config.HTTP.Debug.Addr
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/health", healthHandler(db))
	log.WithFields(log.Fields{"address": addr, "path": "/debug/health"}).Info("starting health checker")

	if config.HTTP.Debug.Prometheus.Enabled {
		mux.Handle(config.HTTP.Debug.Prometheus.Path, promhttp.Handler())
		log.WithFields(log.Fields{"address": addr, "path": config.HTTP.Debug.Prometheus.Path}).Info("starting Prometheus listener")
	}

	return &http.Server{Addr: addr, Handler: mux}
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// healthHandler reports 503 when the database can't be reached.
func healthHandler(db datastore.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")

		if p, ok := db.(pinger); ok {
			if err := p.PingContext(r.Context()); err != nil {
				dcontext.GetLogger(r.Context()).WithError(err).Error("database health check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"database":%q}`, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "{}")
	})
}

// Channel to capture signals used to gracefully shutdown the registry.
// It is global to ease unit testing
var quit = make(chan os.Signal, 1)

// ListenAndServe runs the registry's HTTP server and background agents until a stop signal is received.
func (registry *Registry) ListenAndServe() error {
	config := registry.config

	ln, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return err
	}

	if config.HTTP.TLS.Certificate != "" || config.HTTP.TLS.LetsEncrypt.CacheFile != "" {
		tlsConf, err := configureTLS(config)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConf)
		dcontext.GetLogger(registry.app).Infof("listening on %v, tls", ln.Addr())
	} else {
		dcontext.GetLogger(registry.app).Infof("listening on %v", ln.Addr())
	}

	if registry.debug != nil {
		go func() {
			if err := registry.debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("unable to start debug server")
			}
		}()
	}

	ctx, cancel := context.WithCancel(registry.app)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range registry.tasks {
		t := t
		g.Go(func() error {
			err := t.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			return nil
		})
	}

	// Setup channel to get notified on SIGTERM and interrupt signals.
	signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
	serveErr := make(chan error)

	// Start serving in goroutine and listen for stop signal in main thread
	go func() {
		serveErr <- registry.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		cancel()
		return multierror.Append(err, g.Wait(), registry.close()).ErrorOrNil()
	case s := <-quit:
		log := log.WithFields(log.Fields{"quit_signal": s, "http_drain_timeout": config.HTTP.DrainTimeout})
		log.Info("attempting to stop server gracefully...")

		// shutdown the server with a grace period of configured timeout
		if config.HTTP.DrainTimeout != 0 {
			log.Info("draining http connections")
			ctx, cancel := context.WithTimeout(context.Background(), config.HTTP.DrainTimeout)
			defer cancel()
			if err := registry.server.Shutdown(ctx); err != nil {
				return err
			}
		}

		log.Info("stopping background agents")
		cancel()
		if err := g.Wait(); err != nil {
			log.WithError(err).Error("background agent failed")
		}

		log.Info("closing database connections")
		if err := registry.close(); err != nil {
			return err
		}

		log.Info("graceful shutdown successful")
		return nil
	}
}

func (registry *Registry) close() error {
	var errs *multierror.Error
	if registry.debug != nil {
		errs = multierror.Append(errs, registry.debug.Close())
	}
	errs = multierror.Append(errs, registry.db.Close())
	for _, c := range registry.closers {
		errs = multierror.Append(errs, c())
	}
	return errs.ErrorOrNil()
}

func configureTLS(config *configuration.Configuration) (*tls.Config, error) {
	tlsConf := &tls.Config{
		ClientAuth: tls.NoClientCert,
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}

	if config.HTTP.TLS.LetsEncrypt.CacheFile != "" {
		if config.HTTP.TLS.Certificate != "" {
			return nil, errors.New("cannot specify both certificate and Let's Encrypt")
		}
		m := &autocert.Manager{
			HostPolicy: autocert.HostWhitelist(config.HTTP.TLS.LetsEncrypt.Hosts...),
			Cache:      autocert.DirCache(config.HTTP.TLS.LetsEncrypt.CacheFile),
			Email:      config.HTTP.TLS.LetsEncrypt.Email,
			Prompt:     autocert.AcceptTOS,
		}
		tlsConf.GetCertificate = m.GetCertificate
		tlsConf.NextProtos = append(tlsConf.NextProtos, acme.ALPNProto)
		return tlsConf, nil
	}

	cert, err := tls.LoadX509KeyPair(config.HTTP.TLS.Certificate, config.HTTP.TLS.Key)
	if err != nil {
		return nil, err
	}
	tlsConf.Certificates = []tls.Certificate{cert}
	return tlsConf, nil
}

// configureLogging sets up the global logger and prepares the context with a logger carrying the static fields
// from the configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	lvl, err := log.ParseLevel(config.Log.Level.String())
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)

	switch config.Log.Formatter {
	case configuration.LogFormatJSON:
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		log.SetFormatter(&log.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	}

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []interface{}
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	return ctx, nil
}

func configureAccessLogging(config *configuration.Configuration, h http.Handler) http.Handler {
	if config.Log.AccessLog.Disabled {
		return h
	}
	return gorillahandlers.CombinedLoggingHandler(os.Stdout, h)
}

// panicHandler recovers from panics in request handlers. logrus.Panic sends the message through the configured log
// hooks before panicking again.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// alive simply wraps the handler with a route that always returns an http 200
// response when the path is matched. If the path is not matched, the request
// is passed to the provided handler. There is no guarantee of anything but
// that the server is up.
func alive(path string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configurationPath, err)
	}

	return config, nil
}

func dbFromConfig(config *configuration.Configuration, opts ...datastore.OpenOption) (*datastore.DB, error) {
	opts = append([]datastore.OpenOption{
		datastore.WithLogger(log.WithFields(log.Fields{"database": config.Database.DBName})),
		datastore.WithLogLevel(config.Log.Level),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime,
		}),
	}, opts...)
	if config.Registry.ReadOnly {
		opts = append(opts, datastore.WithReadOnly())
	}

	return datastore.Open(datastore.DSNFromConfig(config.Database), opts...)
}
