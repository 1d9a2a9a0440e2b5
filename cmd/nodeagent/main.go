// Command nodeagent runs one cache node: it dials the authoritative
// server, serves transactional reads/writes against pkg/store, and
// exposes health and metrics over HTTP for the surrounding deployment
// to probe.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticedb/nodecache/pkg/classregistry"
	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/eviction"
	"github.com/latticedb/nodecache/pkg/observability"
	"github.com/latticedb/nodecache/pkg/queue"
	"github.com/latticedb/nodecache/pkg/serverclient"
	"github.com/latticedb/nodecache/pkg/store"
	"github.com/latticedb/nodecache/pkg/table"
	"github.com/latticedb/nodecache/pkg/txn"
)

// shutdownState mirrors the drain state machine of spec.md §5.
type shutdownState int32

const (
	stateNotRequested shutdownState = iota
	stateRequested
	stateTxnsCompleted
	stateCompleted
)

// watchdog is the spec.md §7 failure reporter: any permanent failure
// from the server connection or the update queue is fatal to the node,
// since neither component can make independent progress without the
// other.
type watchdog struct {
	logger observability.Logger
	failed atomic.Bool
	fatal  chan struct{}
}

func newWatchdog(logger observability.Logger) *watchdog {
	return &watchdog{logger: logger, fatal: make(chan struct{})}
}

func (w *watchdog) ReportFailure(source string, err error) {
	if w.failed.CompareAndSwap(false, true) {
		w.logger.Error("node marked failed", map[string]interface{}{"source": source, "error": err.Error()})
		close(w.fatal)
	}
}

// callbackForwarder satisfies serverclient.CallbackHandler before the
// Store it forwards to exists: Dial needs a CallbackHandler to start
// its read loop, but the Store it will drive needs the dialed Client
// as its ServerClient. target is filled in once the Store is built.
type callbackForwarder struct {
	target *store.Store
}

func (f *callbackForwarder) RequestEvictObject(ctx context.Context, oid entry.OID) bool {
	return f.target.RequestEvictObject(ctx, oid)
}

func (f *callbackForwarder) RequestEvictBinding(ctx context.Context, key entry.BindingKey) bool {
	return f.target.RequestEvictBinding(ctx, key)
}

func (f *callbackForwarder) RequestDowngradeObject(ctx context.Context, oid entry.OID) bool {
	return f.target.RequestDowngradeObject(ctx, oid)
}

func (f *callbackForwarder) RequestDowngradeBinding(ctx context.Context, key entry.BindingKey) bool {
	return f.target.RequestDowngradeBinding(ctx, key)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON/TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("nodeagent")
	registry := prometheus.NewRegistry()
	metrics := observability.NewPrometheusMetrics("nodecache", registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerCfg := observability.TracingConfig{
		Enabled:      os.Getenv("NODECACHE_TRACING_ENABLED") == "true",
		OTLPEndpoint: os.Getenv("NODECACHE_OTLP_ENDPOINT"),
		Insecure:     true,
	}
	tracerProvider, err := observability.NewTracerProvider(ctx, "nodecache-nodeagent", tracerCfg)
	if err != nil {
		log.Fatalf("failed to build tracer provider: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider did not shut down cleanly", map[string]interface{}{"error": err.Error()})
		}
	}()

	wd := newWatchdog(logger)

	// table needs the evictor's wake signal, but the evictor needs the
	// table; close the cycle with a forward-captured closure, the same
	// trick used below for the callback handler.
	var evictor *eviction.Evictor
	cacheTable := table.New(cfg, func() {
		if evictor != nil {
			evictor.NotifyFull()
		}
	}, logger, metrics)

	cbForwarder := &callbackForwarder{}
	serverClient, err := serverclient.Dial(ctx, cfg, cbForwarder, wd, logger, metrics)
	if err != nil {
		log.Fatalf("failed to dial server: %v", err)
	}
	defer serverClient.Close()

	nodeID, _, err := serverClient.RegisterNode(ctx, "", cfg.CallbackPort)
	if err != nil {
		log.Fatalf("failed to register node: %v", err)
	}
	logger.Info("registered with server", map[string]interface{}{"node_id": nodeID})

	updateQueue := queue.New(cfg, serverClient, wd, logger, metrics)
	updateQueue.Start()

	txnManager := txn.NewManager()

	evictor = eviction.New(cfg, cacheTable, updateQueue, updateQueue.HighestSettledContextID, logger, metrics)
	if err := evictor.Start(ctx); err != nil {
		log.Fatalf("failed to reserve eviction headroom: %v", err)
	}

	classes, err := classregistry.New(serverClient, cfg.CacheSize)
	if err != nil {
		log.Fatalf("failed to build class registry: %v", err)
	}

	cacheStore := store.New(cfg, cacheTable, serverClient, updateQueue, classes, txnManager, logger, metrics)
	cbForwarder.target = cacheStore

	var shutdown atomic.Int32
	shutdown.Store(int32(stateNotRequested))

	admin := newAdminServer(cfg, registry, cacheTable, txnManager, &shutdown)
	adminSrv := &http.Server{Addr: admin.Addr, Handler: admin.Handler}
	go func() {
		logger.Info("admin server listening", map[string]interface{}{"addr": admin.Addr})
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case <-wd.fatal:
		logger.Error("shutting down after fatal failure", nil)
	}

	shutdown.Store(int32(stateRequested))
	txnManager.BeginShutdown()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	if err := txnManager.AwaitDrain(drainCtx, 50*time.Millisecond); err != nil {
		logger.Warn("transactions did not drain before timeout", map[string]interface{}{"remaining": txnManager.TxnCount()})
	}
	cancelDrain()
	shutdown.Store(int32(stateTxnsCompleted))

	// Stop order per spec.md §5: evictor, fetch pool (none of our own —
	// fetches run as one-shot goroutines reaped by their own entries),
	// update queue, then the callback exporter (the server connection
	// itself).
	evictor.Stop()
	updateQueue.Stop()

	shutdownHTTPCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	if err := adminSrv.Shutdown(shutdownHTTPCtx); err != nil {
		logger.Warn("admin server did not shut down cleanly", map[string]interface{}{"error": err.Error()})
	}
	cancelHTTP()

	shutdown.Store(int32(stateCompleted))
	logger.Info("node stopped", nil)
}

type adminServer struct {
	Addr    string
	Handler http.Handler
}

// newAdminServer builds the gin router the teacher's services expose
// for health and Prometheus scraping, reporting the cache table's
// occupancy and the shutdown state machine's current phase alongside
// the usual liveness/readiness split.
func newAdminServer(cfg config.Config, registry *prometheus.Registry, t *table.Table, txnManager *txn.Manager, shutdown *atomic.Int32) *adminServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if shutdownState(shutdown.Load()) != stateNotRequested {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ready",
			"cache_size": t.Size(),
			"capacity":   t.Capacity(),
			"txn_count":  txnManager.TxnCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	addr := os.Getenv("NODECACHE_ADMIN_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	return &adminServer{Addr: addr, Handler: r}
}
