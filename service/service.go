package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/wkalt/objectserver/dgc"
	"github.com/wkalt/objectserver/eviction"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/objectstore"
	"github.com/wkalt/objectserver/routes"
	"github.com/wkalt/objectserver/txobjmgr"
	"github.com/wkalt/objectserver/util/log"
)

/*
This file is the main entrypoint for object server startup.
*/

////////////////////////////////////////////////////////////////////////////////

// Instance is an assembled object server.
type Instance struct {
	opts      *Options
	db        *sql.DB
	manager   *objectmgr.ObjectManager
	collector *dgc.Collector
	handler   http.Handler

	stopEviction chan struct{}
	evictionDone chan struct{}
}

// Open assembles an object server without serving it: the object index and
// store, the object manager, the transaction layer, and the eviction and
// garbage collection loops.
func Open(ctx context.Context, options ...Option) (*Instance, error) {
	opts, err := readOpts(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	dsn := opts.DatabasePath + "?_journal=WAL&mode=rwc"
	log.Infof(ctx, "Opening database at %s", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database at %s: %w", dsn, err)
	}
	inst, err := assemble(ctx, opts, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return inst, nil
}

func assemble(ctx context.Context, opts *Options, db *sql.DB) (*Instance, error) {
	store, err := objectstore.NewSQLStore(ctx, db, opts.StorageProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}
	if opts.Reindex {
		n, err := store.Reindex(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to reindex: %w", err)
		}
		log.Infof(ctx, "Reindexed %d objects", n)
	}
	policy, err := eviction.ByName(opts.Policy, max(2*opts.MaxResident, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to build eviction policy: %w", err)
	}
	stats := objectmgr.NewCountingStats()
	recalls := txobjmgr.NewRecallLog()
	om, err := objectmgr.NewObjectManager(ctx, store,
		objectmgr.WithEvictionPolicy(policy),
		objectmgr.WithStatsListener(stats),
		objectmgr.WithRecaller(recalls),
		objectmgr.WithFaultWorkers(opts.FaultWorkers),
		objectmgr.WithFlushWorkers(opts.FlushWorkers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create object manager: %w", err)
	}
	collector := dgc.NewCollector(om, dgc.WithInterval(opts.GCInterval))
	handler := routes.MakeRoutes(routes.Server{
		Manager:      om,
		Transactions: txobjmgr.NewManager(om, recalls),
		Collector:    collector,
		Stats:        stats,
	}, opts.AllowedOrigins)

	inst := &Instance{
		opts:      opts,
		db:        db,
		manager:   om,
		collector: collector,
		handler:   handler,
	}
	collector.Start(ctx)
	inst.startEviction(ctx)
	return inst, nil
}

// Handler returns the HTTP handler for the instance.
func (inst *Instance) Handler() http.Handler {
	return inst.handler
}

// Manager returns the instance's object manager.
func (inst *Instance) Manager() *objectmgr.ObjectManager {
	return inst.manager
}

func (inst *Instance) startEviction(ctx context.Context) {
	if inst.opts.EvictionInterval <= 0 {
		return
	}
	inst.stopEviction = make(chan struct{})
	inst.evictionDone = make(chan struct{})
	ctx = log.AddTags(ctx, "component", "eviction loop")
	go func() {
		defer close(inst.evictionDone)
		ticker := time.NewTicker(inst.opts.EvictionInterval)
		defer ticker.Stop()
		target := objectmgr.KeepResident(inst.opts.MaxResident)
		for {
			select {
			case <-ticker.C:
				evicted, err := inst.manager.EvictCache(ctx, target)
				if err != nil {
					log.Errorf(ctx, "Failed to evict: %s", err)
					continue
				}
				if len(evicted) > 0 {
					log.Debugf(ctx, "Evicted %d objects", len(evicted))
				}
			case <-inst.stopEviction:
				return
			}
		}
	}()
}

// Close stops the background loops and the object manager, then closes the
// database.
func (inst *Instance) Close(ctx context.Context) error {
	if inst.stopEviction != nil {
		close(inst.stopEviction)
		<-inst.evictionDone
		inst.stopEviction = nil
	}
	inst.collector.Stop()
	errs := []error{}
	if err := inst.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop object manager: %w", err))
	}
	if err := inst.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	return errors.Join(errs...)
}

// Server is the object server service.
type Server struct{}

// NewServer creates a new object server service.
func NewServer() *Server {
	return &Server{}
}

// Start starts the service and blocks until it is signalled to stop.
func (s *Server) Start(ctx context.Context, options ...Option) error {
	opts, err := readOpts(options...)
	if err != nil {
		return fmt.Errorf("failed to read options: %w", err)
	}
	slog.SetLogLoggerLevel(opts.LogLevel)
	log.Debugf(ctx, "Debug logging enabled")

	inst, err := Open(ctx, options...)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           inst.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigint := make(chan os.Signal, 1)
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)
	signal.Notify(sigterm, syscall.SIGTERM)

	startErr := make(chan error, 1)
	go func() {
		log.Infow(ctx, "Starting server",
			"port", opts.Port,
			"storage", opts.StorageProvider,
			"policy", opts.Policy,
			"maxResident", opts.MaxResident,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startErr <- err
		}
	}()

	select {
	case <-sigint:
		log.Infof(ctx, "Received SIGINT")
	case <-sigterm:
		log.Infof(ctx, "Received SIGTERM")
	case err := <-startErr:
		return errors.Join(fmt.Errorf("failed to start server: %w", err), inst.Close(ctx))
	}

	log.Infof(ctx, "Allowing 10 seconds for existing connections to close")
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		if err := srv.Shutdown(ctx); err != nil {
			errs <- fmt.Errorf("server shutdown failed: %w", err)
			return
		}
		log.Infof(ctx, "Server stopped")
		errs <- inst.Close(ctx)
	}()

	select {
	case <-sigint:
		return errors.New("forceful shutdown on second interrupt")
	case err := <-errs:
		return err
	}
}

func readOpts(opts ...Option) (*Options, error) {
	options := Options{
		Port:         8089,
		LogLevel:     slog.LevelInfo,
		DatabasePath: "objects.db",
		MaxResident:  100000,
		Policy:       "lru",
		FaultWorkers: 4,
		FlushWorkers: 2,
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:8080",
		},
		EvictionInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.StorageProvider == nil {
		return nil, errors.New("storage provider is required")
	}
	if options.MaxResident < 0 {
		return nil, errors.New("max resident objects must be nonnegative")
	}
	return &options, nil
}
