package service

import (
	"log/slog"
	"time"

	"github.com/wkalt/objectserver/storage"
)

// Option is a functional option for the object server.
type Option func(*Options)

// Options contains options for the object server.
type Options struct {
	Port             int
	LogLevel         slog.Level
	StorageProvider  storage.Provider
	DatabasePath     string
	AllowedOrigins   []string
	MaxResident      int
	Policy           string
	EvictionInterval time.Duration
	GCInterval       time.Duration
	FaultWorkers     int
	FlushWorkers     int
	Reindex          bool
}

// WithPort sets the port to listen on.
func WithPort(port int) Option {
	return func(opts *Options) {
		opts.Port = port
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level slog.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = level
	}
}

// WithStorageProvider sets the provider holding object payloads.
func WithStorageProvider(provider storage.Provider) Option {
	return func(opts *Options) {
		opts.StorageProvider = provider
	}
}

// WithDatabasePath sets the location of the sqlite object index.
func WithDatabasePath(path string) Option {
	return func(opts *Options) {
		opts.DatabasePath = path
	}
}

// WithAllowedOrigins sets the origins allowed by CORS.
func WithAllowedOrigins(origins []string) Option {
	return func(opts *Options) {
		opts.AllowedOrigins = origins
	}
}

// WithMaxResident sets the number of objects the eviction loop keeps
// resident.
func WithMaxResident(n int) Option {
	return func(opts *Options) {
		opts.MaxResident = n
	}
}

// WithPolicy sets the eviction policy by name.
func WithPolicy(name string) Option {
	return func(opts *Options) {
		opts.Policy = name
	}
}

// WithEvictionInterval sets the period of the eviction loop. Zero disables
// it.
func WithEvictionInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.EvictionInterval = d
	}
}

// WithGCInterval sets the period of the garbage collector. Zero disables it.
func WithGCInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.GCInterval = d
	}
}

// WithWorkers sets the number of fault and flush workers.
func WithWorkers(fault, flush int) Option {
	return func(opts *Options) {
		opts.FaultWorkers = fault
		opts.FlushWorkers = flush
	}
}

// WithReindex rebuilds the object index from stored payloads at startup.
func WithReindex(reindex bool) Option {
	return func(opts *Options) {
		opts.Reindex = reindex
	}
}
