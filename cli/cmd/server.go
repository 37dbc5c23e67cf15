package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"github.com/wkalt/objectserver/cli/util"
	"github.com/wkalt/objectserver/service"
	"github.com/wkalt/objectserver/storage"
)

var (
	serverPort             int
	serverLogLevel         string
	serverDBPath           string
	serverMaxResident      int
	serverPolicy           string
	serverEvictionInterval time.Duration
	serverGCInterval       time.Duration
	serverFaultWorkers     int
	serverFlushWorkers     int
	serverReindex          bool
	allowedOrigins         []string

	// Directory storage provider options
	serverDataDir string

	// S3 storage provider options
	serverS3Endpoint  string
	serverS3AccessKey string
	serverS3SecretKey string
	serverS3Bucket    string
	serverS3UseTLS    bool
	serverS3Region    string
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		bailf("invalid log level: %s", level)
	}
	return slog.LevelInfo
}

func storageProvider() storage.Provider {
	s3requested := serverS3Endpoint != "" ||
		serverS3AccessKey != "" ||
		serverS3SecretKey != "" ||
		serverS3Bucket != ""
	if serverDataDir != "" && s3requested {
		bailf("cannot specify both --data-dir and S3 options")
	}
	if serverDataDir == "" && !s3requested {
		bailf("must specify either --data-dir or S3 options")
	}
	if serverDataDir == "" {
		mc, err := minio.New(serverS3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(serverS3AccessKey, serverS3SecretKey, ""),
			Secure: serverS3UseTLS,
			Region: serverS3Region,
		})
		if err != nil {
			bailf("error creating S3 client: %s", err)
		}
		return storage.NewS3Store(mc, serverS3Bucket)
	}
	checkErr(util.EnsureDirectoryExists(serverDataDir))
	store, err := storage.NewDirectoryStore(serverDataDir)
	if err != nil {
		bailf("error creating directory store: %s", err)
	}
	return store
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the object server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		svc := service.NewServer()
		opts := []service.Option{
			service.WithPort(serverPort),
			service.WithLogLevel(parseLogLevel(serverLogLevel)),
			service.WithStorageProvider(storageProvider()),
			service.WithDatabasePath(serverDBPath),
			service.WithMaxResident(serverMaxResident),
			service.WithPolicy(serverPolicy),
			service.WithEvictionInterval(serverEvictionInterval),
			service.WithGCInterval(serverGCInterval),
			service.WithWorkers(serverFaultWorkers, serverFlushWorkers),
			service.WithReindex(serverReindex),
		}
		if len(allowedOrigins) > 0 {
			opts = append(opts, service.WithAllowedOrigins(allowedOrigins))
		}
		if err := svc.Start(ctx, opts...); err != nil {
			bailf("Shutdown error: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 8089, "Port to listen on")
	serverCmd.PersistentFlags().StringVarP(&serverDataDir, "data-dir", "d", "", "Data directory (for directory storage)")
	serverCmd.PersistentFlags().StringVarP(&serverDBPath, "db-path", "", "objects.db", "object index database location")
	serverCmd.PersistentFlags().StringVarP(&serverLogLevel, "log-level", "l", "info", "Log level")
	serverCmd.PersistentFlags().IntVarP(&serverMaxResident, "max-resident", "m", 100000, "Objects kept resident by the eviction loop")
	serverCmd.PersistentFlags().StringVarP(&serverPolicy, "policy", "", "lru", "Eviction policy (null, lru, arc)")
	serverCmd.PersistentFlags().DurationVarP(&serverEvictionInterval, "eviction-interval", "", 5*time.Second, "Interval between eviction passes")
	serverCmd.PersistentFlags().DurationVarP(&serverGCInterval, "gc-interval", "", 0, "Interval between garbage collection cycles (0 disables)")
	serverCmd.PersistentFlags().IntVarP(&serverFaultWorkers, "fault-workers", "", 4, "Fault workers")
	serverCmd.PersistentFlags().IntVarP(&serverFlushWorkers, "flush-workers", "", 2, "Flush workers")
	serverCmd.PersistentFlags().BoolVarP(&serverReindex, "reindex", "", false, "Rebuild the object index from storage on startup")

	serverCmd.PersistentFlags().StringSliceVarP(&allowedOrigins, "allowed-origins", "o", []string{}, "Allowed origins")

	serverCmd.PersistentFlags().StringVar(&serverS3Endpoint, "s3-endpoint", "", "S3 endpoint (for S3 storage)")
	serverCmd.PersistentFlags().StringVar(&serverS3AccessKey, "s3-access-key-id", "", "S3 access key ID (for S3 storage)")
	serverCmd.PersistentFlags().StringVar(&serverS3SecretKey, "s3-secret-key", "", "S3 secret key (for S3 storage)")
	serverCmd.PersistentFlags().StringVar(&serverS3Bucket, "s3-bucket", "", "S3 bucket (for S3 storage)")
	serverCmd.PersistentFlags().BoolVarP(&serverS3UseTLS, "s3-tls", "t", false, "Use TLS (for S3 storage)")
	serverCmd.PersistentFlags().StringVar(&serverS3Region, "s3-region", "", "S3 region")
}
