package flags

import (
	"log/slog"
	"time"

	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/foldersync"
	"github.com/codedogQBY/nimbus-sub000/httpserver"
	"github.com/codedogQBY/nimbus-sub000/pool"
	"github.com/codedogQBY/nimbus-sub000/storage"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             10 * time.Minute,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"NIMBUS_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"NIMBUS_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var CatalogFlag = &cli.StringFlag{
	Name:     "catalog",
	Usage:    "source catalog: a postgres:// DSN or the path of a YAML file",
	EnvVars:  []string{"NIMBUS_CATALOG"},
	Required: true,
}
var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault address used to resolve vault:<path>#<key> values in source configs",
	EnvVars: []string{"NIMBUS_VAULT_ADDR", "VAULT_ADDR"},
}
var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "Vault token",
	EnvVars: []string{"NIMBUS_VAULT_TOKEN", "VAULT_TOKEN"},
}
var BulkThresholdFlag = &cli.Int64Flag{
	Name:    "bulk-threshold",
	Value:   pool.DefaultBulkThreshold,
	Usage:   "object size in bytes above which bulk-capable sources are preferred",
	EnvVars: []string{"NIMBUS_BULK_THRESHOLD"},
}
var SyncConcurrencyFlag = &cli.IntFlag{
	Name:    "sync-concurrency",
	Value:   foldersync.DefaultMaxConcurrency,
	Usage:   "number of sources contacted at once by folder operations",
	EnvVars: []string{"NIMBUS_SYNC_CONCURRENCY"},
}
var RequestTimeoutFlag = &cli.DurationFlag{
	Name:    "request-timeout",
	Value:   storage.DefaultRequestTimeout,
	Usage:   "timeout of each HTTP call made to a storage backend",
	EnvVars: []string{"NIMBUS_REQUEST_TIMEOUT"},
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"NIMBUS_LISTEN_ADDR"},
}
var MaxUploadSizeFlag = &cli.Int64Flag{
	Name:    "max-upload-size",
	Value:   httpserver.DefaultMaxUploadSize,
	Usage:   "largest accepted upload in bytes",
	EnvVars: []string{"NIMBUS_MAX_UPLOAD_SIZE"},
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"NIMBUS_METRICS_ADDR"},
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	CatalogFlag,
	VaultAddrFlag,
	VaultTokenFlag,
	BulkThresholdFlag,
	SyncConcurrencyFlag,
	RequestTimeoutFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	MaxUploadSizeFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
