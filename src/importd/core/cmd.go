// importd is the import pipeline's driver binary: it assembles the job
// store, worker pool, and their collaborators from configuration and runs
// until signalled to shut down.
package core

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ingestflow/importd/src/common/cli"
	"github.com/ingestflow/importd/src/common/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "importd",
	Short: "Video import pipeline daemon",
	Long:  "importd runs the durable job queue and worker pool that fetch source videos and upload them to the content origin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	cli.RegisterConfigFlag(rootCmd, &cfgFile, "/etc/importd/importd.yaml")
	cli.RegisterLogFlags(rootCmd)
	registerServeFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.New().Full())
	},
}

// registerServeFlags registers the full configuration surface, bound to
// Viper so either a flag, an environment variable (IMPORTD_ prefix), or a
// config file can supply each value.
func registerServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.String("db-path", "~/.importd/importd.db", "SQLite persistence path")
	f.Bool("db-load-on-start", true, "load the persisted database on startup")

	f.String("storage-zone", "videos", "origin storage zone/bucket prefix")
	f.String("storage-access-key", "", "origin storage access key")
	f.String("cdn-base", "", "public CDN base URL objects are served from")
	f.String("origin-base-url", "", "internal origin base URL (HTTPBackend)")
	f.String("origin-backend", "http", "origin backend: http or local (local is dev/test only)")
	f.String("origin-local-path", "~/.importd/origin", "base path for the local-dev origin backend")

	f.String("origin-mirror", "", "optional disaster-recovery mirror: empty or s3")
	f.String("s3-provider", "garage", "S3 mirror provider: garage, minio, aws, other")
	f.String("s3-endpoint", "", "S3 mirror endpoint")
	f.String("s3-region", "", "S3 mirror region")
	f.String("s3-bucket", "", "S3 mirror bucket")
	f.String("s3-access-key-id", "", "S3 mirror access key id")
	f.String("s3-secret-access-key", "", "S3 mirror secret access key")

	f.String("temp-dir", "", "scratch directory for in-flight downloads (default: OS temp dir)")
	f.Int("max-file-size-mb", 0, "reject downloads above this size; 0 = unbounded")
	f.Int("worker-concurrency", 5, "number of concurrent worker goroutines")
	f.Duration("job-timeout", 2*time.Hour, "per-job lease duration before a stall is suspected")
	f.Int("max-retry-attempts", 3, "default max attempts for a submitted job")
	f.Duration("download-timeout", 2*time.Hour, "per-attempt timeout for URL/drive fetchers")
	f.Duration("cleanup-interval", 60*time.Second, "stalled-lease sweep interval")
	f.Duration("gc-interval", 1*time.Hour, "terminal-job garbage collection sweep interval")
	f.Uint64("max-old-space-mb", 0, "heap watchdog cap in MB; 0 disables the watchdog")
	f.Int("stream-buffer-kb", 8, "accepted but not read; streaming uploads always use a fixed 8 KB read chunk")

	f.String("drive-refresh-token", "", "cloud-drive OAuth refresh token")
	f.String("drive-oauth-client-id", "", "cloud-drive OAuth client id")
	f.String("drive-oauth-client-secret", "", "cloud-drive OAuth client secret")
	f.String("drive-api-key", "", "cloud-drive signed API key")

	f.String("platform-binary-path", "yt-dlp", "external downloader binary for platform-id sources")
	f.Int("platform-max-height", 1080, "maximum video height the platform-id fetcher requests")

	f.String("egress-admin-base-url", "", "egress identity admin API base URL")
	f.String("egress-internal-secret", "", "egress identity admin API shared secret")
	f.Duration("egress-cache-ttl", 5*time.Minute, "egress identity list cache TTL")

	f.String("catalog-base-url", "", "catalog webhook base URL")
	f.String("catalog-api-key", "", "catalog webhook bearer token")

	keys := []string{
		"db.path", "db.load_on_start",
		"storage.zone", "storage.access_key", "storage.cdn_base",
		"origin.base_url", "origin.backend", "origin.local_path", "origin.mirror",
		"s3.provider", "s3.endpoint", "s3.region", "s3.bucket", "s3.access_key_id", "s3.secret_access_key",
		"worker.temp_dir", "worker.max_file_size_mb", "worker.concurrency", "worker.job_timeout",
		"queue.max_retry_attempts", "fetch.download_timeout", "queue.cleanup_interval", "queue.gc_interval",
		"watchdog.max_old_space_mb", "origin.stream_buffer_kb",
		"drive.refresh_token", "drive.oauth_client_id", "drive.oauth_client_secret", "drive.api_key",
		"platform.binary_path", "platform.max_height",
		"egress.admin_base_url", "egress.internal_secret", "egress.cache_ttl",
		"catalog.base_url", "catalog.api_key",
	}
	flagNames := []string{
		"db-path", "db-load-on-start",
		"storage-zone", "storage-access-key", "cdn-base",
		"origin-base-url", "origin-backend", "origin-local-path", "origin-mirror",
		"s3-provider", "s3-endpoint", "s3-region", "s3-bucket", "s3-access-key-id", "s3-secret-access-key",
		"temp-dir", "max-file-size-mb", "worker-concurrency", "job-timeout",
		"max-retry-attempts", "download-timeout", "cleanup-interval", "gc-interval",
		"max-old-space-mb", "stream-buffer-kb",
		"drive-refresh-token", "drive-oauth-client-id", "drive-oauth-client-secret", "drive-api-key",
		"platform-binary-path", "platform-max-height",
		"egress-admin-base-url", "egress-internal-secret", "egress-cache-ttl",
		"catalog-base-url", "catalog-api-key",
	}
	for i, key := range keys {
		_ = cli.BindFlag(cmd, flagNames[i], key)
	}
}

func runServe(cmd *cobra.Command) error {
	if err := cli.InitConfig(cli.ConfigOptions{
		ConfigFile:  cfgFile,
		ConfigName:  "importd",
		ConfigType:  "yaml",
		EnvPrefix:   "IMPORTD",
		SearchPaths: cli.DefaultConfigOptions("importd", "IMPORTD").SearchPaths,
	}); err != nil {
		return err
	}

	logger := cli.InitLogger("importd")
	wireLoggers(logger)

	cfg := configFromViper()
	svc, err := NewService(cfg)
	if err != nil {
		return fmt.Errorf("assemble service: %w", err)
	}
	return svc.Run(cmd.Context())
}

func configFromViper() ServiceConfig {
	return ServiceConfig{
		DBPath:       cli.GetExpandedString("db.path"),
		DBLoadOnStart: viper.GetBool("db.load_on_start"),

		StorageZone:      viper.GetString("storage.zone"),
		StorageAccessKey: viper.GetString("storage.access_key"),
		CDNBase:          viper.GetString("storage.cdn_base"),

		OriginBackend:  viper.GetString("origin.backend"),
		OriginBaseURL:  viper.GetString("origin.base_url"),
		OriginLocalPath: cli.GetExpandedString("origin.local_path"),
		OriginMirror:   viper.GetString("origin.mirror"),

		S3Provider:        viper.GetString("s3.provider"),
		S3Endpoint:        viper.GetString("s3.endpoint"),
		S3Region:          viper.GetString("s3.region"),
		S3Bucket:          viper.GetString("s3.bucket"),
		S3AccessKeyID:     viper.GetString("s3.access_key_id"),
		S3SecretAccessKey: viper.GetString("s3.secret_access_key"),

		TempDir:          cli.GetExpandedString("worker.temp_dir"),
		MaxFileSizeBytes: int64(viper.GetInt("worker.max_file_size_mb")) * 1 << 20,
		WorkerConcurrency: viper.GetInt("worker.concurrency"),
		JobTimeout:       viper.GetDuration("worker.job_timeout"),

		MaxRetryAttempts: viper.GetInt("queue.max_retry_attempts"),
		DownloadTimeout:  viper.GetDuration("fetch.download_timeout"),
		CleanupInterval:  viper.GetDuration("queue.cleanup_interval"),
		GCInterval:       viper.GetDuration("queue.gc_interval"),
		MaxOldSpaceMB:    viper.GetUint64("watchdog.max_old_space_mb"),

		DriveRefreshToken:      viper.GetString("drive.refresh_token"),
		DriveOAuthClientID:     viper.GetString("drive.oauth_client_id"),
		DriveOAuthClientSecret: viper.GetString("drive.oauth_client_secret"),
		DriveAPIKey:            viper.GetString("drive.api_key"),

		PlatformBinaryPath: viper.GetString("platform.binary_path"),
		PlatformMaxHeight:  viper.GetInt("platform.max_height"),

		EgressAdminBaseURL:   viper.GetString("egress.admin_base_url"),
		EgressInternalSecret: viper.GetString("egress.internal_secret"),
		EgressCacheTTL:       viper.GetDuration("egress.cache_ttl"),

		CatalogBaseURL: viper.GetString("catalog.base_url"),
		CatalogAPIKey:  viper.GetString("catalog.api_key"),
	}
}

// Execute runs the root command; called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
