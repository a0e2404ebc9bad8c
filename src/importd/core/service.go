package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ingestflow/importd/src/common/logs"
	"github.com/ingestflow/importd/src/importd/catalog"
	"github.com/ingestflow/importd/src/importd/db"
	"github.com/ingestflow/importd/src/importd/db/migrations"
	"github.com/ingestflow/importd/src/importd/egress"
	"github.com/ingestflow/importd/src/importd/fetch"
	"github.com/ingestflow/importd/src/importd/origin"
	"github.com/ingestflow/importd/src/importd/queue"
	"github.com/ingestflow/importd/src/importd/recovery"
	"github.com/ingestflow/importd/src/importd/worker"
)

// ServiceConfig is the fully-resolved configuration a Service is built from,
// assembled by core/cmd.go from Viper and passed in as a plain struct so
// Service itself has no CLI/Viper dependency.
type ServiceConfig struct {
	DBPath        string
	DBLoadOnStart bool

	StorageZone      string
	StorageAccessKey string
	CDNBase          string

	OriginBackend   string // "http" (or empty) or "local" (dev/test only)
	OriginBaseURL   string
	OriginLocalPath string
	OriginMirror    string // "" or "s3"

	S3Provider        string
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	TempDir           string
	MaxFileSizeBytes  int64
	WorkerConcurrency int
	JobTimeout        time.Duration

	MaxRetryAttempts int
	DownloadTimeout  time.Duration
	CleanupInterval  time.Duration
	GCInterval       time.Duration
	MaxOldSpaceMB    uint64

	DriveRefreshToken      string
	DriveOAuthClientID     string
	DriveOAuthClientSecret string
	DriveAPIKey            string

	PlatformBinaryPath string
	PlatformMaxHeight  int

	EgressAdminBaseURL   string
	EgressInternalSecret string
	EgressCacheTTL       time.Duration

	CatalogBaseURL string
	CatalogAPIKey  string
}

// Service owns every long-lived collaborator in the import pipeline and
// drives their startup and graceful-shutdown sequencing: a single struct
// holding the database and its dependent managers, constructed once by
// NewService and driven by a blocking Run(ctx).
type Service struct {
	cfg ServiceConfig

	database *db.Database
	store    *queue.Store
	sup      *recovery.Supervisor
	egress   *egress.Pool
	backend  origin.Backend
	emitter  *catalog.Emitter
	pool     *worker.Pool
}

// NewService wires every pipeline component from cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	database, err := db.New(db.Config{PersistPath: cfg.DBPath, LoadOnStart: cfg.DBLoadOnStart})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	jobRepo := db.NewJobRepository(database)
	recoveryRepo := db.NewRecoveryRepository(database)
	egressRepo := db.NewEgressRepository(database)

	queueCfg := queue.DefaultConfig()
	if cfg.MaxRetryAttempts > 0 {
		queueCfg.DefaultMaxAttempts = cfg.MaxRetryAttempts
	}
	if cfg.JobTimeout > 0 {
		queueCfg.LockDuration = cfg.JobTimeout
	}
	store := queue.NewStore(jobRepo, queueCfg)

	recCfg := recovery.DefaultConfig()
	if cfg.MaxOldSpaceMB > 0 {
		recCfg.MaxHeapBytes = cfg.MaxOldSpaceMB << 20
	}
	sup := recovery.NewSupervisor(recCfg, recoveryRepo, jobRepo)

	egressCfg := egress.DefaultConfig()
	egressCfg.AdminBaseURL = cfg.EgressAdminBaseURL
	egressCfg.InternalSecret = cfg.EgressInternalSecret
	if cfg.EgressCacheTTL > 0 {
		egressCfg.CacheTTL = cfg.EgressCacheTTL
	}
	egressPool := egress.NewPool(egressCfg, egressRepo)

	backend, err := buildBackend(cfg)
	if err != nil {
		database.Shutdown()
		return nil, fmt.Errorf("build origin backend: %w", err)
	}

	emitter := catalog.NewEmitter(catalog.Config{BaseURL: cfg.CatalogBaseURL, APIKey: cfg.CatalogAPIKey})

	fetchCfg := fetch.Config{
		URL: fetch.URLConfig{Timeout: cfg.DownloadTimeout},
		Drive: fetch.DriveConfig{
			RefreshToken:      cfg.DriveRefreshToken,
			OAuthClientID:     cfg.DriveOAuthClientID,
			OAuthClientSecret: cfg.DriveOAuthClientSecret,
			APIKey:            cfg.DriveAPIKey,
			Timeout:           cfg.DownloadTimeout,
		},
		Platform: fetch.PlatformConfig{
			BinaryPath: cfg.PlatformBinaryPath,
			MaxHeight:  cfg.PlatformMaxHeight,
			Egress:     egressPool,
		},
	}

	workerCfg := worker.DefaultConfig()
	if cfg.WorkerConcurrency > 0 {
		workerCfg.Concurrency = cfg.WorkerConcurrency
	}
	workerCfg.TempDir = cfg.TempDir
	workerCfg.MaxFileSize = cfg.MaxFileSizeBytes
	if cfg.StorageZone != "" {
		workerCfg.Zone = cfg.StorageZone
	}
	pool := worker.NewPool(workerCfg, store, sup, backend, emitter, fetchCfg)

	return &Service{
		cfg:      cfg,
		database: database,
		store:    store,
		sup:      sup,
		egress:   egressPool,
		backend:  backend,
		emitter:  emitter,
		pool:     pool,
	}, nil
}

func buildBackend(cfg ServiceConfig) (origin.Backend, error) {
	var primary origin.Backend
	switch cfg.OriginBackend {
	case "local":
		local, err := origin.NewLocalBackend(origin.LocalConfig{BasePath: cfg.OriginLocalPath, CDNBase: cfg.CDNBase})
		if err != nil {
			return nil, err
		}
		primary = local
	case "", "http":
		primary = origin.NewHTTPBackend(origin.HTTPConfig{
			BaseURL:   cfg.OriginBaseURL,
			CDNBase:   cfg.CDNBase,
			AccessKey: cfg.StorageAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown origin backend %q", cfg.OriginBackend)
	}

	if cfg.OriginMirror != "s3" {
		return primary, nil
	}

	mirror, err := origin.NewS3Mirror(origin.S3Config{
		Provider:        origin.S3Provider(cfg.S3Provider),
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("build s3 mirror: %w", err)
	}
	return origin.NewMirroredBackend(primary, mirror), nil
}

// wireLoggers hands the process-wide logger to every package that keeps its
// own package-level logger.
func wireLoggers(l *logs.Logger) {
	catalog.SetLogger(l)
	migrations.SetLogger(l)
	egress.SetLogger(l)
	fetch.SetLogger(l)
	origin.SetLogger(l)
	queue.SetLogger(l)
	recovery.SetLogger(l)
	worker.SetLogger(l)
}

// Run starts every background loop and blocks until ctx is cancelled or a
// termination signal arrives, then performs the graceful shutdown sequence:
// quiesce in-flight jobs, stop leasing, cancel the sweep loops, stop the
// worker pool, stop the supervisor, persist the database.
func (s *Service) Run(ctx context.Context) error {
	log := logs.NewDefault()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.sup.Start(ctx); err != nil {
		return fmt.Errorf("start recovery supervisor: %w", err)
	}

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	defer cancelSweeps()
	cleanupInterval := s.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	gcInterval := s.cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = time.Hour
	}
	go s.store.RunSweeps(sweepCtx, cleanupInterval, gcInterval)

	s.pool.Start(ctx)
	log.Info("importd started",
		"origin", s.backend.Type(),
		"concurrency", s.cfg.WorkerConcurrency,
		"db_path", s.cfg.DBPath,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, quiescing")

	s.sup.Quiesce(s.pool.ActiveJobIDs())
	s.store.Pause()
	cancelSweeps()
	s.pool.Stop()
	s.sup.Stop()

	if err := s.database.Shutdown(); err != nil {
		return fmt.Errorf("shutdown database: %w", err)
	}
	log.Info("importd stopped")
	return nil
}
