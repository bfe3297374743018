package cli

import (
	"context"

	"github.com/kimhsiao/postbills/backend/internal/board"
	"github.com/kimhsiao/postbills/backend/internal/config"
	"github.com/kimhsiao/postbills/backend/internal/connectivity"
	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/imagecache"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/remote"
	"github.com/kimhsiao/postbills/backend/internal/remote/httpstore"
	"github.com/kimhsiao/postbills/backend/internal/remote/s3"
	"github.com/kimhsiao/postbills/backend/internal/session"
	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
	"github.com/kimhsiao/postbills/backend/internal/sync/scheduler"
)

// local is the on-disk store of one data directory.
type local struct {
	database *db.DB
	repo     *db.Repository
}

func openLocal(cfg *config.Config) (*local, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return &local{database: database, repo: db.NewRepository(database.DB)}, nil
}

func (l *local) Close() {
	if err := l.repo.Close(); err != nil {
		logging.Error("failed to close repository", err)
	}
	if err := l.database.Close(); err != nil {
		logging.Error("failed to close database", err)
	}
}

// openRemote builds the remote stores named by cfg. Without a remote URL
// both live in memory for the life of the process.
func openRemote(cfg *config.Config) (remote.DocumentStore, remote.ObjectStore, error) {
	var (
		docs    remote.DocumentStore
		objects remote.ObjectStore
	)
	if cfg.Remote.URL == "" {
		logging.Warn("no remote configured, changes stay in memory")
		mem := remote.NewMemory("")
		docs, objects = mem, mem.Objects()
	} else {
		client, err := httpstore.New(cfg.Remote.URL, nil)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid remote", err)
		}
		docs, objects = client, client.Objects()
	}

	if cfg.Remote.Objects == config.ObjectsS3 {
		s3Objects, err := newS3(cfg.Remote.S3)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid s3 config", err)
		}
		objects = s3Objects
	}
	return docs, objects, nil
}

func newS3(c config.S3Config) (*s3.Client, error) {
	switch c.Provider {
	case config.ProviderMinIO:
		return s3.NewMinIOClient(c.Endpoint, c.Bucket, c.AccessKey, c.SecretKey, c.UseSSL, c.PublicBaseURL)
	case config.ProviderR2:
		return s3.NewR2Client(c.AccountID, c.Bucket, c.AccessKey, c.SecretKey, c.PublicBaseURL)
	default:
		return s3.NewAWSClient(c.Bucket, c.AccessKey, c.SecretKey, c.Region, c.PublicBaseURL), nil
	}
}

// sessionOptions maps the config onto the sync subsystem.
func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		Engine:     syncpkg.Options{SuccessResetDelay: cfg.Sync.SuccessResetDelay},
		Board: board.Options{
			PersistDelay:    cfg.Sync.SnapshotDebounce,
			TrustEmptyAfter: cfg.Sync.TrustEmptyAfter,
		},
		Images: imagecache.Options{FetchTimeout: cfg.Sync.BackfillTimeout},
		Scheduler: &scheduler.SchedulerConfig{
			Interval: cfg.Sync.PeriodicDrain,
		},
	}
}

// newMonitor returns the connectivity monitor. With a signal file the
// initial state comes from the file and later edits are followed until ctx
// is done.
func newMonitor(ctx context.Context, cfg *config.Config) *connectivity.Monitor {
	path := cfg.Connectivity.SignalFile
	if path == "" {
		return connectivity.NewMonitor(cfg.Connectivity.StartOnline)
	}

	online, ok := connectivity.ReadSignal(path)
	if !ok {
		online = cfg.Connectivity.StartOnline
	}
	m := connectivity.NewMonitor(online)
	go func() {
		if err := connectivity.WatchFile(ctx, path, m); err != nil {
			logging.Error("connectivity watch stopped", err, map[string]interface{}{"path": path})
		}
	}()
	return m
}

// newSession wires a SyncContext over the configured stores.
func newSession(ctx context.Context, cfg *config.Config, l *local) (*session.SyncContext, error) {
	docs, objects, err := openRemote(cfg)
	if err != nil {
		return nil, err
	}
	return session.New(l.repo, docs, objects, newMonitor(ctx, cfg), sessionOptions(cfg)), nil
}
