package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offpos/internal/api"
	"offpos/internal/cart"
	"offpos/internal/catalog"
	"offpos/internal/changelog"
	"offpos/internal/config"
	"offpos/internal/logger"
	"offpos/internal/manifest"
	"offpos/internal/metrics"
	"offpos/internal/mirror"
	"offpos/internal/model"
	"offpos/internal/offline"
	"offpos/internal/restore"
	"offpos/internal/snapshot"
	"offpos/internal/state"
)

const journalFile = "cart.jsonl"

func main() {
	var (
		envFile string
		seed    string
	)
	flag.StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
	flag.StringVar(&seed, "seed", "", "load a product fixture (JSON array) into the mirror at startup")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load %s: %v", envFile, err)
	}
	cfg := config.LoadEnv()

	l, err := logger.New(logger.Config{
		Development:       cfg.Server.AppEnv == "dev",
		Level:             cfg.Logger.Level,
		Encoding:          cfg.Logger.Encoding,
		DisableCaller:     cfg.Logger.DisableCaller,
		DisableStacktrace: cfg.Logger.DisableStacktrace,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, seed, l); err != nil {
		l.Fatal("posd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, seed string, l *zap.Logger) error {
	l.Info("starting posd",
		zap.String("env", cfg.Server.AppEnv),
		zap.String("state_backend", cfg.State.Backend),
		zap.String("mirror_backend", cfg.Mirror.Backend),
		zap.String("journal_sink", cfg.Journal.Sink),
	)
	mreg := metrics.NewRegistry()

	st, err := state.Open(cfg.State.Backend, cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer st.Close()

	mir, closeMirror, err := openMirror(ctx, cfg.Mirror, st)
	if err != nil {
		return err
	}
	defer closeMirror()
	if seed != "" {
		if err := seedMirror(ctx, mir, seed); err != nil {
			return err
		}
		l.Info("mirror seeded", zap.String("file", seed))
	}

	journal, journalPath, err := openJournal(cfg.Journal, cfg.State.CartKey)
	if err != nil {
		return err
	}

	snaps := snapshot.NewStoreSnapshotter(st, cfg.State.CartKey)
	ropts := []restore.Option{
		restore.WithPartialRecovery(cfg.State.PartialRecovery),
		restore.WithLogger(l),
		restore.WithMetrics(mreg),
	}
	if journalPath != "" {
		ropts = append(ropts, restore.WithJournalFile(journalPath))
	}
	res, err := restore.NewRestorer(snaps, ropts...).RestoreCart()
	if err != nil {
		return fmt.Errorf("restore cart: %w", err)
	}

	eopts := []cart.Option{
		cart.WithInitial(res.Snapshot),
		cart.WithPersister(snaps),
		cart.WithLogger(l),
		cart.WithMetrics(mreg),
	}
	if journal != nil {
		eopts = append(eopts, cart.WithJournal(journal))
	}
	engine := cart.NewEngine(eopts...)
	if res.Discarded || res.Applied > 0 || res.SeqRaised {
		// the rebuilt cart differs from what is on disk
		if err := snaps.SaveCart(cart.Snapshot{Seq: engine.Seq(), Lines: engine.State().Lines}); err != nil {
			l.Warn("rewrite restored cart failed", zap.Error(err))
		}
	}

	svc := newCatalogService(cfg, st, mir, mreg, l)
	sched, err := catalog.NewScheduler(svc, cfg.Catalog.PollInterval, l)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	var container *offline.Container
	if cfg.Offline.Enabled {
		container, err = newContainer(ctx, cfg.Offline, st, mreg, l)
		if err != nil {
			return err
		}
		defer container.Close()
	}

	if cfg.Server.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Cart:    engine,
		Mirror:  mir,
		Catalog: svc,
		Offline: container,
		Metrics: mreg,
		Logger:  l,
	}, cfg.Server.CORSOrigins)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// first sync right away when the mirror is stale, then on the schedule
		if _, err := svc.RefreshIfStale(gctx); err != nil {
			l.Warn("initial catalog sync failed, serving local mirror", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openMirror(ctx context.Context, cfg config.MirrorConfig, st state.Store) (mirror.Mirror, func(), error) {
	switch cfg.Backend {
	case "", "kv":
		return mirror.NewKVMirror(st), func() {}, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mirror dir: %w", err)
		}
		db, err := mirror.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		m, err := mirror.NewSQLMirror(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return m, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}
}

func seedMirror(ctx context.Context, m mirror.Mirror, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var products []model.CachedProduct
	if err := json.Unmarshal(b, &products); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	if err := m.ReplaceAll(ctx, products); err != nil {
		return fmt.Errorf("seed mirror: %w", err)
	}
	return nil
}

// openJournal builds the configured journal sinks. The returned path is the
// local file used for replay, empty when the journal is not kept on disk.
func openJournal(cfg config.JournalConfig, cartID string) (changelog.Writer, string, error) {
	brokers := changelog.SplitBrokers(cfg.KafkaBrokers)
	var (
		writers []changelog.Writer
		path    string
	)
	if cfg.Sink == "file" || cfg.Sink == "both" || cfg.Sink == "tx" {
		fw, err := changelog.NewFileWriter(cfg.Dir, journalFile)
		if err != nil {
			return nil, "", fmt.Errorf("init journal file: %w", err)
		}
		writers = append(writers, fw)
		path = fw.Path()
	}
	if cfg.Sink == "kafka" || cfg.Sink == "both" || cfg.Sink == "tx" {
		if len(brokers) == 0 {
			return nil, "", fmt.Errorf("journal sink %q needs KAFKA_BROKERS", cfg.Sink)
		}
		if cfg.Sink == "tx" {
			if cfg.TxID == "" {
				return nil, "", errors.New("journal sink tx needs JOURNAL_TX_ID")
			}
			tw, err := changelog.NewTxWriter(brokers, cfg.Topic, cfg.TxID, cartID)
			if err != nil {
				return nil, "", fmt.Errorf("init journal tx producer: %w", err)
			}
			writers = append(writers, tw)
		} else {
			writers = append(writers, changelog.NewKafkaWriter(brokers, cfg.Topic, cartID))
		}
	}
	switch len(writers) {
	case 0:
		return nil, "", nil
	case 1:
		return writers[0], path, nil
	default:
		return changelog.NewMultiWriter(writers...), path, nil
	}
}

func newCatalogService(cfg *config.Config, st state.Store, mir mirror.Mirror, mreg *metrics.Registry, l *zap.Logger) *catalog.Service {
	storeMan := manifest.NewStoreManifest(st, "")
	pubs := []manifest.Publisher{storeMan, manifest.NewFilesystemManifest(cfg.State.SnapshotDir)}
	if brokers := changelog.SplitBrokers(cfg.Journal.KafkaBrokers); len(brokers) > 0 {
		pubs = append(pubs, manifest.NewKafkaManifest(brokers, cfg.Journal.ManifestTopic, cfg.Journal.ManifestKey))
	}
	return catalog.NewService(
		catalog.NewHTTPSource(cfg.Catalog.Endpoint, cfg.Catalog.Token, cfg.Catalog.Timeout),
		mir,
		catalog.WithManifest(manifest.MultiPublisher(pubs...), storeMan),
		catalog.WithUsageContext(model.UsageContext(cfg.Catalog.Context)),
		catalog.WithMaxAge(cfg.Catalog.MaxAge),
		catalog.WithLogger(l.Named("catalog")),
		catalog.WithMetrics(mreg),
	)
}

func newContainer(ctx context.Context, cfg config.OfflineConfig, st state.Store, mreg *metrics.Registry, l *zap.Logger) (*offline.Container, error) {
	var storage offline.Storage
	switch cfg.Storage {
	case "memory":
		storage = offline.NewMemoryStorage()
	case "", "state":
		storage = offline.NewStateStorage(st)
	case "redis":
		rs := offline.NewRedisStorage(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Family)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		storage = rs
	default:
		return nil, fmt.Errorf("unknown offline storage %q", cfg.Storage)
	}

	c, err := offline.NewContainer(offline.Config{
		Origin:         cfg.Origin,
		Family:         cfg.Family,
		APIPrefix:      cfg.APIPrefix,
		DevPattern:     cfg.DevPattern,
		ScriptPath:     cfg.ScriptPath,
		OfflinePath:    cfg.OfflinePath,
		BuildDir:       cfg.BuildDir,
		NavHeader:      cfg.NavHeader,
		AllowPaths:     cfg.AllowPaths,
		Precache:       cfg.Precache,
		StaticExts:     cfg.StaticExts,
		NetworkTimeout: cfg.NetworkTimeout,
		MaxEntryBytes:  int64(cfg.MaxEntryBytes),
	}, storage, offline.WithLogger(l.Named("offline")), offline.WithMetrics(mreg))
	if err != nil {
		return nil, err
	}
	if _, err := c.Register(ctx, cfg.Version); err != nil {
		return nil, fmt.Errorf("register offline worker %s: %w", cfg.Version, err)
	}
	return c, nil
}
