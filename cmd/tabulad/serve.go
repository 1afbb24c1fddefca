package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Registered database/sql dialects for the datasource config.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tabula-io/tabula/cache"
	"github.com/tabula-io/tabula/config"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/driver/mem"
	mongodrv "github.com/tabula-io/tabula/driver/mongo"
	sqldrv "github.com/tabula-io/tabula/driver/sql"
	"github.com/tabula-io/tabula/engine"
	"github.com/tabula-io/tabula/metrics"
	"github.com/tabula-io/tabula/registry"
	"github.com/tabula-io/tabula/rpc"
	"github.com/tabula-io/tabula/schema"
	"github.com/tabula-io/tabula/tenancy"
	"github.com/tabula-io/tabula/transport/httpapi"
	"github.com/tabula-io/tabula/validation"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and metadata without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			reg := registry.New()
			if err := loadMetadata(reg, cfg.Metadata.Dir); err != nil {
				return err
			}
			if err := reg.Build(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d objects, %d roles\n",
				len(reg.ObjectNames()), len(reg.Roles()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := registry.New()
	if err := loadMetadata(reg, cfg.Metadata.Dir); err != nil {
		return err
	}

	m := metrics.New()
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithRegistry(reg),
		engine.WithMetrics(m),
	}
	if langs := validationLanguages(cfg.Validation); len(langs) > 0 {
		opts = append(opts, engine.WithValidation(validation.WithFallbackLanguages(langs...)))
	}
	slow := func(_ context.Context, op, object string, took time.Duration) {
		m.ObserveSlowQuery()
		log.Warn("slow driver call",
			zap.String("op", op),
			zap.String("object", object),
			zap.Duration("took", took),
		)
	}
	for name, ds := range cfg.Datasources {
		built, err := buildDriver(ds)
		if err != nil {
			return fmt.Errorf("datasource %s: %w", name, err)
		}
		d := driver.NewStatsDriver(built, driver.WithSlowOpHook(slow))
		opts = append(opts, engine.WithDriver(name, d))
		// Objects that name no datasource resolve through the default.
		if name == cfg.DefaultDatasource && name != schema.DefaultDatasource {
			opts = append(opts, engine.WithDriver(schema.DefaultDatasource, d))
		}
	}
	if c := buildCache(cfg.Cache); c != nil {
		opts = append(opts, engine.WithQueryCache(c, cfg.Cache.TTL.Std()))
	}

	e := engine.New(opts...)
	if cfg.Tenancy.Enabled {
		if err := e.Use(tenancy.New(cfg.Tenancy.PluginConfig())); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := e.Stop(sctx); err != nil {
			log.Warn("engine stop", zap.Error(err))
		}
	}()

	api := httpapi.New(
		rpc.NewDispatcher(e, rpc.WithLogger(log)),
		httpapi.WithLogger(log),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := e.CheckHealth(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", api)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func buildLogger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func buildDriver(ds config.Datasource) (driver.Driver, error) {
	switch ds.Driver {
	case "mem":
		return mem.New(), nil
	case "sqlite", "postgres", "mysql":
		return sqldrv.Open(ds.Driver, ds.DSN)
	case "mongo":
		return mongodrv.New(ds.DSN, ds.Database), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", ds.Driver)
	}
}

func buildCache(cfg config.Cache) cache.Cache {
	switch cfg.Backend {
	case "memory":
		return cache.NewMemory()
	case "redis":
		return cache.OpenRedis(cfg.Addr)
	default:
		return nil
	}
}

func validationLanguages(cfg config.Validation) []string {
	var langs []string
	if cfg.Language != "" {
		langs = append(langs, cfg.Language)
	}
	return append(langs, cfg.Fallbacks...)
}

// loadMetadata registers every object and role definition under dir.
// Objects come from LoadDir; role files carry the .role.yml suffix.
func loadMetadata(reg *registry.Registry, dir string) error {
	objects, err := schema.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, o := range objects {
		if err := reg.RegisterObject("app", o); err != nil {
			return err
		}
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRoleFile(path) {
			return nil
		}
		role, err := schema.LoadRole(path)
		if err != nil {
			return err
		}
		return reg.RegisterRole("app", role)
	})
}

func isRoleFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".role.yml") || strings.HasSuffix(base, ".role.yaml")
}
