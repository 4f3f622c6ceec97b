package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aegis.org/internal/admission"
	"aegis.org/internal/audit"
	"aegis.org/internal/auth"
	"aegis.org/internal/config"
	"aegis.org/internal/httpapi"
	"aegis.org/internal/keys"
	"aegis.org/internal/obs"
	"aegis.org/internal/store/pg"
	"aegis.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// stores groups the persistence backends selected at startup.
type stores struct {
	users  auth.UserStore
	rbac   auth.RBACStore
	tokens auth.RefreshTokenStore
	rules  admission.RuleSource
	ready  []func(context.Context) error
	close  []func() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aegis-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	keyStore, err := keys.NewFileStore(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("open key directory: %w", err)
	}
	custodian, err := keys.New(
		keys.WithGrace(cfg.KeyGrace),
		keys.WithKeyBits(cfg.KeyBits),
		keys.WithStore(keyStore),
	)
	if err != nil {
		return err
	}
	if err := custodian.Init(ctx); err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	if err := obs.RegisterKeyAge(custodian.Age); err != nil {
		logger.Warn("register key age gauge", zap.Error(err))
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range st.close {
			_ = c()
		}
	}()

	counter, memCounter, err := openCounter(ctx, cfg, st)
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(custodian, st.users, st.tokens,
		auth.WithIssuerName(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL, cfg.PersistentRefreshTTL),
	)
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(st.users)
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(st.rbac, st.users)
	if err != nil {
		return err
	}
	rbacSvc, err := auth.NewRBACService(st.rbac, st.users)
	if err != nil {
		return err
	}
	controller, err := admission.NewController(st.rules, counter)
	if err != nil {
		return err
	}

	events := stream.New()
	audit.SetStream(events)
	defer audit.SetStream(nil)

	if cfg.AdminUsername != "" {
		if err := bootstrapAdmin(ctx, cfg, st.users, authn, resolver, rbacSvc); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	api, err := httpapi.New(httpapi.Deps{
		Issuer:        issuer,
		Authenticator: authn,
		Resolver:      resolver,
		RBAC:          rbacSvc,
		Keys:          custodian,
		Admission:     controller,
		Events:        events,
		Ready: func(ctx context.Context) error {
			for _, check := range st.ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	},
		httpapi.WithSecureCookies(cfg.CookieSecure, cfg.CookieDomain),
		httpapi.WithFloodGuard(cfg.FloodBurst, cfg.FloodPerSec),
		httpapi.WithTrustedProxy(cfg.TrustProxyHeaders),
		httpapi.WithSessionCleanup(cfg.AllowSessionCleanup),
		httpapi.WithVersion(version),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting aegis-api",
			zap.String("version", version),
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return custodian.Run(gctx, cfg.SweepInterval, cfg.KeyRotateEach) })
	g.Go(func() error { return api.Run(gctx) })
	if memCounter != nil {
		g.Go(func() error { return memCounter.Run(gctx, cfg.SweepInterval) })
	}
	g.Go(func() error { return purgeLoop(gctx, issuer, cfg.PurgeInterval, logger) })
	g.Go(func() error { return reloadOnHangup(gctx, custodian, logger) })

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openStores(cfg config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		if cfg.IsProduction() {
			return nil, errors.New("AEGIS_PG_DSN is required in production")
		}
		logger.Warn("no database configured, using in-memory stores")
		mem := auth.NewMemoryStore()
		rules, err := admission.NewMemoryRules(admission.DefaultRules()...)
		if err != nil {
			return nil, err
		}
		return &stores{users: mem, rbac: mem, tokens: mem, rules: rules}, nil
	}
	db, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return &stores{
		users:  db,
		rbac:   db,
		tokens: db,
		rules:  db,
		ready:  []func(context.Context) error{db.Ping},
		close:  []func() error{db.Close},
	}, nil
}

// openCounter prefers Redis so limits hold across replicas. The in-memory
// counter is returned separately because it needs a sweep loop.
func openCounter(ctx context.Context, cfg config.Config, st *stores) (admission.Counter, *admission.MemoryCounter, error) {
	if cfg.RedisAddr == "" {
		mc := admission.NewMemoryCounter()
		return mc, mc, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	st.ready = append(st.ready, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	st.close = append(st.close, client.Close)
	rc, err := admission.NewRedisCounter(client)
	if err != nil {
		return nil, nil, err
	}
	return rc, nil, nil
}

func purgeLoop(ctx context.Context, issuer *auth.Issuer, every time.Duration, logger *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			n, err := issuer.PurgeExpired(ctx, now)
			if err != nil {
				logger.Warn("purge expired refresh tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired refresh tokens", zap.Int64("deleted", n))
			}
		}
	}
}

// reloadOnHangup re-reads the key directory on SIGHUP, which is how keys
// rotated offline with keyctl reach a running server.
func reloadOnHangup(ctx context.Context, custodian *keys.Custodian, logger *zap.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := custodian.Reload(ctx); err != nil {
				logger.Error("reload signing keys", zap.Error(err))
				continue
			}
			logger.Info("signing keys reloaded")
		}
	}
}
