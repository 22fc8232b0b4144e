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

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity"
	identityrepo "github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/lifecycle"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/lockout"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/token"
	tokenrepo "github.com/ovaphlow/pitchfork/service-identity-go/internal/token/repo"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

func main() {
	// load .env (best-effort) and parse the environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-identity-go")

	if err := run(cfg, sugar); err != nil {
		sugar.Errorw("service stopped with error", "err", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(cfg config.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// init db
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, db.DB); err != nil {
			return err
		}
		sugar.Info("schema migrations applied")
	}

	// init redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	clock := clockwork.NewRealClock()
	ids, err := utilities.NewIDGenerator(cfg.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	issuer, err := token.NewIssuer(token.IssuerConfig{
		Issuer:         cfg.JWT.Issuer,
		AccessTTL:      cfg.JWT.AccessTTL,
		PrivateKeyFile: cfg.JWT.PrivateKeyFile,
	}, clock)
	if err != nil {
		return err
	}
	if cfg.JWT.PrivateKeyFile == "" {
		sugar.Warn("JWT_PRIVATE_KEY_FILE not set; using an ephemeral signing key")
	}

	// notifications
	var mailer notify.Mailer = notify.LogMailer{Logger: sugar}
	if cfg.Mail.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.SMTPUsername,
			Password: cfg.Mail.SMTPPassword,
			From:     cfg.Mail.From,
		})
	}
	pool := notify.NewPool(notify.PoolConfig{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, mailer, sugar.Named("notify"))
	defer func() {
		pool.Close()
		if n := pool.Dropped(); n > 0 {
			sugar.Warnw("notifications dropped during run", "count", n)
		}
	}()

	identities := identityrepo.NewIdentityRepo(db, cfg.Database.Timeout)
	svc := lifecycle.NewService(lifecycle.Deps{
		Identities: identities,
		Roles:      identityrepo.NewRoleRepo(db, cfg.Database.Timeout),
		Passwords:  identity.BcryptHasher{},
		Otps:       otp.NewRedisStore(rdb, "otp", sugar.Named("otp")),
		Guard: lockout.NewGuard(identities, lockout.Config{
			MaxFailedAttempts: cfg.Lockout.MaxAttempts,
			LockDuration:      cfg.Lockout.Duration(),
		}, clock, sugar.Named("lockout")),
		Issuer:   issuer,
		Refresh:  token.NewRefreshStore(tokenrepo.NewRefreshRepo(db, cfg.Database.Timeout), cfg.JWT.RefreshTTL, clock, sugar.Named("refresh")),
		Notifier: notify.NewEmailNotifier(pool, cfg.Otp.TTL),
		IDs:      ids,
	}, lifecycle.Config{
		OtpTTL:      cfg.Otp.TTL,
		DefaultRole: cfg.DefaultRole,
	}, sugar.Named("lifecycle"))

	handler := router.RegisterRoutes(sugar, lifecycle.NewHandler(svc, issuer, cfg.AdminRole, sugar), issuer)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	sugar.Info("shutting down")
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	return nil
}
