package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"teenlancer/internal/api"
	"teenlancer/internal/auth"
	"teenlancer/internal/captcha"
	"teenlancer/internal/config"
	"teenlancer/internal/db"
	"teenlancer/internal/jobs"
	"teenlancer/internal/logger"
	"teenlancer/internal/notify"
	"teenlancer/internal/payments"
	"teenlancer/internal/provision"
	"teenlancer/internal/realtime"
	"teenlancer/internal/service"
	"teenlancer/internal/store"
	"teenlancer/internal/util"
	"teenlancer/internal/version"
)

const sessionTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := logger.New(cfg.LogLevel, cfg.Environment)
	info := version.Current()
	log.WithFields(logrus.Fields{"version": info.Version, "commit": info.Commit, "env": cfg.Environment}).Info("starting teenlancer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqdb, dialect, err := openDB(ctx, cfg)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrations(ctx, sqdb, dialect, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	st := store.New(sqdb, dialect)

	var probes []api.Probe
	var broker realtime.Broker
	if cfg.RedisURL != "" {
		rb, err := realtime.NewRedisBroker(cfg.RedisURL, log)
		if err != nil {
			log.Fatalf("redis broker: %v", err)
		}
		probes = append(probes, api.Probe{Name: "redis", Check: rb.Ping})
		broker = rb
	} else {
		log.Info("REDIS_URL not set, status changes fan out in process only")
		broker = realtime.NewMemoryBroker()
	}
	defer broker.Close()

	emailSender := notify.NewEmailSender(cfg, log)
	if smtpSender, ok := emailSender.(*notify.SMTPEmailSender); ok {
		probes = append(probes, api.Probe{Name: "smtp", Check: smtpSender.Probe})
	}
	smsSender := notify.NewSMSSender(cfg, log)

	provisioner, err := provision.New(cfg, st)
	if err != nil {
		log.Fatalf("provisioner: %v", err)
	}
	if c, ok := provisioner.(io.Closer); ok {
		defer c.Close()
	}
	sealer, err := util.NewSealer(cfg.PayloadEncryptKey)
	if err != nil {
		log.Fatalf("payload sealer: %v", err)
	}

	svc := service.New(cfg, service.Deps{
		Store:       st,
		Publisher:   broker,
		Email:       emailSender,
		SMS:         smsSender,
		Payments:    payments.New(cfg, log),
		Provisioner: provisioner,
		Sealer:      sealer,
		Log:         log,
	})
	log.WithFields(logrus.Fields{
		"email":     emailSender.Name(),
		"sms":       smsSender.Name(),
		"provision": provisioner.Name(),
	}).Info("providers selected")

	sweep, err := jobs.NewScheduler(cfg.ExpirySweepSpec, svc, log)
	if err != nil {
		log.Fatalf("expiry sweep: %v", err)
	}
	sweep.Start()

	r := api.NewRouter(cfg, svc, api.Options{
		Issuer:     auth.NewIssuer(cfg.JWTSecret, sessionTTL),
		Subscriber: broker,
		Captcha:    captcha.New(cfg),
		Probes:     probes,
		Log:        log,
	})
	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	sweep.Stop(shutdownCtx)
	svc.Wait()
	log.Info("stopped")
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, db.Dialect, error) {
	if cfg.DBDriver == string(db.DialectPostgres) {
		sqdb, err := db.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
		return sqdb, db.DialectPostgres, err
	}
	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	return sqdb, db.DialectSQLite, err
}
