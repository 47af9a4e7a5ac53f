package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brusselsmonitor/monitor/assets"
	"github.com/brusselsmonitor/monitor/internal"
	"github.com/brusselsmonitor/monitor/internal/contact/brevo"
	contactdb "github.com/brusselsmonitor/monitor/internal/contact/db"
	"github.com/brusselsmonitor/monitor/internal/db"
	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/email/mailgun"
	"github.com/brusselsmonitor/monitor/internal/email/postmark"
	"github.com/brusselsmonitor/monitor/internal/email/view"
	"github.com/brusselsmonitor/monitor/internal/feedback"
	"github.com/brusselsmonitor/monitor/internal/krypto"
	"github.com/brusselsmonitor/monitor/internal/ratelimit"
	"github.com/brusselsmonitor/monitor/internal/review"
	"github.com/brusselsmonitor/monitor/internal/review/github"
	"github.com/brusselsmonitor/monitor/internal/subscription"
	"github.com/brusselsmonitor/monitor/internal/token"
	"github.com/brusselsmonitor/monitor/internal/web"
	"github.com/gorilla/sessions"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stderr))
}

func run(ctx context.Context, w io.Writer) int {
	logger := slog.New(slog.NewTextHandler(w, nil))

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("failed to get config from environment", "error", err)
		return 1
	}

	// Shared by all outgoing API clients.
	httpClient := &http.Client{
		Timeout: time.Second * 10,
	}

	emailer, err := emailService(cfg, httpClient, logger)
	if err != nil {
		logger.Error("failed to set up email service", "error", err)
		return 1
	}

	codec, err := tokenCodec(cfg)
	if err != nil {
		logger.Error("failed to set up token codec", "error", err)
		return 1
	}

	store, closeStore, err := contactStore(cfg, httpClient)
	if err != nil {
		logger.Error("failed to set up contact store", "error", err)
		return 1
	}
	defer closeStore()

	subscriptions, err := subscription.NewService(store, emailer, codec, func(err error) {
		logger.Error("subscription service error", "error", err)
	}, subscription.ServiceConfig{
		AdminAddr: cfg.adminAddr,
		BaseURL:   cfg.baseURL,
	})
	if err != nil {
		logger.Error("failed to set up subscription service", "error", err)
		return 1
	}

	reviews := review.NewService(github.New(httpClient, github.Settings{
		APIURL: cfg.githubAPIURL,
		Owner:  cfg.githubOwner,
		Repo:   cfg.githubRepo,
		Branch: cfg.githubBranch,
		Token:  cfg.githubToken,
	}))

	feedbackSvc, err := feedback.NewService(emailer, cfg.adminAddr)
	if err != nil {
		logger.Error("failed to set up feedback service", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:         cfg.http.addr,
		ReadTimeout:  cfg.http.readTimeout,
		WriteTimeout: cfg.http.writeTimeout,
		IdleTimeout:  cfg.http.idleTimeout,
		Handler: web.NewServer(&web.ServerDeps{
			Logger:        logger,
			Subscriptions: subscriptions,
			Reviews:       reviews,
			Feedback:      feedbackSvc,
			SessionStore:  sessions.NewCookieStore(cfg.sessionKey.SecretValue()),
			Limiter:       ratelimit.New(cfg.rateLimitMax, cfg.rateLimitWindow),
		}, web.ServerConfig{
			CSRFKey:           cfg.csrfKey,
			SecureCookie:      cfg.secureCookie,
			AdminPasswordHash: cfg.adminPasswordHash,
		}),
	}

	// We need to run two tasks concurrently:
	// - Listen and serving of the HTTP server.
	// - Waiting for a signal to stop the server.

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server",
			"addr", cfg.http.addr,
			"buildRevision", internal.BuildRevision,
			"buildRevisionTime", internal.BuildRevisionTime,
			"buildLocalModified", internal.BuildLocalModified,
		)
		// ListenAndServe always returns a non-nil error,
		// g will cancel gCtx when an error is returned, so
		// this will also stop the other goroutine.
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping http server")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.http.shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()
	if err != nil && err != http.ErrServerClosed {
		logger.Error("http server stopped with error", "error", err)
		return 1
	}

	logger.Info("http server stopped successfully")

	return 0
}

func emailService(cfg config, client *http.Client, logger *slog.Logger) (*email.Service, error) {
	var sender email.Sender

	switch cfg.email.provider {
	case "log":
		sender = email.NewLogSender(logger)
	case "postmark":
		sender = postmark.NewSender(client, postmark.Settings{
			APIURL:        cfg.email.postmarkAPIURL,
			ServerToken:   cfg.email.postmarkServerToken,
			MessageStream: cfg.email.postmarkMessageStream,
		})
	case "mailgun":
		sender = mailgun.NewSender(client, mailgun.Settings{
			APIHost:  cfg.email.mailgunAPIHost,
			Domain:   cfg.email.mailgunDomain,
			Username: cfg.email.mailgunUsername,
			Password: cfg.email.mailgunPassword,
		})
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.email.provider)
	}

	return email.NewService(view.NewFSRenderer(assets.EmailFS), sender, cfg.email.from), nil
}

func tokenCodec(cfg config) (*token.Codec, error) {
	if cfg.legacySigningSecret.IsZero() {
		return token.NewCodec(cfg.signingSecret)
	}

	return token.NewCodec(cfg.signingSecret, cfg.legacySigningSecret)
}

func contactStore(cfg config, client *http.Client) (subscription.ContactStore, func(), error) {
	switch cfg.store.kind {
	case "sqlite":
		sqlDB, err := db.OpenSQLite(cfg.store.dbFile, true)
		if err != nil {
			return nil, nil, err
		}

		encryptor, err := krypto.NewEncryptor(cfg.store.encryptionKeys)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}

		return contactdb.New(sqlDB, encryptor, cfg.store.blindIndexKey), func() {
			sqlDB.Close()
		}, nil
	case "brevo":
		return brevo.New(client, brevo.Settings{
			APIURL: cfg.store.brevoAPIURL,
			APIKey: cfg.store.brevoAPIKey,
		}), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown contact store %q", cfg.store.kind)
	}
}
