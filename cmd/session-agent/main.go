// Command session-agent holds a session on behalf of a local user. It signs
// in once, keeps the session in a SQLite snapshot, re-validates it on an
// interval and refreshes it when the server warns that it is about to
// expire.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/attaboy/authrisk/internal/agent"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/session"
	"github.com/attaboy/authrisk/internal/snapshot"
	"github.com/caarlos0/env/v11"
)

type agentConfig struct {
	APIURL          string        `env:"AGENT_API_URL" envDefault:"http://localhost:8080"`
	Email           string        `env:"AGENT_EMAIL"`
	Password        string        `env:"AGENT_PASSWORD"`
	DeviceID        string        `env:"AGENT_DEVICE_ID"`
	ClientSignature string        `env:"AGENT_CLIENT_SIGNATURE" envDefault:"authrisk-session-agent/1.0"`
	Timeout         time.Duration `env:"AGENT_HTTP_TIMEOUT" envDefault:"10s"`
	SnapshotPath    string        `env:"SNAPSHOT_PATH" envDefault:"./data/session.db"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("session agent failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg agentConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse agent config: %w", err)
	}

	db, err := infra.OpenSQLite(ctx, cfg.SnapshotPath)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := snapshot.NewSQLiteStore(ctx, db)
	if err != nil {
		return err
	}

	client := agent.NewClient(cfg.APIURL, cfg.Timeout)
	opts := domain.ValidateOptions{ClientSignature: cfg.ClientSignature, DeviceID: cfg.DeviceID}
	monitor := session.NewMonitor(client, store, session.NewNotifier(logger),
		session.PollingWatcher{Interval: cfg.MonitorInterval}, logger)

	res, err := monitor.Check(ctx)
	if err != nil {
		return fmt.Errorf("check stored session: %w", err)
	}
	if !res.Valid {
		sc, err := signIn(ctx, client, cfg, opts, os.Stdin, logger)
		if err != nil {
			return err
		}
		if err := monitor.Adopt(ctx, sc, opts); err != nil {
			return fmt.Errorf("adopt session: %w", err)
		}
	} else {
		logger.Info("resumed stored session", "session_id", res.Session.SessionID, "expires_at", res.Session.ExpiresAt)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := monitor.OnWarning(func(w domain.Warning) {
		logger.Warn("session warning", "kind", w.Kind, "session_id", w.SessionID, "message", w.Message)
	})
	defer unsubscribe()

	monitor.OnTransition(func(state domain.SessionState) {
		switch {
		case state == domain.SessionWarned:
			// refresh off the watcher goroutine
			go func() {
				if _, err := monitor.Refresh(runCtx); err != nil {
					logger.Warn("refresh failed", "error", err)
				}
			}()
		case state.IsTerminal():
			logger.Info("session ended", "state", state)
			cancel()
		}
	})

	monitor.Run(runCtx)

	if ctx.Err() != nil && !monitor.State().IsTerminal() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := monitor.SignOut(shutdownCtx); err != nil {
			logger.Warn("sign out failed", "error", err)
		}
	}
	return nil
}

// signIn logs in with the configured credentials, prompting on in for a
// second-factor code when the server asks for one.
func signIn(ctx context.Context, client *agent.Client, cfg agentConfig, opts domain.ValidateOptions, in io.Reader, logger *slog.Logger) (*domain.SessionContext, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, errors.New("no stored session; set AGENT_EMAIL and AGENT_PASSWORD to sign in")
	}

	res, err := client.Login(ctx, cfg.Email, cfg.Password, opts)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if res.Status == "mfa_required" && res.Challenge != nil {
		logger.Info("second factor required", "type", res.Challenge.Type, "device", res.Challenge.DeviceLabel)
		fmt.Fprintf(os.Stderr, "verification code (%s): ", res.Challenge.DeviceLabel)
		code, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && code == "" {
			return nil, fmt.Errorf("read code: %w", err)
		}
		res, err = client.CompleteMFA(ctx, res.Challenge.ChallengeID, strings.TrimSpace(code), opts)
		if err != nil {
			return nil, fmt.Errorf("verify code: %w", err)
		}
	}
	if res.Session == nil {
		return nil, fmt.Errorf("login returned status %q without a session", res.Status)
	}
	logger.Info("signed in", "session_id", res.Session.SessionID, "mfa_verified", res.Session.MFAVerified)
	return res.Session, nil
}
