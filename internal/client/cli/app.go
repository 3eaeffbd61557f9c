package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/client/config"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/services"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type App struct {
	config  *config.Config
	svc     services.StorageService
	session *remote.Session
	logger  logging.Logger
	closers []func() error

	out    io.Writer
	reader *bufio.Reader

	mu   sync.Mutex
	Mode Mode
}

func (a *App) setMode(ctx context.Context, mode Mode) {
	a.mu.Lock()
	changed := a.Mode != mode
	a.Mode = mode
	a.mu.Unlock()

	if changed {
		a.logger.Info(ctx, "remote status changed", "mode", string(mode))
	}
}

func (a *App) mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Mode
}

func (a *App) getStatus() string {
	s := a.config.Backend
	if m := a.mode(); m != "" {
		s = s + " " + string(m)
	}
	return fmt.Sprintf("(%s)", s)
}

// Run serves metrics when configured, starts the connectivity watcher and
// blocks in the REPL until the user exits or stdin closes.
func (a *App) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close()

	if a.config.MetricsAddr != "" {
		go func() {
			if err := ServeMetrics(ctx, a.config.MetricsAddr, a.logger); err != nil {
				a.logger.Error(ctx, "metrics endpoint stopped", "error", err)
			}
		}()
	}

	go a.StartOnlineStatusWatcher(ctx, a.config.OnlineCheckInterval)

	fmt.Fprintln(a.out, "Welcome to msgvault (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader)
}

// Close releases backend resources.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn(context.Background(), "closing backend failed", "error", err)
		}
	}
	a.closers = nil
}

// StartOnlineStatusWatcher pings the remote side every interval and flips
// Mode accordingly. It returns when ctx is done.
func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	a.checkOnline(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.checkOnline(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) checkOnline(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := a.session.Ping(pctx)
	cancel()

	if err != nil {
		a.setMode(ctx, ModeOffline)
		return
	}
	a.setMode(ctx, ModeOnline)
}
