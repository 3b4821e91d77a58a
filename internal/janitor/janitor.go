package janitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// LiveSessions answers whether a session still owns its workspace.
type LiveSessions interface {
	Session(id string) (*core.Session, bool)
}

// Archive is the slice of the Postgres store the janitor prunes.
type Archive interface {
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor sweeps expired session workspaces and archived transcripts on a
// cron schedule. Workspaces of live sessions are never touched.
type Janitor struct {
	workspace config.WorkspaceConfig
	schedule  string
	live      LiveSessions
	archive   Archive
	logger    *log.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a janitor. live and archive are optional; a nil value skips
// that part of the sweep.
func New(cfg *config.Config, live LiveSessions, archive Archive, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	}
	schedule := cfg.Janitor.Schedule
	if schedule == "" {
		schedule = "0 * * * *"
	}
	return &Janitor{
		workspace: cfg.Workspace,
		schedule:  schedule,
		live:      live,
		archive:   archive,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() error {
	expr, err := cronexpr.Parse(j.schedule)
	if err != nil {
		return fmt.Errorf("parse janitor schedule %q: %w", j.schedule, err)
	}
	j.logger.Printf("schedule=%q retention=%s root=%s", j.schedule, j.workspace.Retention, j.workspace.Root)
	go j.run(expr)
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Janitor) run(expr *cronexpr.Expression) {
	defer close(j.done)
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			j.logger.Printf("schedule yields no future fire time, stopping")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-j.stop:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(context.Background()); err != nil {
				j.logger.Printf("sweep: %v", err)
			}
		}
	}
}

// Sweep removes workspaces older than the retention window and prunes the
// archive past the same cutoff. Returns the number of workspaces removed.
// A non-positive retention disables the sweep entirely.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.workspace.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-j.workspace.Retention)

	root := j.workspace.Root
	if root == "" {
		root = "./workspaces"
	}
	removed := 0
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if j.live != nil {
			if _, ok := j.live.Session(e.Name()); ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			j.logger.Printf("workspace %s: %v", e.Name(), err)
			continue
		}
		removed++
	}

	if j.archive != nil {
		n, err := j.archive.DeleteSessionsBefore(ctx, cutoff)
		if err != nil {
			j.logger.Printf("archive prune: %v", err)
		} else if n > 0 {
			j.logger.Printf("pruned %d archived sessions", n)
		}
	}

	j.logger.Printf("sweep removed=%d cutoff=%s", removed, cutoff.Format(time.RFC3339))
	return removed, nil
}
