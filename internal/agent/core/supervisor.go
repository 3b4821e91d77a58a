package core

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/quizzer/config"
)

// Registry is the live session store consulted by the supervisor. It is the
// only structure mutated by multiple goroutines; implementations guard
// registry mutation only, never session-internal state.
type Registry interface {
	Put(sess *Session)
	Get(id string) (*Session, bool)
	Delete(id string)
	List() []*Session
	Len() int
}

// Supervisor owns the session lifecycle: the capacity gate, one goroutine
// per session, exactly-once cleanup and the archival hand-off when a session
// reaches a terminal status.
type Supervisor struct {
	cfg      *config.Config
	loop     *Loop
	registry Registry
	archive  Archive
	index    TranscriptIndex
	logger   *log.Logger

	semaphore chan struct{}
	rootCtx   context.Context
	rootStop  context.CancelFunc

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	cleanups map[string]*sync.Once

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor. archive and index are optional; a nil
// value skips that hand-off.
func NewSupervisor(cfg *config.Config, loop *Loop, reg Registry, archive Archive, index TranscriptIndex) *Supervisor {
	rootCtx, rootStop := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		loop:      loop,
		registry:  reg,
		archive:   archive,
		index:     index,
		logger:    log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
		semaphore: make(chan struct{}, cfg.Agent.MaxConcurrentSessions),
		rootCtx:   rootCtx,
		rootStop:  rootStop,
		cancels:   make(map[string]context.CancelFunc),
		cleanups:  make(map[string]*sync.Once),
	}
}

// Start launches a session for identity beginning at target and returns its
// ID immediately. At capacity it fails with ErrCapacityExceeded instead of
// queueing. The session goroutine derives from the supervisor's root
// context, not the caller's, so it outlives the accepting request.
func (s *Supervisor) Start(identity Identity, target string) (string, error) {
	select {
	case s.semaphore <- struct{}{}:
	default:
		return "", ErrCapacityExceeded
	}

	id := uuid.NewString()
	workspace, err := s.makeWorkspace(id)
	if err != nil {
		<-s.semaphore
		return "", err
	}

	sess := NewSession(id, identity, target, workspace)
	s.registry.Put(sess)

	ctx, cancel := context.WithCancel(s.rootCtx)
	s.mu.Lock()
	s.cancels[id] = cancel
	s.cleanups[id] = &sync.Once{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() { <-s.semaphore }()
		s.loop.Run(ctx, sess)
		s.cleanup(sess)
	}()

	s.logger.Printf("session=%s started email=%s target=%s running=%d/%d",
		id, identity.Email, target, len(s.semaphore), cap(s.semaphore))
	return id, nil
}

// Status returns the summary for a live or recently finished session.
func (s *Supervisor) Status(id string) (SessionSummary, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return SessionSummary{}, ErrSessionNotFound
	}
	return sess.Summary(), nil
}

// Session returns the live session record.
func (s *Supervisor) Session(id string) (*Session, bool) {
	return s.registry.Get(id)
}

// List returns summaries of all registered sessions, newest first.
func (s *Supervisor) List() []SessionSummary {
	sessions := s.registry.List()
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Running reports how many sessions currently hold a capacity slot.
func (s *Supervisor) Running() int {
	return len(s.semaphore)
}

// Cancel requests an external abort of a running session.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel == nil {
		return ErrSessionNotFound
	}
	cancel()
	return nil
}

// Shutdown cancels every running session and waits for their goroutines to
// drain, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.rootStop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanup runs the terminal hand-off exactly once per session: archive the
// transcript, index it for search, then release the registry entry after the
// linger window so late status queries still resolve.
func (s *Supervisor) cleanup(sess *Session) {
	s.mu.Lock()
	once := s.cleanups[sess.ID()]
	s.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if s.archive != nil {
			if err := s.archive.ArchiveSession(ctx, sess); err != nil {
				s.logger.Printf("session=%s archive failed: %v", sess.ID(), err)
			}
		}
		if s.index != nil {
			if err := s.index.IndexSession(sess); err != nil {
				s.logger.Printf("session=%s index failed: %v", sess.ID(), err)
			}
		}

		release := func() {
			s.registry.Delete(sess.ID())
			s.mu.Lock()
			delete(s.cancels, sess.ID())
			delete(s.cleanups, sess.ID())
			s.mu.Unlock()
		}
		if linger := s.cfg.Agent.StatusLinger; linger > 0 {
			time.AfterFunc(linger, release)
		} else {
			release()
		}
		s.logger.Printf("session=%s cleaned up status=%s", sess.ID(), sess.Status())
	})
}

func (s *Supervisor) makeWorkspace(id string) (string, error) {
	root := s.cfg.Workspace.Root
	if root == "" {
		root = "./workspaces"
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
