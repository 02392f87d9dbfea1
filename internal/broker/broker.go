// ABOUTME: Broker server owning the accept loop, session registry, and shutdown
// ABOUTME: Binds one endpoint, serves one goroutine per channel, exits when told

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/seance/internal/auth"
	"github.com/2389/seance/internal/dbpath"
	"github.com/2389/seance/internal/store"
)

// Config holds everything a broker needs at startup. Identity and Addr are
// required; Token and IdleTimeout are optional.
type Config struct {
	// Identity is the database path this broker serves. It is canonicalized
	// at creation and fixed for the broker's lifetime.
	Identity string

	// Addr is the endpoint to bind, e.g. "127.0.0.1:25432".
	Addr string

	// Token, when non-empty, requires every channel to authenticate before
	// any other command.
	Token string

	// IdleTimeout, when positive, makes the broker exit cleanly once it has
	// had no sessions and no requests for this long. Zero means run forever.
	IdleTimeout time.Duration
}

// Broker owns the database handle for one identity and serves it over a
// single bound endpoint.
type Broker struct {
	identity string
	cfg      Config
	guard    *auth.Guard
	owner    *store.Owner
	listener net.Listener
	logger   *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*session
	lastActive time.Time
	closing    bool // set once shutdown begins; later accepts are turned away

	wg sync.WaitGroup
}

// New opens the database and prepares a broker. The endpoint is not bound
// until Listen or Run.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("broker address is required")
	}
	identity, err := dbpath.Canonical(cfg.Identity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	owner, err := store.Open(identity, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database owner: %w", err)
	}

	return &Broker{
		identity:   identity,
		cfg:        cfg,
		guard:      auth.NewGuard(cfg.Token),
		owner:      owner,
		logger:     logger.With("component", "broker"),
		sessions:   make(map[string]*session),
		lastActive: time.Now(),
	}, nil
}

// Identity returns the canonical database identity this broker serves.
func (b *Broker) Identity() string {
	return b.identity
}

// Listen binds the configured endpoint. The operating system's exclusive
// bind is what resolves spawn races: exactly one of several concurrently
// started brokers gets the endpoint, and the rest fail here.
func (b *Broker) Listen() error {
	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		b.owner.Close()
		return fmt.Errorf("binding %s: %w", b.cfg.Addr, err)
	}
	b.listener = ln
	b.logger.Info("broker listening",
		"addr", ln.Addr().String(),
		"identity", b.identity,
		"auth_required", b.guard.Required(),
	)
	return nil
}

// Addr returns the bound endpoint address. Valid only after Listen.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Run binds the endpoint and serves until the context is canceled or the
// idle timeout (if configured) expires. Returns nil on a clean stop.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Serve accepts connections on the bound endpoint and blocks until the
// context is canceled, the idle timeout expires, or the listener fails.
func (b *Broker) Serve(ctx context.Context) error {
	if b.listener == nil {
		return errors.New("broker is not listening")
	}

	acceptDone := make(chan error, 1)
	go b.acceptLoop(ctx, acceptDone)

	var idleCh <-chan time.Time
	if b.cfg.IdleTimeout > 0 {
		// Check at a quarter of the timeout, floored so timeouts smaller
		// than the divisor still give the ticker a legal interval.
		interval := b.cfg.IdleTimeout / 4
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idleCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("context canceled, shutting down")
			return b.shutdown()
		case err := <-acceptDone:
			shutdownErr := b.shutdown()
			if err != nil {
				return err
			}
			return shutdownErr
		case <-idleCh:
			if b.idleExpired() {
				b.logger.Info("idle timeout reached, shutting down",
					"idle_timeout", b.cfg.IdleTimeout)
				return b.shutdown()
			}
		}
	}
}

// acceptLoop accepts connections until the listener closes. Transient accept
// failures are logged and do not stop the broker.
func (b *Broker) acceptLoop(ctx context.Context, done chan<- error) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				done <- nil
			} else {
				done <- fmt.Errorf("accepting connection: %w", err)
			}
			return
		}
		b.startSession(ctx, conn)
	}
}

// startSession registers a session for the connection and serves it on its
// own goroutine. All sessions share b.owner, whose lock serializes queries.
// A connection accepted after shutdown has begun is closed unserved; the
// wg.Add sits inside the locked region so every registered session is
// ordered before shutdown's wg.Wait.
func (b *Broker) startSession(ctx context.Context, conn net.Conn) {
	s := newSession(b, conn)

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		conn.Close()
		b.logger.Debug("turning away connection, broker is shutting down",
			"remote", conn.RemoteAddr().String())
		return
	}
	b.sessions[s.id] = s
	b.lastActive = time.Now()
	total := len(b.sessions)
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info("session connected",
		"session_id", s.id,
		"remote", conn.RemoteAddr().String(),
		"total_sessions", total,
	)

	go func() {
		defer b.wg.Done()
		s.serve(ctx)
		b.removeSession(s)
	}()
}

func (b *Broker) removeSession(s *session) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.lastActive = time.Now()
	total := len(b.sessions)
	b.mu.Unlock()

	b.logger.Info("session disconnected",
		"session_id", s.id,
		"total_sessions", total,
	)
}

// touch records request activity for the idle timer.
func (b *Broker) touch() {
	b.mu.Lock()
	b.lastActive = time.Now()
	b.mu.Unlock()
}

func (b *Broker) idleExpired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions) == 0 && time.Since(b.lastActive) >= b.cfg.IdleTimeout
}

// shutdown closes the listener, disconnects every session, waits for their
// goroutines, and releases the database. Setting closing under the same lock
// as session registration closes the window where the accept loop hands over
// a connection while the fan-out below is already done.
func (b *Broker) shutdown() error {
	b.logger.Info("shutting down broker")

	var errs []error
	if err := b.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing listener: %w", err))
	}

	b.mu.Lock()
	b.closing = true
	for _, s := range b.sessions {
		s.ch.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()

	if err := b.owner.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
