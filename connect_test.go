// ABOUTME: Bootstrap and discovery tests against in-process brokers on real TCP
// ABOUTME: Covers find-or-spawn, bind races, auth gating, and range exhaustion

package seance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/broker"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPortBase reserves a count-wide port range nothing is listening on. The
// listeners are closed again before returning, so there is a small window for
// another process to grab a port, but the ranges are randomized per test.
func testPortBase(t *testing.T, count int) int {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		base := 20000 + rand.Intn(30000)
		held := make([]net.Listener, 0, count)
		ok := true
		for p := base; p < base+count; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			held = append(held, ln)
		}
		for _, ln := range held {
			ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port range found")
	return 0
}

// testHandle mirrors a spawned broker process. Stop blocks until the broker
// has fully shut down, which keeps test teardown deterministic.
type testHandle struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *testHandle) PID() int { return h.pid }

func (h *testHandle) Stop() error {
	h.cancel()
	<-h.done
	return nil
}

// testSpawner satisfies SpawnFunc with brokers run in-process. The brokers
// bind real TCP listeners, so bind races between concurrent bootstraps behave
// exactly as they do between separate processes: the loser fails to bind and
// exits.
type testSpawner struct {
	mu      sync.Mutex
	spawns  int
	handles []*testHandle
}

func newTestSpawner(t *testing.T) *testSpawner {
	s := &testSpawner{}
	t.Cleanup(s.stopAll)
	return s
}

func (s *testSpawner) spawn(identity, addr, token string) (BrokerHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &testHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.spawns++
	h.pid = 1000 + s.spawns
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		b, err := broker.New(broker.Config{Identity: identity, Addr: addr, Token: token}, testLogger())
		if err != nil {
			return
		}
		_ = b.Run(ctx)
	}()
	return h, nil
}

func (s *testSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func (s *testSpawner) stopAll() {
	s.mu.Lock()
	handles := append([]*testHandle(nil), s.handles...)
	s.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

// startBrokerAt occupies addr with a broker serving identity, torn down with
// the test.
func startBrokerAt(t *testing.T, identity, addr, token string) {
	t.Helper()
	b, err := broker.New(broker.Config{Identity: identity, Addr: addr, Token: token}, testLogger())
	require.NoError(t, err)
	require.NoError(t, b.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testConnect(t *testing.T, database string, base, count int, s *testSpawner, extra ...Option) *Conn {
	t.Helper()
	opts := append([]Option{
		WithPortRange(base, count),
		WithSpawner(s.spawn),
		WithLogger(testLogger()),
	}, extra...)
	conn, err := Connect(context.Background(), database, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnect_SpawnsBrokerWhenNoneExists(t *testing.T) {
	base := testPortBase(t, 3)
	s := newTestSpawner(t)
	database := filepath.Join(t.TempDir(), "app.db")

	conn := testConnect(t, database, base, 3, s)

	require.Equal(t, 1, s.count())
	require.NotNil(t, conn.SpawnedBroker())
	require.NoError(t, conn.Ping(context.Background()))
}

func TestConnect_SecondClientFindsExistingBroker(t *testing.T) {
	base := testPortBase(t, 3)
	s := newTestSpawner(t)
	database := filepath.Join(t.TempDir(), "app.db")

	first := testConnect(t, database, base, 3, s)
	second := testConnect(t, database, base, 3, s)

	require.Equal(t, 1, s.count(), "second bootstrap must attach, not spawn")
	require.Nil(t, second.SpawnedBroker())

	ctx := context.Background()
	_, err := first.Query(ctx, "CREATE TABLE notes (body TEXT)")
	require.NoError(t, err)
	_, err = first.Query(ctx, "INSERT INTO notes VALUES (?)", "from first")
	require.NoError(t, err)

	rows, err := second.Query(ctx, "SELECT body FROM notes")
	require.NoError(t, err)
	require.Equal(t, [][]any{{"from first"}}, rows)
}

func TestConnect_ConcurrentBootstrapsShareOneBroker(t *testing.T) {
	base := testPortBase(t, 2)
	s := newTestSpawner(t)
	database := filepath.Join(t.TempDir(), "app.db")

	var wg sync.WaitGroup
	conns := make([]*Conn, 2)
	errs := make([]error, 2)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = Connect(context.Background(), database,
				WithPortRange(base, 2),
				WithSpawner(s.spawn),
				WithLogger(testLogger()),
			)
		}(i)
	}
	wg.Wait()

	for i := range conns {
		require.NoError(t, errs[i], "client %d", i)
		c := conns[i]
		t.Cleanup(func() { c.Close() })
	}

	// Whoever lost the bind race attached to the winner instead of spawning
	// elsewhere, so the second endpoint stayed free.
	_, err := net.DialTimeout("tcp",
		net.JoinHostPort("127.0.0.1", strconv.Itoa(base+1)), 200*time.Millisecond)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)

	ctx := context.Background()
	_, err = conns[0].Query(ctx, "CREATE TABLE IF NOT EXISTS hits (who INTEGER)")
	require.NoError(t, err)
	for i, c := range conns {
		_, err := c.Query(ctx, "INSERT INTO hits VALUES (?)", i)
		require.NoError(t, err)
	}
	rows, err := conns[1].Query(ctx, "SELECT COUNT(*) FROM hits")
	require.NoError(t, err)
	require.Equal(t, int64(2), rows[0][0])
}

func TestConnect_SkipsEndpointServingOtherDatabase(t *testing.T) {
	base := testPortBase(t, 2)
	startBrokerAt(t, filepath.Join(t.TempDir(), "other.db"),
		net.JoinHostPort("127.0.0.1", strconv.Itoa(base)), "")

	s := newTestSpawner(t)
	database := filepath.Join(t.TempDir(), "mine.db")
	conn := testConnect(t, database, base, 2, s)

	require.Equal(t, 1, s.count())
	served, err := conn.Identify(context.Background())
	require.NoError(t, err)
	require.Equal(t, conn.Identity(), served)
}

func TestConnect_WrongTokenFailsTerminally(t *testing.T) {
	base := testPortBase(t, 1)
	database := filepath.Join(t.TempDir(), "guarded.db")
	startBrokerAt(t, database, net.JoinHostPort("127.0.0.1", strconv.Itoa(base)), "right-token")

	s := newTestSpawner(t)
	_, err := Connect(context.Background(), database,
		WithPortRange(base, 1),
		WithSpawner(s.spawn),
		WithLogger(testLogger()),
		WithToken("wrong-token"),
	)
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Zero(t, s.count(), "an auth failure must not trigger a spawn")
}

func TestConnect_MissingTokenFailsTerminally(t *testing.T) {
	base := testPortBase(t, 1)
	database := filepath.Join(t.TempDir(), "guarded.db")
	startBrokerAt(t, database, net.JoinHostPort("127.0.0.1", strconv.Itoa(base)), "right-token")

	s := newTestSpawner(t)
	_, err := Connect(context.Background(), database,
		WithPortRange(base, 1),
		WithSpawner(s.spawn),
		WithLogger(testLogger()),
	)
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Zero(t, s.count())
}

func TestConnect_SpawnedBrokerInheritsToken(t *testing.T) {
	base := testPortBase(t, 2)
	s := newTestSpawner(t)
	database := filepath.Join(t.TempDir(), "guarded.db")

	testConnect(t, database, base, 2, s, WithToken("s3cret"))

	second := testConnect(t, database, base, 2, s, WithToken("s3cret"))
	require.Equal(t, 1, s.count())
	require.NoError(t, second.Ping(context.Background()))

	_, err := Connect(context.Background(), database,
		WithPortRange(base, 2),
		WithSpawner(s.spawn),
		WithLogger(testLogger()),
		WithToken("not-it"),
	)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestConnect_RangeExhausted(t *testing.T) {
	base := testPortBase(t, 1)
	startBrokerAt(t, filepath.Join(t.TempDir(), "other.db"),
		net.JoinHostPort("127.0.0.1", strconv.Itoa(base)), "")

	s := newTestSpawner(t)
	_, err := Connect(context.Background(), filepath.Join(t.TempDir(), "mine.db"),
		WithPortRange(base, 1),
		WithSpawner(s.spawn),
		WithLogger(testLogger()),
	)
	require.ErrorIs(t, err, ErrNoBroker)
	require.Zero(t, s.count(), "no free endpoint means nothing to spawn on")
}

func TestConnect_SpawnFailureReportsNoBroker(t *testing.T) {
	base := testPortBase(t, 1)
	_, err := Connect(context.Background(), filepath.Join(t.TempDir(), "app.db"),
		WithPortRange(base, 1),
		WithLogger(testLogger()),
		WithSpawner(func(identity, addr, token string) (BrokerHandle, error) {
			return nil, errors.New("broker binary missing")
		}),
	)
	require.ErrorIs(t, err, ErrNoBroker)
}

func TestConnect_PollsUntilSpawnedBrokerBinds(t *testing.T) {
	base := testPortBase(t, 1)
	database := filepath.Join(t.TempDir(), "slow.db")

	// A spawner whose broker takes a while to bind, like a cold child
	// process would.
	slowSpawn := func(identity, addr, token string) (BrokerHandle, error) {
		ctx, cancel := context.WithCancel(context.Background())
		h := &testHandle{pid: 4242, cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(h.done)
			time.Sleep(400 * time.Millisecond)
			b, err := broker.New(broker.Config{Identity: identity, Addr: addr, Token: token}, testLogger())
			if err != nil {
				return
			}
			_ = b.Run(ctx)
		}()
		t.Cleanup(func() { h.Stop() })
		return h, nil
	}

	conn, err := Connect(context.Background(), database,
		WithPortRange(base, 1),
		WithSpawner(slowSpawn),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping(context.Background()))
}

func TestConnect_CanonicalizesDatabasePath(t *testing.T) {
	base := testPortBase(t, 2)
	s := newTestSpawner(t)
	dir := t.TempDir()
	clean := filepath.Join(dir, "app.db")
	messy := dir + "/./app.db"

	first := testConnect(t, clean, base, 2, s)
	second := testConnect(t, messy, base, 2, s)

	require.Equal(t, 1, s.count(), "spellings of one path must share a broker")
	require.Equal(t, first.Identity(), second.Identity())
	require.Equal(t, clean, first.Identity())
}

func TestConnect_MemoryDatabaseIsShared(t *testing.T) {
	base := testPortBase(t, 1)
	s := newTestSpawner(t)
	ctx := context.Background()

	first := testConnect(t, ":memory:", base, 1, s)
	second := testConnect(t, ":memory:", base, 1, s)
	require.Equal(t, 1, s.count())

	_, err := first.Query(ctx, "CREATE TABLE m (x INTEGER)")
	require.NoError(t, err)
	_, err = second.Query(ctx, "INSERT INTO m VALUES (1)")
	require.NoError(t, err)

	rows, err := first.Query(ctx, "SELECT COUNT(*) FROM m")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0][0])
}

func TestConnect_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	base := testPortBase(t, 1)
	_, err := Connect(ctx, filepath.Join(t.TempDir(), "app.db"),
		WithPortRange(base, 1),
		WithLogger(testLogger()),
		WithSpawner(func(identity, addr, token string) (BrokerHandle, error) {
			t.Error("spawner must not run under a canceled context")
			return nil, errors.New("unreachable")
		}),
	)
	require.ErrorIs(t, err, context.Canceled)
}
