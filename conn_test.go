// ABOUTME: Connection handle tests: queries, failure classes, reconnect
// ABOUTME: Runs against real brokers spawned in-process by the test spawner

package seance

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// slowQuery keeps the engine busy long enough for client-side timeouts to
// fire first.
const slowQuery = `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c WHERE x < 5000000) SELECT count(*) FROM c`

func newTestConn(t *testing.T, extra ...Option) *Conn {
	t.Helper()
	base := testPortBase(t, 1)
	s := newTestSpawner(t)
	return testConnect(t, filepath.Join(t.TempDir(), "conn.db"), base, 1, s, extra...)
}

func TestConn_QueryEchoesPrimitives(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	rows, err := conn.Query(ctx, "SELECT ?, ?, ?, ?, ?",
		nil, 42, 2.5, "héllo", []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []any{nil, int64(42), 2.5, "héllo", []byte{0x01, 0x02}}, rows[0])

	// Booleans survive the wire but come back as the integers SQLite
	// stores them as.
	rows, err = conn.Query(ctx, "SELECT ?", true)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0][0])
}

func TestConn_StatementsWithoutRows(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	rows, err := conn.Query(ctx, "CREATE TABLE nothing_here (x INTEGER)")
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = conn.Query(ctx, "SELECT x FROM nothing_here")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestConn_EngineErrorIsPerRequest(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Query(ctx, "SELECT * FROM no_such_table")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, "SELECT * FROM no_such_table", qe.Query)

	// The failure stayed on that request; the connection keeps working.
	require.NoError(t, conn.Ping(ctx))
	rows, err := conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0][0])
}

func TestConn_RejectsUnsupportedParameter(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Query(ctx, "SELECT ?", make(chan int))
	require.Error(t, err)

	// The bad value never reached the wire.
	require.NoError(t, conn.Ping(ctx))
}

func TestConn_PingAndIdentify(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, conn.Ping(ctx))

	served, err := conn.Identify(ctx)
	require.NoError(t, err)
	require.Equal(t, conn.Identity(), served)
}

func TestConn_PeerClosedThenReconnect(t *testing.T) {
	base := testPortBase(t, 1)
	s := newTestSpawner(t)
	database := filepath.Join(t.TempDir(), "durable.db")
	conn := testConnect(t, database, base, 1, s)
	ctx := context.Background()

	_, err := conn.Query(ctx, "CREATE TABLE facts (body TEXT)")
	require.NoError(t, err)
	_, err = conn.Query(ctx, "INSERT INTO facts VALUES (?)", "survives restarts")
	require.NoError(t, err)

	handle := conn.SpawnedBroker()
	require.NotNil(t, handle)
	require.NoError(t, handle.Stop())

	_, err = conn.Query(ctx, "SELECT body FROM facts")
	require.ErrorIs(t, err, ErrPeerClosed)

	// The dead connection stays dead until the caller says otherwise.
	_, err = conn.Query(ctx, "SELECT body FROM facts")
	require.ErrorIs(t, err, ErrConnClosed)

	require.NoError(t, conn.Reconnect(ctx))
	require.Equal(t, 2, s.count(), "reconnect had to spawn a replacement broker")

	rows, err := conn.Query(ctx, "SELECT body FROM facts")
	require.NoError(t, err)
	require.Equal(t, [][]any{{"survives restarts"}}, rows)
}

func TestConn_TimeoutDiscardsConnection(t *testing.T) {
	conn := newTestConn(t, WithTimeout(100*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	_, err := conn.Query(ctx, slowQuery)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPeerClosed)
	require.Less(t, time.Since(start), 5*time.Second, "timeout must cut the wait short")

	// The reply may still be in flight, so the channel cannot be reused.
	_, err = conn.Query(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrConnClosed)
}

func TestConn_ContextCancellationDiscardsConnection(t *testing.T) {
	conn := newTestConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	_, err := conn.Query(ctx, slowQuery)
	require.ErrorIs(t, err, context.Canceled)

	_, err = conn.Query(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrConnClosed)

	require.NoError(t, conn.Reconnect(context.Background()))
	require.NoError(t, conn.Ping(context.Background()))
}

func TestConn_ConcurrentCallersShareOneChannel(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Query(ctx, "CREATE TABLE hits (worker INTEGER, n INTEGER)")
	require.NoError(t, err)

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < perWorker; n++ {
				if _, err := conn.Query(ctx, "INSERT INTO hits VALUES (?, ?)", w, n); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	rows, err := conn.Query(ctx, "SELECT COUNT(*) FROM hits")
	require.NoError(t, err)
	require.Equal(t, int64(workers*perWorker), rows[0][0])
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	err := conn.Ping(context.Background())
	require.ErrorIs(t, err, ErrConnClosed)
}
