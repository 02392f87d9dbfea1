// ABOUTME: Functional options for Connect
// ABOUTME: Token, timeout, port range, spawner, and logger configuration

package seance

import (
	"log/slog"
	"time"

	"github.com/2389/seance/internal/spawn"
)

// Discovery constants shared by every client and broker on a machine. The
// scan covers DefaultPortCount consecutive ports starting at DefaultBasePort,
// all on loopback.
const (
	DefaultBasePort  = 25432
	DefaultPortCount = 10
)

// BrokerHandle references a broker process started by this client's
// bootstrap. Brokers deliberately outlive their spawners; Stop is for
// callers that know nobody else needs the broker anymore.
type BrokerHandle interface {
	PID() int
	Stop() error
}

// SpawnFunc launches a broker for identity at addr. Implementations must
// return promptly; bootstrap polls the endpoint for readiness afterward. A
// spawned broker that fails to bind its endpoint is expected to exit, and
// bootstrap treats that as losing the bind race rather than as an error.
type SpawnFunc func(identity, addr, token string) (BrokerHandle, error)

type options struct {
	token     string
	timeout   time.Duration
	basePort  int
	portCount int
	binary    string
	spawn     SpawnFunc
	logger    *slog.Logger
}

// Option configures Connect.
type Option func(*options)

// WithToken presents the shared secret on every new channel. A broker
// spawned by this client starts with the same token, so the first client's
// token becomes the broker's.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithTimeout bounds each request/response round trip. A round trip that
// overruns it closes and discards the connection, because the reply may
// still arrive later and the channel can no longer be trusted. Zero means
// no bound beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithPortRange replaces the default endpoint range. Every client and
// broker that should find each other must agree on the range.
func WithPortRange(base, count int) Option {
	return func(o *options) {
		o.basePort = base
		o.portCount = count
	}
}

// WithBrokerBinary names the broker executable to spawn, instead of
// resolving one from SEANCE_BROKER, the running executable's directory, and
// PATH.
func WithBrokerBinary(path string) Option {
	return func(o *options) { o.binary = path }
}

// WithSpawner replaces broker process spawning entirely. Embedders use it
// to run brokers in-process or under their own supervisor.
func WithSpawner(fn SpawnFunc) Option {
	return func(o *options) { o.spawn = fn }
}

// WithLogger routes client logging. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) *options {
	o := &options{
		basePort:  DefaultBasePort,
		portCount: DefaultPortCount,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.spawn == nil {
		binary := o.binary
		o.spawn = func(identity, addr, token string) (BrokerHandle, error) {
			h, err := spawn.Spawn(identity, addr, token, binary)
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	}
	o.logger = o.logger.With("component", "seance")
	return o
}
