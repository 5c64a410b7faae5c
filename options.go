package vkclient

import (
	"context"
	"time"
)

// Protocol selects the wire protocol version negotiated at handshake.
type Protocol int

const (
	// RESP3 negotiates HELLO 3 and exposes Map/Set/Push/Boolean/Double/
	// BigNumber/Null as distinct reply kinds. It is the default.
	RESP3 Protocol = iota
	// RESP2 skips HELLO and speaks the legacy protocol, where the extra
	// RESP3 kinds collapse onto Bulk/Array/Integer.
	RESP2
)

// ReadFrom selects which node class read-only commands are routed to in
// cluster mode. Write commands always target the primary regardless of
// this setting.
type ReadFrom int

const (
	// ReadFromPrimary routes every command to the slot's primary.
	ReadFromPrimary ReadFrom = iota
	// ReadFromPreferReplica round-robins reads over the slot's replicas and
	// falls back to the primary when the slot has no replicas. Replica
	// health is not consulted.
	ReadFromPreferReplica
)

// Decoder names a bulk-string decoding mode. The selected value is recorded
// on each inflight entry but is not applied: every API returns bulk strings
// as []byte regardless of the Decoder.
type Decoder int

const (
	// DecodeBytes names byte-slice decoding of bulk strings.
	DecodeBytes Decoder = iota
	// DecodeText names text decoding of bulk strings; replies are still
	// returned as []byte.
	DecodeText
)

const (
	// DefaultRequestTimeout is applied to every request unless overridden.
	DefaultRequestTimeout = 250 * time.Millisecond
	// DefaultConnectTimeout bounds the handshake on a fresh dial.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultPingInterval is the idle keep-alive cadence; zero disables it.
	DefaultPingInterval = 30 * time.Second
	// DefaultIdleTimeout is the default idle-timeout setting. The value is
	// stored in Config but not read; idle connections are not recycled.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultReconnectFast is the first retry interval after a connection
	// loss. Reconnect backoff doubles from Fast up to Steady.
	DefaultReconnectFast = 50 * time.Millisecond
	// DefaultReconnectSteady is the steady-state reconnect interval ceiling.
	DefaultReconnectSteady = 5 * time.Second

	// DefaultMaxRedirections bounds MOVED/ASK retries per request.
	DefaultMaxRedirections = 3
	// DefaultTopologyRefreshInterval is the periodic cluster slot-map
	// refresh cadence.
	DefaultTopologyRefreshInterval = 30 * time.Second
	// DefaultMovedRefreshThreshold is the count of accumulated MOVED
	// redirections within DefaultMovedRefreshWindow that triggers an
	// out-of-band topology refresh.
	DefaultMovedRefreshThreshold = 5
	// DefaultMovedRefreshWindow is the sliding window over which MOVED
	// redirections accumulate toward DefaultMovedRefreshThreshold.
	DefaultMovedRefreshWindow = 1 * time.Second

	// DefaultPubSubQueueDepth bounds the pull-mode pub/sub queue. Beyond
	// this depth the oldest message is dropped and a warning is logged.
	DefaultPubSubQueueDepth = 1024
)

// Credentials authenticates the handshake's AUTH step.
type Credentials struct {
	Username string
	Password string
}

// Address is a host/port seed. Cluster mode may be seeded with any subset
// of live nodes; standalone mode uses exactly one.
type Address struct {
	Host string
	Port int
}

// PubSubSubscriptions configures subscriptions applied at handshake time
// and reapplied verbatim on every reconnect.
type PubSubSubscriptions struct {
	ExactChannels   []string
	PatternChannels []string
	ShardChannels   []string

	// Callback, if set, receives messages synchronously from the read
	// loop. If nil, messages are enqueued for Pull/Poll.
	Callback func(ctx context.Context, msg PubSubMessage)
	Context  context.Context
}

// Option defines a functional option for NewClient.
type Option func(*Config)

// Config holds validated client construction settings. Zero value is never
// used directly; build one with applyConfig via NewClient.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	addresses []Address
	useTLS    bool

	credentials *Credentials

	requestTimeout time.Duration
	connectTimeout time.Duration
	pingInterval   time.Duration
	idleTimeout    time.Duration

	reconnectFast   time.Duration
	reconnectSteady time.Duration

	readFrom ReadFrom
	protocol Protocol
	decoder  Decoder

	clientName string

	pubsub *PubSubSubscriptions

	clusterMode bool

	maxRedirections          int
	topologyRefreshInterval  time.Duration
	movedRefreshThreshold    int
	movedRefreshWindow       time.Duration
	pubsubQueueDepth         int

	logger  Logger
	metrics Metrics
}

// Validate checks that the configuration is sane before any I/O occurs,
// returning a KindConfiguration error describing the first problem found.
func (c *Config) Validate() error {
	if len(c.addresses) == 0 {
		return newConfigError("at least one address is required")
	}
	if c.pubsub != nil && c.protocol != RESP3 {
		return newConfigError("pubsub-subscriptions requires protocol resp3")
	}
	if c.pubsub != nil && len(c.pubsub.ShardChannels) > 0 && !c.clusterMode {
		return newConfigError("shard-channels require cluster-mode")
	}
	if c.requestTimeout < 0 {
		return newConfigError("request-timeout must not be negative")
	}
	return nil
}

func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:                     ctx,
		cancel:                  cancel,
		requestTimeout:          DefaultRequestTimeout,
		connectTimeout:          DefaultConnectTimeout,
		pingInterval:            DefaultPingInterval,
		idleTimeout:             DefaultIdleTimeout,
		reconnectFast:           DefaultReconnectFast,
		reconnectSteady:         DefaultReconnectSteady,
		readFrom:                ReadFromPrimary,
		protocol:                RESP3,
		decoder:                 DecodeBytes,
		maxRedirections:         DefaultMaxRedirections,
		topologyRefreshInterval: DefaultTopologyRefreshInterval,
		movedRefreshThreshold:   DefaultMovedRefreshThreshold,
		movedRefreshWindow:      DefaultMovedRefreshWindow,
		pubsubQueueDepth:        DefaultPubSubQueueDepth,
		logger:                  defaultLogger(),
		metrics:                 NewDefaultMetrics(),
	}
}

// applyConfig builds a runtime config by applying the given options on top
// of library defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithAddresses sets the seed addresses. Required.
func WithAddresses(addrs ...Address) Option {
	return func(c *Config) {
		c.addresses = addrs
	}
}

// WithTLS selects plain vs TLS transport. The TLS client config is built
// internally with the node host as ServerName; no option exposes further
// *tls.Config settings.
func WithTLS(enabled bool) Option {
	return func(c *Config) { c.useTLS = enabled }
}

// WithCredentials sets the AUTH username/password sent during handshake.
func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.credentials = &Credentials{Username: username, Password: password}
	}
}

// WithRequestTimeout sets the default per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.requestTimeout = d }
}

// WithConnectTimeout bounds how long a fresh dial waits for handshake
// completion.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithPing sets the keep-alive heartbeat cadence. Zero disables it.
func WithPing(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithIdleTimeout stores an idle-timeout value in Config. The value is not
// read; idle connections are not recycled.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithReconnectBackoff sets the exponential backoff range used between
// reconnect attempts after a connection failure.
func WithReconnectBackoff(fast, steady time.Duration) Option {
	return func(c *Config) {
		if fast > 0 {
			c.reconnectFast = fast
		}
		if steady >= fast {
			c.reconnectSteady = steady
		}
	}
}

// WithReadFrom selects the read routing policy in cluster mode.
func WithReadFrom(rf ReadFrom) Option {
	return func(c *Config) { c.readFrom = rf }
}

// WithProtocol selects RESP2 or RESP3. Default is RESP3.
func WithProtocol(p Protocol) Option {
	return func(c *Config) { c.protocol = p }
}

// WithDefaultDecoder records the Decoder passed with each request. The
// decoder is not applied; bulk strings are returned as []byte.
func WithDefaultDecoder(d Decoder) Option {
	return func(c *Config) { c.decoder = d }
}

// WithClientName sets CLIENT SETNAME at handshake.
func WithClientName(name string) Option {
	return func(c *Config) { c.clientName = name }
}

// WithPubSubSubscriptions configures subscriptions applied at handshake and
// reapplied verbatim on every reconnect. Requires RESP3.
func WithPubSubSubscriptions(s PubSubSubscriptions) Option {
	return func(c *Config) { c.pubsub = &s }
}

// WithClusterMode selects the cluster Router policy (slot-hashed routing,
// MOVED/ASK handling, topology refresh) instead of the standalone policy.
func WithClusterMode(enabled bool) Option {
	return func(c *Config) { c.clusterMode = enabled }
}

// WithMaxRedirections bounds MOVED/ASK retries per request.
func WithMaxRedirections(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxRedirections = n
		}
	}
}

// WithTopologyRefreshInterval sets the periodic cluster slot-map refresh
// cadence.
func WithTopologyRefreshInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.topologyRefreshInterval = d
		}
	}
}

// WithPubSubQueueDepth bounds the pull-mode pub/sub queue depth. Beyond
// this the oldest message is dropped and a warning is logged.
func WithPubSubQueueDepth(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.pubsubQueueDepth = n
		}
	}
}

// WithContext sets the base context for all I/O initiated by the client.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithLogger sets a custom logger. If not provided, a logrus-backed default
// is used.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets a custom metrics implementation. If not provided, a
// default implementation with atomic counters is used.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}
