package endpoint

import (
	"net"
	"time"

	"github.com/coreway/coap/internal/messagelayer"
)

// DefaultBlockCapacity and DefaultObserveCapacity are the LFU table sizes
// used when a Config leaves them at zero (§6 TRANSACTION_LIST_MAX_SIZE).
const (
	DefaultBlockCapacity   = 1024
	DefaultObserveCapacity = 1024
)

// DefaultResponseTimeout bounds how long a client call waits for its
// response, counted from when the request is sent; the retransmit backoff
// runs inside this window (§6 EXCHANGE_LIFETIME is the default).
const DefaultResponseTimeout = messagelayer.ExchangeLifetime

// DefaultSweepInterval is how often the driver reclaims TTL-expired
// entries from the Message Layer's tables (§4.6 "max-age sweeper").
const DefaultSweepInterval = 30 * time.Second

// Config configures an Endpoint. The zero value is a usable unicast,
// non-multicast client/server endpoint bound to an ephemeral port.
type Config struct {
	// Addr is the local UDP address to bind, e.g. ":5683". Empty binds
	// an ephemeral port (suitable for a client-only endpoint).
	Addr string

	// MulticastGroups, when non-empty, are additionally joined on their
	// own sockets (§4.6 "optionally with IPv4 multicast group 224.0.1.187
	// or IPv6 FF00::FD joined on a second socket").
	MulticastGroups []string

	// MulticastInterface selects the interface multicast groups are
	// joined on; nil lets the kernel choose.
	MulticastInterface *net.Interface

	Message          messagelayer.Config
	BlockCapacity    int
	ObserveCapacity  int
	ResponseTimeout  time.Duration
	SweepInterval    time.Duration
	MetricsNamespace string
}

func (c Config) withDefaults() Config {
	if c.BlockCapacity == 0 {
		c.BlockCapacity = DefaultBlockCapacity
	}
	if c.ObserveCapacity == 0 {
		c.ObserveCapacity = DefaultObserveCapacity
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "coap"
	}
	return c
}
