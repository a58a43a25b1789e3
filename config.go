package relay

import (
	"net"

	"github.com/pion/logging"

	"github.com/oceanresque/turnrelay/internal/relaymetrics"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// Config bundles everything a Port needs beyond its server list, which is
// grown after construction via AddServerAddress.
type Config struct {
	// Username is the ICE ufrag carried as USERNAME on every outbound
	// Allocate and Send request.
	Username []byte

	// Proxy, when non-nil, is the HTTP(S) proxy every TCP/SSLTCP leg
	// dials through instead of connecting directly. A nil Proxy, or one
	// with Proxy.HTTPS set, triggers the SSLTCP-promotion rule in
	// AddServerAddress.
	Proxy *socket.ProxyConfig

	// UserAgent is sent on the CONNECT request when Proxy is set.
	UserAgent string

	BindIP           net.IP
	MinPort, MaxPort int

	// SocketFactory creates real sockets; defaults to socket.NewFactory
	// over native OS networking when nil.
	SocketFactory socket.PacketSocketFactory

	LoggerFactory logging.LoggerFactory

	// Metrics records retry/failover/lock counters; nil disables
	// recording entirely.
	Metrics *relaymetrics.Recorder
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = socket.NewFactory(nil, cfg.LoggerFactory)
	}
	return &cfg
}
