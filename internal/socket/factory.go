package socket

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/transport/v3/vnet"
)

// Factory is the real PacketSocketFactory: it dials through a vnet.Net
// (defaulting to native OS sockets, or an in-memory virtual network when
// the caller wants deterministic tests, mirroring the teacher's own
// client.Config.Net field) and produces UDP, TCP and SSLTCP
// AsyncPacketSockets.
type Factory struct {
	net           *vnet.Net
	loggerFactory logging.LoggerFactory
	rand          randutil.MathRandomGenerator
	maxRetries    int
}

// NewFactory builds a Factory. A nil net defaults to native OS networking
// (vnet.NewNet(nil)), exactly like the teacher's client package does when
// no virtual network is configured.
func NewFactory(n *vnet.Net, loggerFactory logging.LoggerFactory) *Factory {
	if n == nil {
		n, _ = vnet.NewNet(&vnet.NetConfig{})
	}
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Factory{
		net:           n,
		loggerFactory: loggerFactory,
		rand:          randutil.NewMathRandomGenerator(),
		maxRetries:    10,
	}
}

// CreateUDPSocket implements PacketSocketFactory. When minPort/maxPort
// bound a nonzero range it retries random ports in that range, the same
// policy the teacher's RelayAddressGeneratorPortRange uses for its own
// relay-side allocation.
func (f *Factory) CreateUDPSocket(bind net.IP, minPort, maxPort int) (AsyncPacketSocket, error) {
	addr := bind.String()
	if bind == nil {
		addr = "0.0.0.0"
	}

	if minPort == 0 && maxPort == 0 {
		pc, err := f.net.ListenPacket("udp4", fmt.Sprintf("%s:0", addr))
		if err != nil {
			return nil, err
		}
		return f.wrapUDP(pc)
	}

	if maxPort < minPort {
		return nil, fmt.Errorf("socket: invalid port range [%d, %d]", minPort, maxPort)
	}

	var lastErr error
	span := maxPort + 1 - minPort
	for try := 0; try < f.maxRetries; try++ {
		port := minPort + f.rand.Intn(span)
		pc, err := f.net.ListenPacket("udp4", fmt.Sprintf("%s:%d", addr, port))
		if err != nil {
			lastErr = err
			continue
		}
		return f.wrapUDP(pc)
	}
	return nil, fmt.Errorf("socket: exhausted %d retries in port range [%d, %d]: %w", f.maxRetries, minPort, maxPort, lastErr)
}

func (f *Factory) wrapUDP(pc net.PacketConn) (AsyncPacketSocket, error) {
	ipc, err := newIPv4PacketConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return newUDPSocket(ipc, f.loggerFactory.NewLogger("relay-socket")), nil
}

// CreateClientTCPSocket implements PacketSocketFactory: dials dest over
// TCP, optionally wrapping in TLS for SSLTCP, optionally through an
// HTTP(S) CONNECT proxy.
func (f *Factory) CreateClientTCPSocket(bind net.IP, dest net.Addr, proxy *ProxyConfig, userAgent string, useTLS bool) (AsyncPacketSocket, error) {
	logger := f.loggerFactory.NewLogger("relay-socket")
	return newTCPSocket(f.net, bind, dest, proxy, userAgent, useTLS, logger)
}

// dialThroughProxy performs an HTTP CONNECT handshake over an already
// dialled TCP connection to proxyAddr, targeting dest.
func dialThroughProxy(conn net.Conn, dest string, userAgent string) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: dest},
		Host:   dest,
		Header: make(http.Header),
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("socket: write CONNECT request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("socket: read CONNECT response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("socket: proxy CONNECT to %s failed: %s", dest, resp.Status)
	}
	return nil
}

// tlsClientConfig is the TLS configuration for the SSLTCP leg: the server
// certificate is verified against the system roots for serverName, and
// TLS 1.2 is the minimum version.
func tlsClientConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
}
