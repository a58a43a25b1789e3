// Command turnrelay-client manually exercises a relay.Port against a
// configured server list and logs every upward signal it fires.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oceanresque/turnrelay"
	core "github.com/oceanresque/turnrelay/internal/relay"
	"github.com/oceanresque/turnrelay/internal/relaymetrics"
	"github.com/oceanresque/turnrelay/internal/socket"
)

// the module's root package declares itself as package relay (spec.md's
// RelayPort façade), so the import above — whose path ends in
// "turnrelay" — is referred to as relay.* below, same as pion/turn/v3
// resolves to package turn.

// logHost is the minimal IceHost that just logs every signal; a real ICE
// stack would instead add candidates to its own pairing tables.
type logHost struct {
	log logging.LeveledLogger
}

func (h *logHost) AddLocalCandidate(pa core.ProtocolAddress) {
	h.log.Infof("local candidate ready: %s", pa)
}

func (h *logHost) SetRelatedAddress(pa core.ProtocolAddress) {
	h.log.Infof("related address: %s", pa)
}

func (h *logHost) OnConnectionReceived(data []byte, remote net.Addr, proto socket.Proto) {
	h.log.Infof("unhandled %s packet from %s (%d bytes)", proto, remote, len(data))
}

func (h *logHost) SignalConnectFailure(pa core.ProtocolAddress) {
	h.log.Warnf("connect failure: %s", pa)
}

func (h *logHost) SignalSoftTimeout(pa core.ProtocolAddress) {
	h.log.Warnf("soft timeout: %s", pa)
}

func (h *logHost) SignalAddressReady(p *relay.Port) {
	h.log.Infof("address-ready")
}

func main() {
	servers := flag.String("servers", "", "comma-separated server list, e.g. udp://turn.example.com:3478,tcp://turn.example.com:3478")
	username := flag.String("username", "", "ICE username fragment carried as USERNAME")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	if *servers == "" {
		log.Fatalf("'servers' is required")
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	logger := loggerFactory.NewLogger("turnrelay-client")

	reg := prometheus.NewRegistry()
	recorder := relaymetrics.NewRecorder(reg)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Warnf("metrics server exiting: %v", http.ListenAndServe(*metricsAddr, mux))
		}()
	}

	port := relay.NewPort(relay.Config{
		Username:      []byte(*username),
		LoggerFactory: loggerFactory,
		Metrics:       recorder,
	}, &logHost{log: logger})

	for _, s := range strings.Split(*servers, ",") {
		pa, err := parseServerAddr(s)
		if err != nil {
			log.Fatalf("invalid server address %q: %v", s, err)
		}
		port.AddServerAddress(pa)
	}

	port.PrepareAddress()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	port.Close()
}

func parseServerAddr(s string) (core.ProtocolAddress, error) {
	proto := socket.ProtoUDP
	switch {
	case strings.HasPrefix(s, "udp://"):
		s = strings.TrimPrefix(s, "udp://")
	case strings.HasPrefix(s, "tcp://"):
		proto = socket.ProtoTCP
		s = strings.TrimPrefix(s, "tcp://")
	case strings.HasPrefix(s, "ssltcp://"):
		proto = socket.ProtoSSLTCP
		s = strings.TrimPrefix(s, "ssltcp://")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return core.ProtocolAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return core.ProtocolAddress{}, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return core.ProtocolAddress{}, err
	}
	var ip net.IP
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		return core.ProtocolAddress{}, &net.AddrError{Err: "no IPv4 address found", Addr: host}
	}
	return core.ProtocolAddress{IP: ip, Port: port, Proto: proto}, nil
}
