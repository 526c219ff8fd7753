// Package main provides a command-line lobby participant.
//
// It joins a session with a fixed roster, learns peer addresses from the
// host, keeps trying to reach every peer directly and prints the application
// messages it receives. It is useful for exercising NAT setups by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet"
	"github.com/opd-ai/lobbynet/config"
	"github.com/opd-ai/lobbynet/peer"
	"github.com/opd-ai/lobbynet/transport"
)

// CLI configuration
type CLIConfig struct {
	configPath  string
	id          int
	name        string
	peers       string
	addresses   stringList
	puncher     string
	stun        stringList
	tcpPort     uint
	udpPort     uint
	logLevel    string
	metrics     bool
	discover    bool
	say         string
	sayInterval time.Duration
	status      time.Duration
	help        bool
}

// stringList collects the values of a repeatable flag.
type stringList []string

func (a *stringList) String() string { return strings.Join(*a, ",") }

func (a *stringList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.configPath, "config", "", "YAML configuration file")
	fs.IntVar(&cfg.id, "id", -1, "Peer id of this process (0 is the host)")
	fs.StringVar(&cfg.name, "name", "", "Name of this process (default: peer<id>)")
	fs.StringVar(&cfg.peers, "peers", "", "Session roster as id=name pairs, e.g. 0=host,1=alice,2=bob")
	fs.Var(&cfg.addresses, "addr", "Known peer address as id=udp://ip:port (repeatable)")
	fs.StringVar(&cfg.puncher, "puncher", "", "Externally visible endpoint of this process, ip:port")
	fs.Var(&cfg.stun, "stun", "STUN server host:port used to learn the external endpoint (repeatable)")

	fs.UintVar(&cfg.tcpPort, "tcp-port", 0, "TCP listen port (default: from config)")
	fs.UintVar(&cfg.udpPort, "udp-port", 0, "UDP listen port (default: from config)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "Serve Prometheus metrics")
	fs.BoolVar(&cfg.discover, "discover", true, "Announce the addresses of local interfaces")

	fs.StringVar(&cfg.say, "say", "", "Message to broadcast periodically")
	fs.DurationVar(&cfg.sayInterval, "say-interval", 5*time.Second, "Interval between broadcasts")
	fs.DurationVar(&cfg.status, "status-interval", 10*time.Second, "Interval between roster status lines (0 disables)")

	fs.BoolVar(&cfg.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cfg *CLIConfig) error {
	if cfg.id < 0 {
		return fmt.Errorf("peer id must be set and >= 0")
	}
	if cfg.tcpPort > 65535 || cfg.udpPort > 65535 {
		return fmt.Errorf("invalid port: must be between 1 and 65535")
	}
	if cfg.say != "" && cfg.sayInterval <= 0 {
		return fmt.Errorf("say interval must be positive")
	}
	if cfg.puncher != "" {
		if _, err := netip.ParseAddrPort(cfg.puncher); err != nil {
			return fmt.Errorf("invalid puncher endpoint: %w", err)
		}
	}
	return nil
}

// parsePeers parses "0=host,1=alice" into descriptors. Id 0 is the host and
// every remote peer is waited for.
func parsePeers(s string, self int32) ([]peer.Descriptor, error) {
	var out []peer.Descriptor
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, item := range strings.Split(s, ",") {
		idText, name, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=name", item)
		}
		id, err := strconv.ParseInt(idText, 10, 32)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid peer id %q", idText)
		}
		out = append(out, peer.Descriptor{
			ID:        int32(id),
			Name:      name,
			IsHost:    id == int64(peer.HostID),
			WaitedFor: int32(id) != self,
			Activated: true,
		})
	}
	return out, nil
}

// parsePeerAddress parses "2=udp://198.51.100.2:11113".
func parsePeerAddress(s string) (int32, transport.Address, error) {
	idText, addrText, ok := strings.Cut(s, "=")
	if !ok {
		return 0, transport.Address{}, fmt.Errorf("invalid address %q: want id=proto://ip:port", s)
	}
	id, err := strconv.ParseInt(idText, 10, 32)
	if err != nil {
		return 0, transport.Address{}, fmt.Errorf("invalid peer id %q", idText)
	}
	addr, err := transport.ParseAddress(addrText)
	if err != nil {
		return 0, transport.Address{}, err
	}
	return int32(id), addr, nil
}

// buildConfig loads the file configuration and applies flag overrides.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return nil, err
	}
	if cli.tcpPort != 0 {
		cfg.Network.TCPPort = uint16(cli.tcpPort)
	}
	if cli.udpPort != 0 {
		cfg.Network.UDPPort = uint16(cli.udpPort)
	}
	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}
	if cli.metrics {
		cfg.Metrics.Enabled = true
	}
	cfg.Network.STUNServers = append(cfg.Network.STUNServers, cli.stun...)
	return cfg, cfg.Validate()
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"function": "setupSignalHandling",
			"signal":   sig,
		}).Info("Shutting down")
		cancel()
	}()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"address":  addr,
				"error":    err,
			}).Error("Metrics server failed")
		}
	}()
}

func run(ctx context.Context, cli *CLIConfig) error {
	cfg, err := buildConfig(cli)
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}

	self := int32(cli.id)
	name := cli.name
	if name == "" {
		name = fmt.Sprintf("peer%d", self)
	}
	roster, err := parsePeers(cli.peers, self)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	node, err := lobbynet.New(lobbynet.Options{
		Config:     cfg,
		Self:       peer.Descriptor{ID: self, Name: name, IsHost: self == peer.HostID},
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	if cfg.Metrics.Enabled {
		serveMetrics(ctx, cfg.Metrics.Address, reg)
	}

	node.OnMessage(func(from int32, payload []byte) {
		fmt.Printf("[%d] %s\n", from, payload)
	})
	if err := node.Start(); err != nil {
		return err
	}

	hasSelf := false
	for _, d := range roster {
		hasSelf = hasSelf || d.ID == self
		if err := node.Register(d); err != nil {
			return err
		}
	}
	if !hasSelf {
		if err := node.Register(peer.Descriptor{ID: self, Name: name, IsHost: self == peer.HostID}); err != nil {
			return err
		}
	}

	if cli.discover {
		if err := node.DiscoverLocalAddresses(); err != nil {
			return err
		}
	}
	if cli.puncher != "" {
		if err := node.AddAddressFromPuncher(netip.MustParseAddrPort(cli.puncher)); err != nil {
			return err
		}
	}
	if len(cfg.Network.STUNServers) > 0 {
		if _, err := node.DiscoverExternalEndpoint(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err,
			}).Warn("External endpoint discovery failed")
		}
	}
	for _, s := range cli.addresses {
		id, addr, err := parsePeerAddress(s)
		if err != nil {
			return err
		}
		if _, err := node.AddAddress(id, addr); err != nil {
			return err
		}
	}

	return loop(ctx, node, cli)
}

func loop(ctx context.Context, node *lobbynet.Node, cli *CLIConfig) error {
	var sayC, statusC <-chan time.Time
	if cli.say != "" {
		t := time.NewTicker(cli.sayInterval)
		defer t.Stop()
		sayC = t.C
	}
	if cli.status > 0 {
		t := time.NewTicker(cli.status)
		defer t.Stop()
		statusC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sayC:
			if _, err := node.Broadcast([]byte(cli.say), true); err != nil {
				return err
			}
		case <-statusC:
			peers, err := node.Peers()
			if err != nil {
				return err
			}
			for _, p := range peers {
				if p.IsLocal {
					continue
				}
				logrus.WithFields(logrus.Fields{
					"function":  "loop",
					"id":        p.ID,
					"name":      p.Name,
					"connected": p.Connected,
					"redundant": p.Redundant,
					"state":     p.State,
					"addresses": len(p.Addresses),
				}).Info("Peer status")
			}
		}
	}
}

// main is the entry point for the lobby node.
func main() {
	cli, err := parseCLIFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.help {
		fmt.Printf("Usage: %s -id N -peers 0=host,1=alice [options]\n\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(0)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if err := run(ctx, cli); err != nil {
		fmt.Fprintf(os.Stderr, "lobbynode: %v\n", err)
		os.Exit(1)
	}
}
