// Command meshnode runs one mesh node: it starts listening, optionally
// joins a bootstrap peer (given explicitly or found via LAN discovery),
// and logs membership changes until interrupted.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshnet-go/meshnet/mesh"
	"github.com/meshnet-go/meshnet/meshmetrics"
	"github.com/meshnet-go/meshnet/reactor"
	"github.com/meshnet-go/meshnet/transport"
)

const envPrefix = "MESHNODE"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "meshnode",
		Short: "Run a peer-to-peer mesh node",
		Long: `meshnode starts one node of a serverless mesh. The first node just
listens; every later node joins any existing member, learns its peer id
from the join handshake, and discovers the rest of the mesh through
peer advertisements.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			v.SetEnvPrefix(envPrefix)
			v.AutomaticEnv()
			if cfg := v.GetString("config"); cfg != "" {
				v.SetConfigFile(cfg)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfg, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "path to a config file (any format viper reads)")
	fs.Int("port", 7001, "TCP port the transport listens on")
	fs.String("name", defaultName(), "display name advertised to peers")
	fs.String("join", "", "bootstrap peer as host:port; empty starts a new mesh")
	fs.Bool("discover", false, "find a bootstrap peer via LAN multicast instead of --join")
	fs.Int("discover-port", 5670, "UDP port discovery announcements travel on")
	fs.Duration("join-timeout", 5*time.Second, "deadline for the join handshake")
	fs.Duration("advertise-interval", mesh.DefaultAdvertiseEvery, "how often to ping peers and re-advertise them")
	fs.Duration("peer-timeout", mesh.DefaultPeerTimeout, "silence after which a peer is evicted")
	fs.Duration("connect-timeout", mesh.DefaultConnectTimeout, "deadline for connecting to an advertised peer")
	fs.String("metrics-addr", "", "address to serve Prometheus metrics on; empty disables")
	fs.Bool("verbose", false, "log at debug level")

	return cmd
}

func run(v *viper.Viper) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if v.GetBool("verbose") {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	host, err := transport.NewZMQHost(logger)
	if err != nil {
		return err
	}

	r := reactor.New(host, reactor.WithLogger(logger))

	var collector *meshmetrics.Collector
	if addr := v.GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		collector = meshmetrics.New(reg)
		go serveMetrics(logger, addr, reg)
	}

	opts := []mesh.Option{
		mesh.WithLogger(logger),
		mesh.WithAdvertiseInterval(v.GetDuration("advertise-interval")),
		mesh.WithPeerTimeout(v.GetDuration("peer-timeout")),
		mesh.WithConnectTimeout(v.GetDuration("connect-timeout")),
	}
	if collector != nil {
		opts = append(opts, mesh.WithMetrics(collector))
	}
	m := mesh.New(r, opts...)

	m.OnPeerListChanged(func() {
		peers := m.Peers()
		level.Info(logger).Log("msg", "peer list changed", "count", len(peers))
		for _, p := range peers {
			level.Info(logger).Log("peer_id", p.PeerID, "name", p.DisplayName, "rtt", p.RTTMs)
		}
	})

	port := v.GetInt("port")
	name := v.GetString("name")
	if _, err := m.Start(port, name); err != nil {
		return err
	}
	go r.Run()
	level.Info(logger).Log("msg", "listening", "port", port, "name", name)

	beacon, err := startBeacon(v, port)
	if err != nil {
		m.Stop()
		return err
	}
	if beacon != nil {
		defer beacon.Close()
	}

	joinAddr, joinPort, err := resolveBootstrap(v, beacon, logger)
	if err != nil {
		m.Stop()
		return err
	}

	if joinAddr != "" {
		joined := make(chan error, 1)
		m.Join(joinAddr, joinPort, v.GetDuration("join-timeout"), func(err error) {
			joined <- err
		})
		if err := <-joined; err != nil {
			m.Stop()
			return fmt.Errorf("join %s:%d: %w", joinAddr, joinPort, err)
		}
		level.Info(logger).Log("msg", "joined", "bootstrap", joinAddr, "local_peer_id", m.LocalPeerID())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	level.Info(logger).Log("msg", "shutting down")
	m.Stop()
	return nil
}

// startBeacon publishes this node's announcement on the discovery group
// whenever discovery is enabled, and subscribes so resolveBootstrap can
// capture someone else's.
func startBeacon(v *viper.Viper, listenPort int) (*transport.Beacon, error) {
	if !v.GetBool("discover") {
		return nil, nil
	}

	b := transport.NewBeacon().
		SetPort(v.GetInt("discover-port")).
		SetInterval(time.Second)
	b.NoEcho()

	if err := b.Subscribe(transport.AnnouncementFilter()); err != nil {
		return nil, fmt.Errorf("discovery subscribe: %w", err)
	}
	if err := b.Publish(transport.EncodeAnnouncement(transport.Announcement{Port: uint16(listenPort)})); err != nil {
		b.Close()
		return nil, fmt.Errorf("discovery publish: %w", err)
	}
	return b, nil
}

// resolveBootstrap decides who to join: an explicit --join address wins,
// then the first captured discovery announcement, then nobody (this node
// starts a new mesh).
func resolveBootstrap(v *viper.Viper, beacon *transport.Beacon, logger log.Logger) (string, int, error) {
	if target := v.GetString("join"); target != "" {
		addr, portStr, err := net.SplitHostPort(target)
		if err != nil {
			return "", 0, fmt.Errorf("parse --join %q: %w", target, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("parse --join port %q: %w", portStr, err)
		}
		return addr, port, nil
	}

	if beacon == nil {
		return "", 0, nil
	}

	level.Info(logger).Log("msg", "waiting for a discovery announcement", "timeout", v.GetDuration("join-timeout"))
	select {
	case s, ok := <-beacon.Signals():
		if !ok {
			return "", 0, nil
		}
		ann, err := transport.DecodeAnnouncement(s.Transmit)
		if err != nil {
			return "", 0, nil
		}
		return s.Addr, int(ann.Port), nil
	case <-time.After(v.GetDuration("join-timeout")):
		level.Info(logger).Log("msg", "no announcement captured, starting a new mesh")
		return "", 0, nil
	}
}

func serveMetrics(logger log.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Error(logger).Log("msg", "metrics server stopped", "err", err)
	}
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		return "meshnode"
	}
	return host
}
