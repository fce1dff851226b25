package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/meshnet"
	"github.com/simeonmiteff/go-meshnet/pkg/metrics"
	"github.com/simeonmiteff/go-meshnet/pkg/mlog"
	"github.com/simeonmiteff/go-meshnet/pkg/transporter"
)

func main() {
	var (
		selfFlag       = flag.String("self", "", "this node's UUID (random if empty)")
		listenFlag     = flag.String("listen", ":4224", "TCP address for the channel listener")
		discoveryFlag  = flag.String("discovery-bind", ":4224", "UDP address for the beacon socket")
		targetsFlag    = flag.String("targets", "", "comma-separated UDP beacon targets (unicast, multicast, or broadcast)")
		transmitFlag   = flag.Duration("transmit-interval", time.Second, "beacon transmit interval")
		timeErrFlag    = flag.Duration("timestamp-error-limit", 2*time.Second, "max accepted peer clock skew delta")
		outboxFlag     = flag.String("outbox", "", "bbolt outbox path; enables the reliable-delivery overlay")
		downloadDirFlag = flag.String("download-dir", "", "enables the file-transfer sub-protocol, storing inbound files here")
		metricsFlag    = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	)
	flag.Parse()

	self := meshid.New()
	if *selfFlag != "" {
		var err error
		self, err = meshid.Parse(*selfFlag)
		if err != nil {
			logrus.Fatalf("meshnode: bad -self: %v", err)
		}
	}

	listenAddr, err := net.ResolveTCPAddr("tcp4", *listenFlag)
	if err != nil {
		logrus.Fatalf("meshnode: bad -listen: %v", err)
	}
	discoveryBind, err := net.ResolveUDPAddr("udp4", *discoveryFlag)
	if err != nil {
		logrus.Fatalf("meshnode: bad -discovery-bind: %v", err)
	}

	var targets []*net.UDPAddr
	for _, t := range strings.Split(*targetsFlag, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			logrus.Fatalf("meshnode: bad target %q: %v", t, err)
		}
		targets = append(targets, addr)
	}

	cfg := meshnet.Config{
		Self:                self,
		ListenAddr:          listenAddr,
		DiscoveryBindAddr:   discoveryBind,
		DiscoveryTargets:    targets,
		TransmitInterval:    *transmitFlag,
		TimestampErrorLimit: *timeErrFlag,
		OutboxPath:          *outboxFlag,
	}
	if *downloadDirFlag != "" {
		cfg.Transporter = &transporter.Config{DownloadDir: *downloadDirFlag}
	}

	var engine *meshnet.Engine
	if *metricsFlag != "" {
		hostname, _ := os.Hostname()
		peerCount := func() int {
			if engine == nil {
				return 0
			}
			return engine.PeerCount()
		}
		col := metrics.NewCollector("meshnode", prometheus.Labels{
			"self":     self.String(),
			"hostname": hostname,
		}, peerCount, func(err error) { logrus.Warnf("meshnode: metrics: %v", err) })
		cfg.Metrics = col
		prometheus.MustRegister(col)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: *metricsFlag, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Warnf("meshnode: metrics server: %v", err)
			}
		}()
	}

	log := mlog.New(nil)
	handler := meshnet.LoggingHandler{Log: log}

	engine, err = meshnet.New(cfg, handler, log)
	if err != nil {
		logrus.Fatalf("meshnode: %v", err)
	}
	defer engine.Close()

	logrus.Infof("meshnode: self=%s listen=%s discovery=%s", self, listenAddr, engine.DiscoveryAddr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := engine.Loop(ctx); err != nil && ctx.Err() == nil {
		logrus.Fatalf("meshnode: loop: %v", err)
	}
}
