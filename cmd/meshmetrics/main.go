package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/meshnet"
	"github.com/simeonmiteff/go-meshnet/pkg/metrics"
)

// chatter is a pair of loopback meshnet engines that keep exchanging a
// message so meshmetrics has non-zero counters to show, the same role
// exporter_example1's hallucinate() conn played for pkg/exporter.
type chatter struct{ meshnet.NoopHandler }

func main() {
	addrFlag := flag.String("addr", ":18080", "address to serve /metrics on")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	a, b, err := startLoopbackPair()
	if err != nil {
		panic(err)
	}
	defer a.Close()
	defer b.Close()

	col := metrics.NewCollector("meshmetrics", prometheus.Labels{
		"app":      "meshmetrics",
		"hostname": hostname,
	}, a.PeerCount, func(err error) { fmt.Fprintln(os.Stderr, err) })
	prometheus.MustRegister(col)

	go chatterLoop(a, b)

	http.Handle("/metrics", promhttp.Handler())
	fmt.Printf("meshmetrics: serving /metrics on %s\n", *addrFlag)
	if err := http.ListenAndServe(*addrFlag, nil); err != nil {
		panic(err)
	}
}

func startLoopbackPair() (*meshnet.Engine, *meshnet.Engine, error) {
	idA, idB := meshid.New(), meshid.New()
	baseCfg := func(self meshid.ID) meshnet.Config {
		return meshnet.Config{
			Self:                self,
			ListenAddr:          &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
			DiscoveryBindAddr:   &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
			TransmitInterval:    20 * time.Millisecond,
			TimestampErrorLimit: 500 * time.Millisecond,
		}
	}

	a, err := meshnet.New(baseCfg(idA), chatter{}, nil)
	if err != nil {
		return nil, nil, err
	}
	b, err := meshnet.New(baseCfg(idB), chatter{}, nil)
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}

	a.AddDiscoveryTarget(b.DiscoveryAddr())
	b.AddDiscoveryTarget(a.DiscoveryAddr())

	go func() { _ = a.Loop(context.Background()) }()
	go func() { _ = b.Loop(context.Background()) }()

	return a, b, nil
}

func chatterLoop(a, b *meshnet.Engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		_, _ = a.Enqueue(b.Self(), []byte("ping"))
	}
}
