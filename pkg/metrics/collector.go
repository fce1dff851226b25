/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package metrics adapts the teacher's per-connection TCP_INFO collector
// (pkg/exporter.TCPInfoCollector) into an engine-level prometheus
// collector: engine domain counters plus, when TrackPeerConns is used,
// the same lazily-read-on-Collect pkg/tcpinfo gauges the teacher exposed
// per HTTP connection, here keyed by peer instead.
package metrics

import (
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
)

// Collector implements prometheus.Collector over one meshnet.Engine's
// domain counters (spec SPEC_FULL.md's DOMAIN STACK metrics addition).
// Callers drive it with the Inc*/Add* methods from the engine's event
// callbacks; PeerCount is polled lazily on every Collect, the same way
// the teacher's collector re-reads TCP_INFO lazily on every Collect
// rather than caching it.
type Collector struct {
	mu sync.Mutex

	peerCount func() int
	peerConns func() map[meshid.ID]net.Conn
	logger    func(error)

	peersDesc *prometheus.Desc
	rttDesc   *prometheus.Desc
	cwndDesc  *prometheus.Desc

	bytesSent             prometheus.Counter
	bytesReceived         prometheus.Counter
	messagesReceived      prometheus.Counter
	channelsEstablished   prometheus.Counter
	channelsClosed        prometheus.Counter
	downloadsComplete     prometheus.Counter
	downloadsInterrupted  prometheus.Counter
}

// NewCollector constructs a Collector. peerCount is polled on every
// Collect to report the live peer gauge; it may be nil, in which case
// the gauge always reports zero. errorLoggingCallback receives the errors
// Collect meets while reading per-peer TCP_INFO for the connections
// supplied through TrackPeerConns; peerCount has no way to report one.
func NewCollector(prefix string, constLabels prometheus.Labels, peerCount func() int, errorLoggingCallback func(error)) *Collector {
	if errorLoggingCallback == nil {
		errorLoggingCallback = func(error) {}
	}
	ns := prefix
	return &Collector{
		peerCount: peerCount,
		logger:    errorLoggingCallback,
		peersDesc: prometheus.NewDesc(ns+"_peers", "Number of currently credentialed mesh peers.", nil, constLabels),
		rttDesc:   prometheus.NewDesc(ns+"_peer_rtt_seconds", "TCP_INFO smoothed round-trip time to a connected peer.", []string{"peer"}, constLabels),
		cwndDesc:  prometheus.NewDesc(ns+"_peer_send_cwnd_segments", "TCP_INFO sender congestion window, in segments, to a connected peer.", []string{"peer"}, constLabels),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_bytes_sent_total", Help: "Application bytes enqueued for delivery.", ConstLabels: constLabels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_bytes_received_total", Help: "Application bytes delivered to the handler.", ConstLabels: constLabels,
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_messages_received_total", Help: "Application payloads delivered to data_received.", ConstLabels: constLabels,
		}),
		channelsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_channels_established_total", Help: "channel_established events fired.", ConstLabels: constLabels,
		}),
		channelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_channels_closed_total", Help: "channel_closed events fired.", ConstLabels: constLabels,
		}),
		downloadsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_downloads_complete_total", Help: "File transfers that completed successfully.", ConstLabels: constLabels,
		}),
		downloadsInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ns + "_downloads_interrupted_total", Help: "File transfers interrupted by channel loss or stop_file.", ConstLabels: constLabels,
		}),
	}
}

// TrackPeerConns registers a getter for the engine's live peer sockets,
// enabling the per-peer TCP_INFO gauges (RTT, congestion window). Without
// it, Collect emits only the engine-level counters and the peers gauge.
func (c *Collector) TrackPeerConns(getter func() map[meshid.ID]net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerConns = getter
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.peersDesc
	descs <- c.rttDesc
	descs <- c.cwndDesc
	descs <- c.bytesSent.Desc()
	descs <- c.bytesReceived.Desc()
	descs <- c.messagesReceived.Desc()
	descs <- c.channelsEstablished.Desc()
	descs <- c.channelsClosed.Desc()
	descs <- c.downloadsComplete.Desc()
	descs <- c.downloadsInterrupted.Desc()
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	peerCount := c.peerCount
	peerConns := c.peerConns
	c.mu.Unlock()

	n := 0
	if peerCount != nil {
		n = peerCount()
	}
	metrics <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(n))

	if peerConns != nil {
		for peer, conn := range peerConns() {
			info, err := peerTCPInfo(conn)
			if err != nil {
				c.logger(err)
				continue
			}
			label := peer.String()
			metrics <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, info.RTT.Seconds(), label)
			metrics <- prometheus.MustNewConstMetric(c.cwndDesc, prometheus.GaugeValue, float64(info.SenderWindowSegs), label)
		}
	}

	metrics <- c.bytesSent
	metrics <- c.bytesReceived
	metrics <- c.messagesReceived
	metrics <- c.channelsEstablished
	metrics <- c.channelsClosed
	metrics <- c.downloadsComplete
	metrics <- c.downloadsInterrupted
}

func (c *Collector) AddBytesSent(n int)     { c.bytesSent.Add(float64(n)) }
func (c *Collector) AddBytesReceived(n int) { c.bytesReceived.Add(float64(n)) }
func (c *Collector) IncMessageReceived()    { c.messagesReceived.Inc() }
func (c *Collector) IncChannelEstablished() { c.channelsEstablished.Inc() }
func (c *Collector) IncChannelClosed()      { c.channelsClosed.Inc() }
func (c *Collector) IncDownloadComplete()   { c.downloadsComplete.Inc() }
func (c *Collector) IncDownloadInterrupted() { c.downloadsInterrupted.Inc() }
