package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of live viewer sessions per credential.
// This metric is a gauge, rising on acquisition and falling on release or
// heartbeat-timeout reclamation.
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamgate_active_sessions",
	Help: "Number of live viewer sessions",
}, []string{"credential"})

// CapacityRejections counts admission attempts rejected because every eligible
// credential was at its connection limit.
var CapacityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_capacity_rejections",
	Help: "Number of acquisitions rejected for exhausted capacity",
}, []string{"channel"})

// ManifestFetches counts upstream manifest fetches per channel. The "result"
// label distinguishes cache hits from upstream refreshes so the deduplication
// ratio is visible.
var ManifestFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_manifest_fetches",
	Help: "Manifest requests by cache outcome",
}, []string{"channel", "result"})

// FailoverAttempts counts backup-channel attempts per primary channel.
// The "result" label records whether the attempt succeeded.
var FailoverAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_failover_attempts",
	Help: "Number of failover attempts to backup channels",
}, []string{"channel", "result"})

// SegmentErrors counts segment proxy failures per channel. The "error_type"
// label categorizes timeouts, upstream status errors, and expired origins.
var SegmentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_segment_errors",
	Help: "Number of segment proxy errors",
}, []string{"channel", "error_type"})

// BytesTransferred tracks total segment bytes moved per channel. The
// "direction" label separates upstream fetch volume from downstream delivery.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"channel", "direction"})

// TokensIssued counts access tokens handed out to clients that cannot hold a
// cookie session.
var TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamgate_tokens_issued",
	Help: "Number of access tokens issued",
})
