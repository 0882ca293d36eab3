// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the TFTP server and its HTTP cache.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or going out of the system: sessions, blocks, bytes.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"fmt"
	"log"
	"math"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionCount counts TFTP sessions started, by direction (rrq/wrq)
	// and outcome (ok/error/timeout/rejected).
	//
	// Provides metrics:
	//   tftpd_session_count{direction, status}
	// Example usage:
	//   metrics.SessionCount.WithLabelValues("rrq", "ok").Inc()
	SessionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_session_count",
			Help: "Number of TFTP sessions handled, by direction and outcome.",
		},
		[]string{"direction", "status"},
	)

	// ActiveSessions tracks how many sessions are in flight right now.
	//
	// Provides metrics:
	//   tftpd_active_sessions{direction}
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tftpd_active_sessions",
			Help: "Number of TFTP sessions currently in progress.",
		},
		[]string{"direction"},
	)

	// RetransmitCount counts window retransmissions: it goes up by one
	// each time a window is sent again, in part after a partial ACK or in
	// full after a timeout, whatever the number of blocks in it.
	//
	// Provides metrics:
	//   tftpd_retransmit_count{direction}
	RetransmitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_retransmit_count",
			Help: "Number of window retransmissions.",
		},
		[]string{"direction"},
	)

	// WastedBytes sums the bytes of blocks sent again — the unacknowledged
	// part of a window re-sent after a partial ACK, or a whole window
	// re-sent after a timeout.
	//
	// Provides metrics:
	//   tftpd_wasted_bytes_total{direction}
	WastedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_wasted_bytes_total",
			Help: "Bytes transmitted that later proved unnecessary.",
		},
		[]string{"direction"},
	)

	// TimeoutCount counts session-level ACK/DATA timeouts.
	//
	// Provides metrics:
	//   tftpd_timeout_count{direction}
	TimeoutCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_timeout_count",
			Help: "Number of session timeouts waiting for a peer response.",
		},
		[]string{"direction"},
	)

	// TransferSizeHistogram provides a histogram of completed transfer
	// sizes, in bytes.
	//
	// Provides metrics:
	//   tftpd_transfer_size_bytes_bucket{direction, le}
	TransferSizeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tftpd_transfer_size_bytes",
			Help: "Size distribution of completed transfers.",
			Buckets: []float64{
				1000, 10000, 100000, 1000000, 10000000,
				100000000, 1000000000, math.Inf(+1),
			},
		},
		[]string{"direction"},
	)

	// SessionDurationHistogram provides a histogram of session wall-clock
	// durations.
	//
	// Provides metrics:
	//   tftpd_session_duration_seconds_bucket{direction, status, le}
	SessionDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tftpd_session_duration_seconds",
			Help: "Session duration distributions.",
			Buckets: []float64{
				0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, math.Inf(+1),
			},
		},
		[]string{"direction", "status"},
	)

	// AdmissionRejectCount counts requests refused because the admission
	// bucket was empty.
	//
	// Provides metrics:
	//   tftpd_admission_reject_count
	AdmissionRejectCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tftpd_admission_reject_count",
			Help: "Number of requests rejected by the admission bucket.",
		},
	)

	// CacheStateTransitionCount counts cache entry state-machine
	// transitions, by the state reached.
	//
	// Provides metrics:
	//   tftpd_cache_state_transition_count{state}
	CacheStateTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_cache_state_transition_count",
			Help: "Number of cache entry transitions, by state reached.",
		},
		[]string{"state"},
	)

	// CacheEntryCount tracks how many entries the cache registry holds
	// right now.
	//
	// Provides metrics:
	//   tftpd_cache_entry_count
	CacheEntryCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tftpd_cache_entry_count",
			Help: "Number of entries currently held in the cache registry.",
		},
	)

	// CacheGCCount counts background GC sweep outcomes.
	//
	// Provides metrics:
	//   tftpd_cache_gc_count{reason}
	CacheGCCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_cache_gc_count",
			Help: "Number of cache entries evicted by the GC sweep, by reason.",
		},
		[]string{"reason"},
	)

	// OriginFetchHistogram provides a histogram of origin HTTP fetch
	// latencies.
	//
	// Provides metrics:
	//   tftpd_origin_fetch_seconds_bucket{status, le}
	OriginFetchHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tftpd_origin_fetch_seconds",
			Help: "Latency of HTTP(S) origin fetches.",
			Buckets: []float64{
				0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, math.Inf(+1),
			},
		},
		[]string{"status"},
	)

	// PanicCount counts the number of panics encountered in the server.
	//
	// Provides metrics:
	//   tftpd_panic_count{source}
	// Example usage:
	//   metrics.PanicCount.WithLabelValues("session").Inc()
	PanicCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tftpd_panic_count",
			Help: "Number of panics encountered.",
		},
		[]string{"source"},
	)
)

// PanicToErr captures panics and converts them to errors, so one
// malformed session can't take the whole server down. It must be
// wrapped in a defer.
// Example:
//
//	func handle() (err error) {
//	    defer func() {
//	        err = metrics.PanicToErr(err, recover(), "session")
//	    }()
//	    ...
//	}
func PanicToErr(err error, r interface{}, tag string) error {
	if r != nil {
		var ok bool
		err, ok = r.(error)
		if !ok {
			err = fmt.Errorf("pkg: %v", r)
		}
		log.Println("Recovered from panic:", err)
		PanicCount.WithLabelValues(tag).Inc()
		debug.PrintStack()
	}
	return err
}
