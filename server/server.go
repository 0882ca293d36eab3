// Package server implements the top-level UDP accept loop (spec.md §4.9):
// one well-known socket receiving RRQ/WRQ datagrams, an admission bucket
// gating concurrency, and one goroutine per accepted request running its
// own Session against a freshly bound ephemeral socket. Grounded on the
// original source's main.rs (run_tftpd_loop, handle_request) and on
// cmd/etl_worker/etl_worker.go's throttle-then-dispatch main loop.
package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/m-lab/tftpd/admission"
	"github.com/m-lab/tftpd/fetcher"
	"github.com/m-lab/tftpd/metrics"
	"github.com/m-lab/tftpd/session"
	"github.com/m-lab/tftpd/tftp"
	"github.com/m-lab/tftpd/udpsock"
)

// Config carries everything a Server needs beyond the listening socket
// itself: the per-session limits (passed straight through to every
// session.Session it creates), the admission ceiling, and the Fetcher
// Builder RRQs are served from.
type Config struct {
	MaxConnections int
	Session        session.Config
	Fetcher        *fetcher.Builder
}

// Server owns the well-known listening socket and the admission bucket
// shared by every concurrent session.
type Server struct {
	sock   *udpsock.Socket
	cfg    Config
	bucket *admission.Bucket
	nextID uint64
}

// New wraps an already-bound listening socket (typically from
// udpsock.Listen or a systemd-activated file descriptor) into a Server.
func New(sock *udpsock.Socket, cfg Config) *Server {
	return &Server{
		sock:   sock,
		cfg:    cfg,
		bucket: admission.NewBucket(cfg.MaxConnections),
	}
}

// Run drives the accept loop until ctx is canceled or a fatal socket
// error occurs. Each accepted datagram is dispatched to its own
// goroutine immediately, matching the original's tokio::task::spawn per
// request — the loop itself never blocks on a session's transfer. Since
// ReadFrom has no ctx-aware variant, a watcher goroutine closes the
// listening socket on cancellation to unblock it, the standard Go
// substitute for select!{}-style cancellation.
func (srv *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			srv.sock.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 1500)

	for {
		info, err := srv.sock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		req := make([]byte, info.Size)
		copy(req, buf[:info.Size])

		id := atomic.AddUint64(&srv.nextID, 1)
		go srv.handleRequest(id, info, req)
	}
}

// handleRequest mirrors handle_request in the original source: create a
// session bound to the request's local/remote pair, admit or reject it,
// run it, and log the outcome with the same fields the original attaches
// to its tracing Span.
func (srv *Server) handleRequest(id uint64, info udpsock.RecvInfo, req []byte) {
	start := time.Now()

	sess, err := session.New(info.Local, info.Remote, srv.cfg.Session)
	if err != nil {
		log.WithError(err).WithField("conn", id).Warn("server: failed to create session")
		return
	}
	defer sess.Close()

	direction := requestDirection(req)
	metrics.ActiveSessions.WithLabelValues(direction).Inc()
	defer metrics.ActiveSessions.WithLabelValues(direction).Dec()

	guard := srv.bucket.Acquire()
	defer guard.Release()

	var stats *tftp.Stats
	if !guard.OK() {
		metrics.AdmissionRejectCount.Inc()
		err = sess.DoReject()
	} else {
		stats, err = sess.Run(req, srv.cfg.Fetcher)
	}

	duration := time.Since(start)
	status := outcomeLabel(err)
	metrics.SessionCount.WithLabelValues(direction, status).Inc()
	metrics.SessionDurationHistogram.WithLabelValues(direction, status).Observe(duration.Seconds())

	if err != nil {
		log.WithError(err).WithField("conn", id).Error("server: request failed")
		return
	}

	metrics.TransferSizeHistogram.WithLabelValues(direction).Observe(float64(stats.Xmitsz))
	log.WithFields(log.Fields{
		"conn":     id,
		"duration": duration,
	}).Info(stats.String())
}

// requestDirection inspects the opening datagram's opcode for metrics
// labeling only; session.Run performs its own, authoritative parse.
func requestDirection(req []byte) string {
	dg, err := tftp.Parse(req)
	if err != nil {
		return "unknown"
	}
	switch dg.(type) {
	case tftp.ReadDatagram:
		return "rrq"
	case tftp.WriteDatagram:
		return "wrq"
	default:
		return "unknown"
	}
}

func outcomeLabel(err error) string {
	var tooMany *tftp.TooMuchClientsError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tftp.ErrTimeout):
		return "timeout"
	case errors.As(err, &tooMany):
		return "rejected"
	default:
		return "error"
	}
}
