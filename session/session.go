// Package session implements the per-client TFTP state machine
// (spec.md §4.5): option negotiation, windowed DATA transmission, the
// ACK/retry loop, and the write-request variants. It sits between the
// wire codec in package tftp and the sliding-window buffer in package
// xfer, which is why it lives in its own package rather than inside
// tftp — xfer imports tftp for SequenceID and ProtocolError, so folding
// the session loop into tftp would require tftp to import xfer back, an
// import cycle.
package session

import (
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/m-lab/tftpd/fetcher"
	"github.com/m-lab/tftpd/logging"
	"github.com/m-lab/tftpd/metrics"
	"github.com/m-lab/tftpd/tftp"
	"github.com/m-lab/tftpd/udpsock"
	"github.com/m-lab/tftpd/xfer"
)

const (
	// retryCount is the fixed per-window retry budget (spec.md §4.5).
	retryCount = 5

	// genericPktSize is the receive buffer size for the replies an RRQ
	// session reads from its peer (ACK, ERROR, OACK-echo) and the initial
	// capacity of outgoing OACK and ERROR datagrams. WRQ DATA blocks are
	// read into a separate buffer of 4+blockSize bytes.
	genericPktSize = 512

	// fillWindowDeadline bounds each FillWindow call of an RRQ transfer
	// (spec.md §4.5, §5): a call that took longer ends the transfer with
	// ErrTimeout. A call that blocks is not interrupted; the check runs
	// when it returns.
	fillWindowDeadline = 300 * time.Second
)

// Config carries the server-wide limits and feature switches a Session
// applies while negotiating with a client, translated directly from the
// CLI flags in spec.md §6.
type Config struct {
	MaxBlockSize  uint16
	MaxWindowSize uint16
	Timeout       time.Duration
	NoRFC2347     bool
	WrqDevnull    bool
}

// Session is bound to exactly one client: its own ephemeral UDP socket
// (bound to the local address the triggering request arrived on, per
// spec.md §4.9) and the one remote peer address it will reply to.
type Session struct {
	sock   *udpsock.Socket
	remote *net.UDPAddr
	cfg    Config

	blockSize  uint16
	windowSize uint16
	timeout    time.Duration
}

// New opens a fresh ephemeral socket bound to local and constructs a
// Session that will only exchange datagrams with remote.
func New(local net.IP, remote *net.UDPAddr, cfg Config) (*Session, error) {
	sock, err := udpsock.Bind(local)
	if err != nil {
		return nil, err
	}

	return &Session{
		sock:       sock,
		remote:     remote,
		cfg:        cfg,
		blockSize:  512,
		windowSize: 1,
		timeout:    cfg.Timeout,
	}, nil
}

// Close releases the session's ephemeral socket.
func (s *Session) Close() error {
	return s.sock.Close()
}

// LocalAddr returns the address this session replies from.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.sock.LocalAddr()
}

func (s *Session) send(msg []byte) error {
	return s.sock.SendTo(msg, s.remote)
}

func sameRemote(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}

// recv waits up to the session's current timeout for a datagram from
// the expected remote peer, silently discarding anything from anyone
// else (a stray packet from an unrelated sender on the same port range
// should not derail an established session).
func (s *Session) recv(buf []byte) (tftp.Datagram, error) {
	if err := s.sock.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, err
	}

	for {
		info, err := s.sock.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, tftp.ErrTimeout
			}
			return nil, err
		}

		if !sameRemote(info.Remote, s.remote) {
			log.WithField("from", info.Remote).Debug("session: ignoring datagram from unexpected peer")
			continue
		}

		return tftp.Parse(buf[:info.Size])
	}
}

func (s *Session) sendDatagram(seq tftp.SequenceID, payload []byte) error {
	return s.send(tftp.EncodeData(make([]byte, 0, 4+len(payload)), seq, payload))
}

func (s *Session) sendAck(seq tftp.SequenceID) error {
	return s.send(tftp.EncodeAck(make([]byte, 0, 4), seq))
}

func (s *Session) sendOack(oack *tftp.Oack) error {
	return s.send(oack.FillBuf(make([]byte, 0, genericPktSize)))
}

// errorMessage derives the diagnostic text that rides along with an
// ERROR datagram, matching the original source's send_err match arms
// (spec.md §4.5): request-malformation errors echo their own message,
// TooMuchClients has a fixed message, and everything else (including
// FileMissing) carries no message body beyond the mandatory terminator.
func errorMessage(err error) string {
	var tooMany *tftp.TooMuchClientsError
	if errors.As(err, &tooMany) {
		return "too much clients"
	}

	var fileMissing *tftp.FileMissingError
	if errors.As(err, &fileMissing) {
		return ""
	}

	if tftp.Code(err) == 4 {
		return err.Error()
	}

	return ""
}

// sendErr reports err to the peer as a TFTP ERROR datagram, mapped via
// tftp.Code per spec.md §7's propagation policy.
func (s *Session) sendErr(err error) error {
	log.WithError(err).Debug("session: sending error reply")
	return s.send(tftp.EncodeError(make([]byte, 0, genericPktSize), tftp.Code(err), errorMessage(err)))
}

func (s *Session) logRequest(req *tftp.Request, op string) {
	log.WithFields(logging.RequestFields(s.remote.String(), s.LocalAddr().String(), req.Filename(), op)).
		Debug("session: request")
}

// wrqOack narrows a WRQ's requested options down to this server's
// limits and sends the resulting OACK. Only a window size of 1 is
// supported for writes (spec.md §4.5 Non-goals on writable storage
// leave window negotiation moot; the devnull sink ACKs one DATA at a
// time).
func (s *Session) wrqOack(oack *tftp.Oack) error {
	oack.UpdateBlockSize(s.cfg.MaxBlockSize, func(v uint16) { s.blockSize = v })
	oack.UpdateWindowSize(1, func(v uint16) { s.windowSize = v })
	oack.UpdateTimeout(func(d time.Duration) { s.timeout = d })
	return s.sendOack(oack)
}

// rrqOack narrows an RRQ's requested options down to this server's
// limits, fills in tsize if the peer probed for it, sends the OACK, and
// waits for the client's ACK(0). Any other reply is a protocol error.
func (s *Session) rrqOack(oack *tftp.Oack, fileSize *uint64) error {
	oack.UpdateTsize(fileSize)
	oack.UpdateBlockSize(s.cfg.MaxBlockSize, func(v uint16) { s.blockSize = v })
	oack.UpdateWindowSize(s.cfg.MaxWindowSize, func(v uint16) { s.windowSize = v })
	oack.UpdateTimeout(func(d time.Duration) { s.timeout = d })

	if err := s.sendOack(oack); err != nil {
		return err
	}

	buf := make([]byte, genericPktSize)
	dg, err := s.recv(buf)
	if err != nil {
		return err
	}

	ack, ok := dg.(tftp.AckDatagram)
	switch {
	case ok && ack.Block.AsUint16() == 0:
		return nil
	case ok:
		log.WithField("block", ack.Block).Warn("session: ACK of OACK with invalid id")
		return tftp.ErrBadAck
	default:
		return &tftp.ProtocolError{Reason: "bad response to OACK"}
	}
}

// Run parses reqBytes as the opening RRQ/WRQ datagram and dispatches to
// the appropriate state machine, sending an ERROR reply itself on any
// rejection (spec.md §4.5's top-level `run`).
func (s *Session) Run(reqBytes []byte, fb *fetcher.Builder) (*tftp.Stats, error) {
	dg, err := tftp.Parse(reqBytes)
	if err != nil {
		s.sendErr(err)
		return nil, err
	}

	switch d := dg.(type) {
	case tftp.WriteDatagram:
		if err := validateMode(d.Request); err != nil {
			s.sendErr(err)
			return nil, err
		}
		if s.cfg.WrqDevnull {
			return s.RunWRQDevnull(d.Request)
		}
		return s.RunWRQ(d.Request)

	case tftp.ReadDatagram:
		if err := validateMode(d.Request); err != nil {
			s.sendErr(err)
			return nil, err
		}
		return s.RunRRQ(d.Request, fb)

	default:
		s.sendErr(tftp.ErrOperationUnsupported)
		return nil, tftp.ErrOperationUnsupported
	}
}

// validateMode rejects any transfer mode other than octet (spec.md
// §4.3): only octet is ever actually streamed by this session.
func validateMode(req *tftp.Request) error {
	if !req.Mode.IsOctet() {
		return tftp.ErrModeUnsupported
	}
	return nil
}

// DoReject sends a TooMuchClients error to a peer whose request arrived
// while the admission bucket was empty, and returns that error so the
// caller's accounting sees the rejection.
func (s *Session) DoReject() error {
	rejectErr := &tftp.TooMuchClientsError{}
	if err := s.sendErr(rejectErr); err != nil {
		return err
	}
	return rejectErr
}

// RunWRQ rejects a write request outright (spec.md §4.5's default WRQ
// behavior: write support is out of scope).
func (s *Session) RunWRQ(req *tftp.Request) (*tftp.Stats, error) {
	s.logRequest(req, "write")
	if err := s.sendErr(tftp.ErrWriteUnsupported); err != nil {
		return nil, err
	}
	return nil, tftp.ErrNotImplemented
}

// RunWRQDevnull accepts a write request and discards every byte,
// acknowledging each DATA block in turn, for test interop with clients
// that only know how to push files (spec.md §4.5(b)).
func (s *Session) RunWRQDevnull(req *tftp.Request) (*tftp.Stats, error) {
	s.logRequest(req, "write")

	stats := &tftp.Stats{
		Filename: req.Filename(),
		RemoteIP: s.remote.String(),
		LocalIP:  s.LocalAddr().String(),
	}

	if !s.cfg.NoRFC2347 && req.HasOptions() {
		if err := s.wrqOack(tftp.OackFromRequest(req)); err != nil {
			return stats, err
		}
	} else if err := s.sendAck(tftp.NewSequenceID(0)); err != nil {
		return stats, err
	}

	stats.WindowSize = s.windowSize
	stats.BlockSize = s.blockSize

	seq := tftp.NewSequenceID(1)
	buf := make([]byte, 4+int(s.blockSize))

	for {
		dg, err := s.recv(buf)
		if err != nil {
			return stats, err
		}

		switch d := dg.(type) {
		case tftp.DataDatagram:
			if d.Block != seq {
				log.WithFields(log.Fields{"got": d.Block, "want": seq}).
					Debug("session: DATA with unexpected sequence id; ignoring")
				continue
			}

			if err := s.sendAck(d.Block); err != nil {
				return stats, err
			}
			seq = seq.Add(1)
			stats.Xmitsz += uint64(len(d.Payload))

			if len(d.Payload) < int(s.blockSize) {
				stats.IsComplete = true
				return stats, nil
			}

		case tftp.ErrorDatagram:
			log.WithField("code", d.Code).Info("session: remote sent error during WRQ")
			return stats, nil

		default:
			return stats, &tftp.ProtocolError{Reason: "bad response to WRQ"}
		}
	}
}

// RunRRQ resolves req to a Fetcher via fb and streams it to the client
// (spec.md §4.5's RRQ streaming loop).
func (s *Session) RunRRQ(req *tftp.Request, fb *fetcher.Builder) (*tftp.Stats, error) {
	fetch, err := fb.Instantiate(req.Filename())
	if err != nil {
		s.sendErr(err)
		return nil, err
	}
	defer fetch.Close()

	if err := fetch.Open(); err != nil {
		s.sendErr(err)
		return nil, err
	}

	return s.runRRQ(req, fetch)
}

// runRRQ is RunRRQ's core, taking an already-open Fetcher so tests can
// drive it with a fake source instead of the filesystem/cache.
func (s *Session) runRRQ(req *tftp.Request, fetch fetcher.Fetcher) (*tftp.Stats, error) {
	s.logRequest(req, "read")

	stats := &tftp.Stats{
		Filename: req.Filename(),
		RemoteIP: s.remote.String(),
		LocalIP:  s.LocalAddr().String(),
	}

	var fileSize *uint64
	if sz, ok := fetch.Size(); ok {
		fileSize = &sz
		stats.FileSize = sz
	}

	if !s.cfg.NoRFC2347 && req.HasOptions() {
		if err := s.rrqOack(tftp.OackFromRequest(req), fileSize); err != nil {
			return stats, err
		}
	}

	stats.WindowSize = s.windowSize
	stats.BlockSize = s.blockSize

	win := xfer.NewTransferWindow(fetch, s.blockSize, s.windowSize)
	seq := tftp.NewSequenceID(1)
	retry := retryCount
	startup := true
	buf := make([]byte, genericPktSize)

	for {
		fillStart := time.Now()
		wasted, err := win.FillWindow(seq, fetch)
		if err != nil {
			return stats, err
		}
		if time.Since(fillStart) > fillWindowDeadline {
			return stats, tftp.ErrTimeout
		}
		if wasted > 0 {
			log.WithField("seq", seq).Debug("session: retransmitting window")
			stats.Retries++
			stats.WastedSz += uint64(wasted)
			metrics.RetransmitCount.WithLabelValues("rrq").Inc()
			metrics.WastedBytes.WithLabelValues("rrq").Add(float64(wasted))
		}

		if win.IsEOF() {
			stats.IsComplete = true
			return stats, nil
		}

		entries := win.Iter()
		sentBase := seq
		for _, e := range entries {
			stats.Xmitsz += uint64(len(e.Data))
			if err := s.sendDatagram(e.Seq, e.Data); err != nil {
				return stats, err
			}
		}

		dg, err := s.recv(buf)
		switch {
		case errors.Is(err, tftp.ErrTimeout) && retry > 0:
			log.WithField("seq", seq).Debug("session: timeout; resending window")
			retry--
			stats.NumTimeouts++
			metrics.TimeoutCount.WithLabelValues("rrq").Inc()
			continue
		case errors.Is(err, tftp.ErrTimeout):
			return stats, tftp.ErrTimeout
		case err != nil:
			return stats, err
		}

		switch d := dg.(type) {
		case tftp.AckDatagram:
			if startup {
				if got := d.Block.Add(1).Delta(sentBase); got < uint16(len(entries)) {
					log.WithFields(log.Fields{"sent": len(entries), "acked": got}).
						Warn("session: client's effective window is smaller than negotiated")
				}
				startup = false
			}
			retry = retryCount
			seq = d.Block.Add(1)

		case tftp.ErrorDatagram:
			if startup {
				log.WithField("code", d.Code).Debug("session: remote sent error on startup; probably just probing")
			} else {
				log.WithField("code", d.Code).Info("session: remote sent error")
			}
			return stats, nil

		default:
			return stats, &tftp.ProtocolError{Reason: "bad response to DATA"}
		}
	}
}
