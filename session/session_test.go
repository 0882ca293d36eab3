package session

import (
	"net"
	"testing"
	"time"

	"github.com/m-lab/tftpd/tftp"
)

// memoryFetcher is a fetcher.Fetcher backed by an in-memory byte slice,
// used so these tests never touch the filesystem or the cache.
type memoryFetcher struct {
	data []byte
	pos  int
	eof  bool
}

func (m *memoryFetcher) Open() error               { return nil }
func (m *memoryFetcher) Size() (uint64, bool)       { return uint64(len(m.data)), true }
func (m *memoryFetcher) ReadMmap(int) ([]byte, error) { return nil, tftp.ErrNotImplemented }
func (m *memoryFetcher) IsEOF() bool                { return m.eof }
func (m *memoryFetcher) IsMmapped() bool            { return false }
func (m *memoryFetcher) Close() error                { return nil }

func (m *memoryFetcher) Read(buf []byte) (int, error) {
	n := copy(buf, m.data[m.pos:])
	m.pos += n
	if n < len(buf) {
		m.eof = true
	}
	return n, nil
}

func newTestSession(t *testing.T, cfg Config) (*Session, *net.UDPConn) {
	t.Helper()

	if cfg.Timeout == 0 {
		cfg.Timeout = 200 * time.Millisecond
	}

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	remote := client.LocalAddr().(*net.UDPAddr)
	sess, err := New(net.IPv4(127, 0, 0, 1), remote, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	return sess, client
}

func mustParseRequest(t *testing.T, body string) *tftp.Request {
	t.Helper()
	req, err := tftp.ParseRequest([]byte(body), tftp.DirRead)
	if err != nil {
		t.Fatalf("ParseRequest(%q): %v", body, err)
	}
	return req
}

func readDatagram(t *testing.T, client *net.UDPConn) tftp.Datagram {
	t.Helper()
	buf := make([]byte, 2048)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	dg, err := tftp.Parse(buf[:n])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return dg
}

// readRawOack reads one datagram expected to be an OACK and decodes its
// option=value pairs directly from the wire bytes. tftp.OackDatagram
// carries no payload (Parse only needs to recognize the opcode, per its
// doc comment), so option-value assertions have to work at this layer
// instead of through tftp.Parse.
func readRawOack(t *testing.T, client *net.UDPConn) map[string]string {
	t.Helper()
	buf := make([]byte, 2048)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if n < 2 || buf[0] != 0 || buf[1] != 6 {
		t.Fatalf("expected OACK opcode, got % x", buf[:n])
	}

	opts := map[string]string{}
	fields := splitNulTerminated(buf[2:n])
	for i := 0; i+1 < len(fields); i += 2 {
		opts[fields[i]] = fields[i+1]
	}
	return opts
}

func splitNulTerminated(body []byte) []string {
	var out []string
	start := 0
	for i, b := range body {
		if b == 0 {
			out = append(out, string(body[start:i]))
			start = i + 1
		}
	}
	return out
}

// TestRunRRQPlainTransfer is scenario 1 of spec.md §8: a 513-byte file at
// the default (unnegotiated) block size of 512 produces exactly two DATA
// datagrams, 512 and 1 bytes, and the session reports filesize=xmitsz=513.
func TestRunRRQPlainTransfer(t *testing.T) {
	cfg := Config{MaxBlockSize: 1500, MaxWindowSize: 64}
	sess, client := newTestSession(t, cfg)

	data := make([]byte, 513)
	for i := range data {
		data[i] = byte(i)
	}
	fetch := &memoryFetcher{data: data}
	req := mustParseRequest(t, "file\x00octet\x00")

	type result struct {
		stats *tftp.Stats
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		stats, err := sess.runRRQ(req, fetch)
		resCh <- result{stats, err}
	}()

	var blockLens []int
	for {
		dg := readDatagram(t, client)
		dd, ok := dg.(tftp.DataDatagram)
		if !ok {
			t.Fatalf("expected DATA, got %T", dg)
		}
		blockLens = append(blockLens, len(dd.Payload))

		ack := tftp.EncodeAck(nil, dd.Block)
		if _, err := client.WriteToUDP(ack, sess.LocalAddr()); err != nil {
			t.Fatalf("write ack: %v", err)
		}

		if len(dd.Payload) < 512 {
			break
		}
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("runRRQ: %v", res.err)
	}
	if len(blockLens) != 2 || blockLens[0] != 512 || blockLens[1] != 1 {
		t.Fatalf("block lengths = %v, want [512 1]", blockLens)
	}
	if res.stats.FileSize != 513 || res.stats.Xmitsz != 513 {
		t.Fatalf("stats = %+v, want filesize=513 xmitsz=513", res.stats)
	}
	if !res.stats.IsComplete {
		t.Fatalf("expected IsComplete")
	}
}

// TestRunRRQOptionNegotiation is scenario 2 of spec.md §8: the client
// offers blksize=1400, windowsize=8, tsize=0, timeout=5; the server's
// limits are wider, so every option is echoed back verbatim except
// tsize, which is filled in with the real file size.
func TestRunRRQOptionNegotiation(t *testing.T) {
	cfg := Config{MaxBlockSize: 1500, MaxWindowSize: 64}
	sess, client := newTestSession(t, cfg)

	data := make([]byte, 3000)
	fetch := &memoryFetcher{data: data}
	req := mustParseRequest(t, "file\x00octet\x00blksize\x001400\x00windowsize\x008\x00tsize\x000\x00timeout\x005\x00")

	type result struct {
		stats *tftp.Stats
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		stats, err := sess.runRRQ(req, fetch)
		resCh <- result{stats, err}
	}()

	opts := readRawOack(t, client)
	want := map[string]string{"blksize": "1400", "windowsize": "8", "tsize": "3000", "timeout": "5"}
	for k, v := range want {
		if opts[k] != v {
			t.Fatalf("OACK option %s = %q, want %q (full: %v)", k, opts[k], v, opts)
		}
	}

	// Acknowledge the OACK with ACK(0) to let the transfer proceed, then
	// drain and ACK every subsequent DATA block.
	ackBuf := tftp.EncodeAck(nil, tftp.NewSequenceID(0))
	if _, err := client.WriteToUDP(ackBuf, sess.LocalAddr()); err != nil {
		t.Fatalf("write ack(0): %v", err)
	}

	var blockLens []int
	for {
		dg := readDatagram(t, client)
		dd, ok := dg.(tftp.DataDatagram)
		if !ok {
			t.Fatalf("expected DATA, got %T", dg)
		}
		blockLens = append(blockLens, len(dd.Payload))

		if _, err := client.WriteToUDP(tftp.EncodeAck(nil, dd.Block), sess.LocalAddr()); err != nil {
			t.Fatalf("write ack: %v", err)
		}
		if len(dd.Payload) < 1400 {
			break
		}
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("runRRQ: %v", res.err)
	}
	if res.stats.BlockSize != 1400 || res.stats.WindowSize != 8 {
		t.Fatalf("negotiated block/window = %d/%d, want 1400/8", res.stats.BlockSize, res.stats.WindowSize)
	}
	if sess.blockSize != 1400 || sess.windowSize != 8 {
		t.Fatalf("session block/window = %d/%d, want 1400/8", sess.blockSize, sess.windowSize)
	}
	if len(blockLens) != 3 || blockLens[2] != 200 {
		t.Fatalf("block lengths = %v, want [1400 1400 200]", blockLens)
	}
}

// TestRunRRQRetransmitsOnTimeout is scenario 3 of spec.md §8: a dropped
// ACK causes the server to resend the window after its timeout expires,
// incrementing NumTimeouts, and the transfer still completes correctly
// once the client starts acknowledging again.
func TestRunRRQRetransmitsOnTimeout(t *testing.T) {
	cfg := Config{MaxBlockSize: 1500, MaxWindowSize: 64, Timeout: 40 * time.Millisecond}
	sess, client := newTestSession(t, cfg)

	data := make([]byte, 100)
	fetch := &memoryFetcher{data: data}
	req := mustParseRequest(t, "file\x00octet\x00")

	type result struct {
		stats *tftp.Stats
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		stats, err := sess.runRRQ(req, fetch)
		resCh <- result{stats, err}
	}()

	// First DATA: drop it on the floor (don't ACK) so the server times
	// out and resends the identical block.
	first := readDatagram(t, client).(tftp.DataDatagram)
	if len(first.Payload) != 100 {
		t.Fatalf("first block len = %d, want 100", len(first.Payload))
	}

	// Resent copy of the same block.
	second := readDatagram(t, client).(tftp.DataDatagram)
	if second.Block != first.Block || len(second.Payload) != 100 {
		t.Fatalf("retransmit mismatch: first=%+v second=%+v", first, second)
	}

	if _, err := client.WriteToUDP(tftp.EncodeAck(nil, second.Block), sess.LocalAddr()); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("runRRQ: %v", res.err)
	}
	if res.stats.NumTimeouts == 0 {
		t.Fatalf("expected at least one timeout recorded")
	}
	if !res.stats.IsComplete {
		t.Fatalf("expected transfer to complete after retransmit")
	}
}

func TestRunWRQRejectsByDefault(t *testing.T) {
	cfg := Config{MaxBlockSize: 1500, MaxWindowSize: 64}
	sess, client := newTestSession(t, cfg)

	req := mustParseRequest(t, "file\x00octet\x00")

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.RunWRQ(req)
		errCh <- err
	}()

	errDg, ok := readDatagram(t, client).(tftp.ErrorDatagram)
	if !ok {
		t.Fatalf("expected ERROR datagram")
	}
	if errDg.Code != 4 {
		t.Fatalf("error code = %d, want 4", errDg.Code)
	}

	if err := <-errCh; err == nil {
		t.Fatalf("expected RunWRQ to return an error")
	}
}

func TestRunWRQDevnullAcceptsAndAcks(t *testing.T) {
	cfg := Config{MaxBlockSize: 1500, MaxWindowSize: 64, WrqDevnull: true}
	sess, client := newTestSession(t, cfg)

	req := mustParseRequest(t, "file\x00octet\x00")

	type result struct {
		stats *tftp.Stats
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		stats, err := sess.RunWRQDevnull(req)
		resCh <- result{stats, err}
	}()

	ack0, ok := readDatagram(t, client).(tftp.AckDatagram)
	if !ok || ack0.Block.AsUint16() != 0 {
		t.Fatalf("expected ACK(0), got %+v", ack0)
	}

	block := make([]byte, 512)
	short := []byte("done")

	send := func(seq uint16, payload []byte) {
		msg := tftp.EncodeData(nil, tftp.NewSequenceID(seq), payload)
		if _, err := client.WriteToUDP(msg, sess.LocalAddr()); err != nil {
			t.Fatalf("write data: %v", err)
		}
		ack, ok := readDatagram(t, client).(tftp.AckDatagram)
		if !ok || ack.Block.AsUint16() != seq {
			t.Fatalf("expected ACK(%d), got %+v", seq, ack)
		}
	}

	send(1, block)
	send(2, short)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("RunWRQDevnull: %v", res.err)
	}
	if res.stats.Xmitsz != uint64(len(block)+len(short)) {
		t.Fatalf("xmitsz = %d, want %d", res.stats.Xmitsz, len(block)+len(short))
	}
	if !res.stats.IsComplete {
		t.Fatalf("expected IsComplete after short final block")
	}
}

func TestDoReject(t *testing.T) {
	sess, client := newTestSession(t, Config{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.DoReject()
	}()

	dg, ok := readDatagram(t, client).(tftp.ErrorDatagram)
	if !ok {
		t.Fatalf("expected ERROR datagram")
	}
	if dg.Code != 4 {
		t.Fatalf("error code = %d, want 4", dg.Code)
	}
	if string(dg.Message) != "too much clients" {
		t.Fatalf("error message = %q, want %q", dg.Message, "too much clients")
	}

	var tooMany *tftp.TooMuchClientsError
	if err := <-errCh; err == nil {
		t.Fatalf("expected an error")
	} else if !asTooMuchClients(err, &tooMany) {
		t.Fatalf("expected TooMuchClientsError, got %v", err)
	}
}

func asTooMuchClients(err error, target **tftp.TooMuchClientsError) bool {
	if e, ok := err.(*tftp.TooMuchClientsError); ok {
		*target = e
		return true
	}
	return false
}
