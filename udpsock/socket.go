// Package udpsock wraps a UDP socket with IP_PKTINFO / IPV6_RECVPKTINFO
// control-message recovery of the local destination address, so a
// wildcard-bound listener can still learn which local address a given
// datagram arrived on and rebind a per-session socket to it.
package udpsock

import (
	"errors"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// RecvInfo describes one received datagram: its length, the local address
// it arrived on (recovered from pktinfo), and the remote peer's address.
type RecvInfo struct {
	Size   int
	Local  net.IP
	Remote *net.UDPAddr
}

// Socket is a UDP socket with pktinfo control messages enabled on receive.
// It is safe for concurrent ReadFrom and Send calls from different
// goroutines (Go's net.UDPConn already guarantees this).
type Socket struct {
	conn *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn
}

// Listen opens a UDP socket bound to addr (typically a wildcard address
// with a fixed port, e.g. ":69") with pktinfo reception enabled.
func Listen(addr string) (*Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP(laddr.Network(), laddr)
	if err != nil {
		return nil, err
	}

	return wrap(conn)
}

// Bind opens a UDP socket bound to local with an ephemeral port, used for
// the per-session socket a Session replies from once it has learned which
// local address the triggering request arrived on.
func Bind(local net.IP) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local, Port: 0})
	if err != nil {
		return nil, err
	}
	return wrap(conn)
}

// FromFile adopts an already-open UDP socket file descriptor, the Go
// equivalent of the original source's systemd activation path
// (OwnedFd::from_raw_fd wrapped into a tokio UdpSocket in main.rs).
func FromFile(f *os.File) (*Socket, error) {
	pc, err := net.FilePacketConn(f)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.New("udpsock: fd is not a UDP socket")
	}

	return wrap(conn)
}

func wrap(conn *net.UDPConn) (*Socket, error) {
	s := &Socket{conn: conn}

	if isIPv4(conn) {
		s.pc4 = ipv4.NewPacketConn(conn)
		if err := s.pc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		s.pc6 = ipv6.NewPacketConn(conn)
		if err := s.pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return s, nil
}

func isIPv4(conn *net.UDPConn) bool {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return true
	}
	return addr.IP == nil || addr.IP.To4() != nil
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SetReadDeadline bounds the next ReadFrom call, giving the session
// engine's ACK/OACK wait (spec.md §4.5, §5) a concrete timeout. A zero
// Time clears the deadline.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// ReadFrom reads one datagram into buf and returns it along with the
// recovered local destination address and the remote peer's address.
func (s *Socket) ReadFrom(buf []byte) (RecvInfo, error) {
	if s.pc4 != nil {
		n, cm, remote, err := s.pc4.ReadFrom(buf)
		if err != nil {
			return RecvInfo{}, err
		}
		info := RecvInfo{Size: n, Remote: remote.(*net.UDPAddr)}
		if cm != nil {
			info.Local = cm.Dst
		}
		return info, nil
	}

	n, cm, remote, err := s.pc6.ReadFrom(buf)
	if err != nil {
		return RecvInfo{}, err
	}
	info := RecvInfo{Size: n, Remote: remote.(*net.UDPAddr)}
	if cm != nil {
		info.Local = cm.Dst
	}
	return info, nil
}

// ErrShortWrite is returned when the kernel accepted fewer bytes than
// requested, which should never happen for a UDP datagram smaller than
// the path MTU.
var ErrShortWrite = errors.New("udpsock: short write")

// SendTo writes buf as a single datagram to addr.
func (s *Socket) SendTo(buf []byte, addr *net.UDPAddr) error {
	n, err := s.conn.WriteToUDP(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	return nil
}

// SendParts writes the concatenation of parts as a single datagram to
// addr, avoiding an intermediate allocation when the caller already has
// a header and a payload as separate slices.
func (s *Socket) SendParts(addr *net.UDPAddr, parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}

	return s.SendTo(buf, addr)
}
