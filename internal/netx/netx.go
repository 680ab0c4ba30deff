// Package netx provides raw link-layer sockets used to send and capture test
// frames, plus the real-time scheduling hints requested by the generator.
// This code currently only works on Linux systems.
package netx

import (
	"errors"
	"time"
)

var (
	// ErrNoSupport indicates that this system does not support AF_PACKET.
	ErrNoSupport = errors.New("raw packet sockets not supported")
	// ErrTimeout is returned by Recv when the read timeout expires.
	ErrTimeout = errors.New("receive timeout")
)

// AuxData is the per-frame metadata reported by the kernel. VLAN tags are
// often stripped by the NIC or the kernel before reaching the socket; when
// that happens the tag is only available here.
type AuxData struct {
	// VLANValid is true when VLANTCI holds a stripped tag.
	VLANValid bool
	VLANTCI   uint16
	// Len is the original frame length on the wire.
	Len int
}

// PCP returns the priority code point of the stripped tag.
func (a AuxData) PCP() int {
	return int(a.VLANTCI >> 13)
}

// VID returns the VLAN identifier of the stripped tag.
func (a AuxData) VID() int {
	return int(a.VLANTCI & 0x0fff)
}

// PacketConn is a raw AF_PACKET socket bound to a single interface.
type PacketConn struct {
	fd    int
	iface string
	index int
	// oob is reused by Recv for control messages.
	oob []byte
}

// Listen opens a raw socket bound to iface. Failures are setup errors: the
// interface does not exist or the process lacks CAP_NET_RAW.
func Listen(iface string) (*PacketConn, error) {
	return listen(iface)
}

// Iface returns the name of the bound interface.
func (c *PacketConn) Iface() string {
	return c.iface
}

// Send writes a single frame.
func (c *PacketConn) Send(frame []byte) (int, error) {
	return c.send(frame)
}

// SetReadTimeout sets the maximum time Recv blocks.
func (c *PacketConn) SetReadTimeout(d time.Duration) error {
	return c.setReadTimeout(d)
}

// Recv reads one incoming frame into buf. Frames sent by this host on the
// same interface are skipped.
func (c *PacketConn) Recv(buf []byte) (int, AuxData, error) {
	return c.recv(buf)
}

// Drops returns the number of frames dropped by the kernel since the last
// call.
func (c *PacketConn) Drops() (uint64, error) {
	return c.drops()
}

// Close closes the socket.
func (c *PacketConn) Close() error {
	return c.close()
}

// RequestRealtime asks for SCHED_FIFO priority and locks the process memory.
// Both are best-effort: callers should log the error and continue.
func RequestRealtime() error {
	return requestRealtime()
}
