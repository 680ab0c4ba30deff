//go:build !linux
// +build !linux

package netx

import "time"

func listen(string) (*PacketConn, error) {
	return nil, ErrNoSupport
}

func (c *PacketConn) send([]byte) (int, error) {
	return 0, ErrNoSupport
}

func (c *PacketConn) setReadTimeout(time.Duration) error {
	return ErrNoSupport
}

func (c *PacketConn) recv([]byte) (int, AuxData, error) {
	return 0, AuxData{}, ErrNoSupport
}

func (c *PacketConn) drops() (uint64, error) {
	return 0, ErrNoSupport
}

func (c *PacketConn) close() error {
	return nil
}

func requestRealtime() error {
	return ErrNoSupport
}
