package netx

import (
	"encoding/binary"
	"errors"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sizeofTpacketAuxdata is the size of struct tpacket_auxdata; x/sys/unix
// exports the type but not a Sizeof constant for it.
const sizeofTpacketAuxdata = int(unsafe.Sizeof(unix.TpacketAuxdata{}))

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

func listen(iface string) (*PacketConn, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, err
	}
	err = unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifi.Index,
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	// Ask the kernel for stripped VLAN tags. Failure only degrades
	// classification to payload markers.
	unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1)
	return &PacketConn{
		fd:    fd,
		iface: iface,
		index: ifi.Index,
		oob:   make([]byte, unix.CmsgSpace(sizeofTpacketAuxdata)),
	}, nil
}

func (c *PacketConn) send(frame []byte) (int, error) {
	return unix.Write(c.fd, frame)
}

func (c *PacketConn) setReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func (c *PacketConn) recv(buf []byte) (int, AuxData, error) {
	for {
		n, oobn, _, from, err := unix.Recvmsg(c.fd, buf, c.oob, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return 0, AuxData{}, ErrTimeout
			}
			return 0, AuxData{}, err
		}
		if sll, ok := from.(*unix.SockaddrLinklayer); ok && sll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		return n, parseAuxData(c.oob[:oobn], n), nil
	}
}

// parseAuxData decodes a tpacket_auxdata control message, if present.
func parseAuxData(oob []byte, n int) AuxData {
	aux := AuxData{Len: n}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return aux
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_PACKET || m.Header.Type != unix.PACKET_AUXDATA ||
			len(m.Data) < sizeofTpacketAuxdata {
			continue
		}
		status := binary.NativeEndian.Uint32(m.Data[0:4])
		aux.Len = int(binary.NativeEndian.Uint32(m.Data[4:8]))
		aux.VLANTCI = binary.NativeEndian.Uint16(m.Data[16:18])
		aux.VLANValid = status&unix.TP_STATUS_VLAN_VALID != 0
	}
	return aux
}

func (c *PacketConn) drops() (uint64, error) {
	st, err := unix.GetsockoptTpacketStats(c.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return 0, err
	}
	return uint64(st.Drops), nil
}

func (c *PacketConn) close() error {
	return unix.Close(c.fd)
}

func requestRealtime() error {
	mlockErr := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
	schedErr := unix.SchedSetAttr(0, &unix.SchedAttr{
		Policy:   unix.SCHED_FIFO,
		Priority: 99,
	}, 0)
	return errors.Join(mlockErr, schedErr)
}
