// Package frame builds the VLAN-tagged test frames sent by the generator and
// recognizes them on the capture side.
package frame

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

const (
	// headerLen is Ethernet + 802.1Q + IPv4 + UDP.
	headerLen = 14 + 4 + 20 + 8
	// markerLen is the length of the "TC<d>" payload marker.
	markerLen = 3
)

var (
	// ErrInvalidClass is returned for traffic classes outside 0-7.
	ErrInvalidClass = errors.New("traffic class must be in 0-7")
	// ErrInvalidVLAN is returned for VLAN identifiers outside 0-4094.
	ErrInvalidVLAN = errors.New("vlan id must be in 0-4094")
	// ErrInvalidMAC is returned when a hardware address cannot be parsed.
	ErrInvalidMAC = errors.New("invalid MAC address")

	srcIP = net.IPv4(192, 168, 100, 1).To4()
	dstIP = net.IPv4(192, 168, 100, 2).To4()
)

// Params are the inputs of Build.
type Params struct {
	Dst   net.HardwareAddr
	Src   net.HardwareAddr
	VLAN  int
	Class int
	// Size is the requested total frame length. It is clamped to
	// [spec.MinFrameSize, spec.MaxFrameSize].
	Size int
}

// ParseMAC parses a 6-byte Ethernet address.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	return mac, nil
}

// ClampSize clamps a requested frame length to the supported range.
func ClampSize(size int) int {
	if size < spec.MinFrameSize {
		return spec.MinFrameSize
	}
	if size > spec.MaxFrameSize {
		return spec.MaxFrameSize
	}
	return size
}

// Payload returns the UDP payload for the given class and length. It starts
// with the "TC<d>" marker followed by a class-dependent byte pattern.
func Payload(class, n int) []byte {
	p := make([]byte, n)
	p[0] = spec.Marker[0]
	p[1] = spec.Marker[1]
	p[2] = '0' + byte(class)
	for i := markerLen; i < n; i++ {
		p[i] = byte(i + class)
	}
	return p
}

// Build returns a single VLAN-tagged IPv4/UDP frame. The PCP field and the
// IPv4 TOS precedence carry the traffic class; IPv4 and UDP checksums are
// computed. Build is deterministic: identical Params give identical bytes.
func Build(p Params) ([]byte, error) {
	if p.Class < 0 || p.Class >= spec.MaxClasses {
		return nil, ErrInvalidClass
	}
	if p.VLAN < 0 || p.VLAN > 4094 {
		return nil, ErrInvalidVLAN
	}
	if len(p.Dst) != 6 || len(p.Src) != 6 {
		return nil, ErrInvalidMAC
	}
	size := ClampSize(p.Size)

	eth := &layers.Ethernet{
		SrcMAC:       p.Src,
		DstMAC:       p.Dst,
		EthernetType: layers.EthernetTypeDot1Q,
	}
	dot1q := &layers.Dot1Q{
		Priority:       uint8(p.Class),
		VLANIdentifier: uint16(p.VLAN),
		Type:           layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      uint8(p.Class) << 5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(spec.SrcPortBase + p.Class),
		DstPort: layers.UDPPort(spec.DstPortBase + p.Class),
	}
	// This can only fail if the network layer is not IPv4/IPv6.
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, eth, dot1q, ip, udp,
		gopacket.Payload(Payload(p.Class, size-headerLen)))
	if err != nil {
		return nil, err
	}
	// SerializeBuffer reuses its storage, so copy out.
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Templates holds one prebuilt frame per traffic class.
type Templates [spec.MaxClasses][]byte

// BuildTemplates builds a frame for each of the given classes. Classes that
// are not listed have a nil template.
func BuildTemplates(p Params, classes []int) (*Templates, error) {
	var t Templates
	for _, c := range classes {
		p.Class = c
		f, err := Build(p)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", c, err)
		}
		t[c] = f
	}
	return &t, nil
}

// Classify returns the traffic class encoded by the marker at the start of
// payload, or -1 if payload does not start with a valid marker.
func Classify(payload []byte) int {
	if len(payload) < markerLen ||
		payload[0] != spec.Marker[0] || payload[1] != spec.Marker[1] {
		return -1
	}
	c := int(payload[2]) - '0'
	if c < 0 || c >= spec.MaxClasses {
		return -1
	}
	return c
}
