package capture

import (
	"bytes"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/m-lab/tsn-verify/internal/frame"
	"github.com/m-lab/tsn-verify/internal/netx"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// Unclassified is the class of test frames whose class could not be
// recovered from either a VLAN tag or a payload marker.
const Unclassified = -1

// Classifier recognizes test frames and recovers their traffic class. It
// reuses its decoding layers and is not safe for concurrent use.
type Classifier struct {
	vlan int
	src  net.HardwareAddr

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

// NewClassifier returns a Classifier accepting frames on the given VLAN (0
// accepts any) and, if src is not nil, only from src.
func NewClassifier(vlan int, src net.HardwareAddr) *Classifier {
	c := &Classifier{
		vlan:    vlan,
		src:     src,
		decoded: make([]gopacket.LayerType, 0, 5),
	}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&c.eth, &c.dot1q, &c.ip4, &c.udp, &c.payload)
	c.parser.IgnoreUnsupported = true
	return c
}

// Classify returns the class of a captured frame and whether it is test
// traffic at all. The class is taken from the VLAN tag, stripped (aux) or
// in-band, and falls back to the payload marker. Test frames with neither
// are reported as Unclassified.
func (c *Classifier) Classify(b []byte, aux netx.AuxData) (int, bool) {
	// Truncated frames still report the layers decoded so far.
	_ = c.parser.DecodeLayers(b, &c.decoded)

	var haveEth, haveTag, haveUDP bool
	for _, t := range c.decoded {
		switch t {
		case layers.LayerTypeEthernet:
			haveEth = true
		case layers.LayerTypeDot1Q:
			haveTag = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}
	if !haveEth {
		return 0, false
	}
	if c.src != nil && !bytes.Equal(c.eth.SrcMAC, c.src) {
		return 0, false
	}

	pcp, vid, tagged := 0, 0, false
	switch {
	case aux.VLANValid:
		pcp, vid, tagged = aux.PCP(), aux.VID(), true
	case haveTag:
		pcp, vid, tagged = int(c.dot1q.Priority), int(c.dot1q.VLANIdentifier), true
	}
	if tagged {
		if c.vlan > 0 && vid != c.vlan {
			return 0, false
		}
		return pcp, true
	}

	if !haveUDP {
		return 0, false
	}
	if class := frame.Classify(c.udp.Payload); class >= 0 {
		return class, true
	}
	port := int(c.udp.DstPort)
	if port >= spec.DstPortBase && port < spec.DstPortBase+spec.MaxClasses {
		return Unclassified, true
	}
	return 0, false
}

// wireLen is the on-wire length of a received frame, including a tag
// stripped before delivery.
func wireLen(n int, aux netx.AuxData) int {
	l := n
	if aux.Len > l {
		l = aux.Len
	}
	if aux.VLANValid {
		l += 4
	}
	return l
}
