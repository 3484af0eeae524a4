package forwarder

import (
	"encoding/hex"
	"net"
	"strconv"
	"strings"

	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/free5gc/go-tcflower/internal/flower"
)

var ethTypeNames = map[string]layers.EthernetType{
	"ipv4":    layers.EthernetTypeIPv4,
	"ip":      layers.EthernetTypeIPv4,
	"ipv6":    layers.EthernetTypeIPv6,
	"arp":     layers.EthernetTypeARP,
	"vlan":    layers.EthernetTypeDot1Q,
	"802.1q":  layers.EthernetTypeDot1Q,
	"qinq":    layers.EthernetTypeQinQ,
	"802.1ad": layers.EthernetTypeQinQ,
	"mpls":    layers.EthernetTypeMPLSUnicast,
	"mpls_mc": layers.EthernetTypeMPLSMulticast,
}

var ipProtoNames = map[string]layers.IPProtocol{
	"tcp":     layers.IPProtocolTCP,
	"udp":     layers.IPProtocolUDP,
	"sctp":    layers.IPProtocolSCTP,
	"icmp":    layers.IPProtocolICMPv4,
	"icmpv6":  layers.IPProtocolICMPv6,
	"udplite": layers.IPProtocolUDPLite,
	"gre":     layers.IPProtocolGRE,
}

// parseEthType accepts a name or a number ("0x8847").
func parseEthType(s string) (uint16, error) {
	if t, ok := ethTypeNames[strings.ToLower(s)]; ok {
		return uint16(t), nil
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, errors.Errorf("invalid EtherType %q", s)
	}
	return uint16(n), nil
}

func parseIPProto(s string) (uint8, error) {
	if p, ok := ipProtoNames[strings.ToLower(s)]; ok {
		return uint8(p), nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("invalid IP protocol %q", s)
	}
	return uint8(n), nil
}

// parsePrefix parses "10.0.0.0/24" or a bare address and returns the
// address and mask bytes, 4 long for IPv4 and 16 for IPv6.
func parsePrefix(s string) (ip, mask []byte, err error) {
	if !strings.Contains(s, "/") {
		addr := net.ParseIP(s)
		if addr == nil {
			return nil, nil, errors.Errorf("invalid IP address %q", s)
		}
		if v4 := addr.To4(); v4 != nil {
			return v4, net.CIDRMask(32, 32), nil
		}
		return addr.To16(), net.CIDRMask(128, 128), nil
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid prefix %q", s)
	}
	if v4 := ipNet.IP.To4(); v4 != nil {
		return v4, ipNet.Mask[len(ipNet.Mask)-4:], nil
	}
	return ipNet.IP.To16(), ipNet.Mask, nil
}

func parseIP(s string) (net.IP, bool, error) {
	addr := net.ParseIP(s)
	if addr == nil {
		return nil, false, errors.Errorf("invalid IP address %q", s)
	}
	if v4 := addr.To4(); v4 != nil {
		return v4, true, nil
	}
	return addr.To16(), false, nil
}

func parseMAC(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return out, errors.Errorf("invalid MAC address %q", s)
	}
	copy(out[:], hw)
	return out, nil
}

func parseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hex %q", s)
	}
	return b, nil
}

// parseContinuation reads "next", "stop" or "jump N".
func parseContinuation(s string) (flower.Continuation, error) {
	f := strings.Fields(strings.ToLower(s))
	switch {
	case len(f) == 0 || (len(f) == 1 && f[0] == "next"):
		return flower.Continuation{Kind: flower.Next}, nil
	case len(f) == 1 && f[0] == "stop":
		return flower.Continuation{Kind: flower.Stop}, nil
	case len(f) == 2 && f[0] == "jump":
		n, err := strconv.Atoi(f[1])
		if err != nil || n < 0 {
			return flower.Continuation{}, errors.Errorf("invalid jump target %q", f[1])
		}
		return flower.JumpTo(n), nil
	}
	return flower.Continuation{}, errors.Errorf("invalid continuation %q", s)
}

func fullMask16(v *uint16, m *uint16, p *uint16) {
	if p != nil {
		*v, *m = *p, 0xffff
	}
}

func fullMask8(v *uint8, m *uint8, p *uint8) {
	if p != nil {
		*v, *m = *p, 0xff
	}
}
