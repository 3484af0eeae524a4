package forwarder

import (
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/free5gc/go-tcflower/internal/flower"
	"github.com/free5gc/go-tcflower/pkg/factory"
)

// LinkResolver maps a device name to its ifindex.
type LinkResolver func(name string) (int, error)

// BuildRule converts a rule file entry into the id and body to install.
// Device names are resolved through links.
func BuildRule(r *factory.Rule, links LinkResolver) (flower.RuleID, *flower.Flower, error) {
	var id flower.RuleID
	if r.Match == nil {
		return id, nil, errors.Errorf("rule %q: no match", r.Name)
	}
	if r.Prio == flower.TC_RESERVED_PRIORITY_POLICE {
		return id, nil, errors.Errorf("rule %q: prio %d is reserved", r.Name, r.Prio)
	}

	id = flower.RuleID{
		BlockID: r.Block,
		Chain:   r.Chain,
		Prio:    r.Prio,
		Handle:  r.Handle,
	}
	if r.Hook == "egress" {
		id.Hook = flower.HookEgress
	}
	if r.Device != "" {
		idx, err := links(r.Device)
		if err != nil {
			return id, nil, err
		}
		id.Ifindex = idx
	}

	f := &flower.Flower{}
	var err error
	if f.Policy, err = flower.ParsePolicy(r.Policy); err != nil {
		return id, nil, err
	}
	if r.Cookie != "" {
		if f.Cookie, err = parseHex(r.Cookie); err != nil {
			return id, nil, err
		}
	}
	if err = buildMatch(r.Match, &f.Key, &f.Mask); err != nil {
		return id, nil, errors.Wrapf(err, "rule %q: match", r.Name)
	}
	for i, a := range r.Actions {
		act, err := buildAction(a, &f.Key, &f.Mask, links)
		if err != nil {
			return id, nil, errors.Wrapf(err, "rule %q: action %d", r.Name, i)
		}
		f.Actions = append(f.Actions, act)
	}
	return id, f, nil
}

func l3Type(key *flower.MatchKey) uint16 {
	switch layers.EthernetType(key.EthType) {
	case layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ:
		return key.EncapEthType[0]
	}
	return key.EthType
}

func buildMatch(m *factory.Match, key, mask *flower.MatchKey) error {
	var err error
	if key.EthType, err = parseEthType(m.EthType); err != nil {
		return err
	}
	mask.EthType = 0xffff

	if m.SrcMAC != "" {
		if key.SrcMAC, err = parseMAC(m.SrcMAC); err != nil {
			return err
		}
		mask.SrcMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	if m.DstMAC != "" {
		if key.DstMAC, err = parseMAC(m.DstMAC); err != nil {
			return err
		}
		mask.DstMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	if v := m.Vlan; v != nil {
		key.VlanID[0], mask.VlanID[0] = v.ID, 0x0fff
		fullMask8(&key.VlanPrio[0], &mask.VlanPrio[0], v.Prio)
		if v.EthType != "" {
			if key.EncapEthType[0], err = parseEthType(v.EthType); err != nil {
				return err
			}
			mask.EncapEthType[0] = 0xffff
		}
	}
	if l := m.MPLS; l != nil {
		if l.Label != nil {
			key.MPLSLse |= *l.Label << 12
			mask.MPLSLse |= 0xfffff000
		}
		if l.TC != nil {
			key.MPLSLse |= uint32(*l.TC&0x7) << 9
			mask.MPLSLse |= 0x7 << 9
		}
		if l.BOS != nil {
			key.MPLSLse |= uint32(*l.BOS&0x1) << 8
			mask.MPLSLse |= 0x1 << 8
		}
		if l.TTL != nil {
			key.MPLSLse |= uint32(*l.TTL)
			mask.MPLSLse |= 0xff
		}
	}

	if m.IPProto != "" {
		if key.IPProto, err = parseIPProto(m.IPProto); err != nil {
			return err
		}
		mask.IPProto = 0xff
	}
	isV6 := l3Type(key) == uint16(layers.EthernetTypeIPv6)
	if m.Src != "" {
		if err = setPrefix(m.Src, isV6, key.IPv4.Src[:], mask.IPv4.Src[:], key.IPv6.Src[:], mask.IPv6.Src[:]); err != nil {
			return err
		}
	}
	if m.Dst != "" {
		if err = setPrefix(m.Dst, isV6, key.IPv4.Dst[:], mask.IPv4.Dst[:], key.IPv6.Dst[:], mask.IPv6.Dst[:]); err != nil {
			return err
		}
	}
	fullMask8(&key.IPTOS, &mask.IPTOS, m.TOS)
	fullMask8(&key.IPTTL, &mask.IPTTL, m.TTL)

	if m.SrcPort != nil || m.DstPort != nil {
		src, dst, err := portFields(key.IPProto, mask.IPProto, key, mask)
		if err != nil {
			return err
		}
		fullMask16(src[0], src[1], m.SrcPort)
		fullMask16(dst[0], dst[1], m.DstPort)
	}
	if m.TCPFlags != nil {
		if layers.IPProtocol(key.IPProto) != layers.IPProtocolTCP {
			return errors.Errorf("tcpFlags need ipProto tcp")
		}
		key.TCPFlags, mask.TCPFlags = *m.TCPFlags, 0x0fff
	}
	fullMask8(&key.ICMPType, &mask.ICMPType, m.ICMPType)
	fullMask8(&key.ICMPCode, &mask.ICMPCode, m.ICMPCode)
	if m.Fragment != nil {
		mask.Flags |= flower.TCA_FLOWER_KEY_FLAGS_IS_FRAGMENT
		if *m.Fragment {
			key.Flags |= flower.TCA_FLOWER_KEY_FLAGS_IS_FRAGMENT
		}
	}

	fullMask16(&key.CTState, &mask.CTState, m.CTState)
	fullMask16(&key.CTZone, &mask.CTZone, m.CTZone)
	if m.CTMark != nil {
		key.CTMark, mask.CTMark = *m.CTMark, 0xffffffff
	}

	if t := m.Tunnel; t != nil {
		if err := buildTunnelMatch(t, &key.Tunnel, &mask.Tunnel); err != nil {
			return errors.Wrap(err, "tunnel")
		}
	}
	return nil
}

// setPrefix writes the prefix s into the IPv4 or IPv6 key of a match.
func setPrefix(s string, isV6 bool, k4, m4, k6, m6 []byte) error {
	ip, mask, err := parsePrefix(s)
	if err != nil {
		return err
	}
	switch {
	case len(ip) == 4 && !isV6:
		copy(k4, ip)
		copy(m4, mask)
	case len(ip) == 16 && isV6:
		copy(k6, ip)
		copy(m6, mask)
	default:
		return errors.Errorf("address %q does not match the EtherType", s)
	}
	return nil
}

func portFields(proto, protoMask uint8, key, mask *flower.MatchKey) (src, dst [2]*uint16, err error) {
	if protoMask != 0xff {
		return src, dst, errors.Errorf("ports need an ipProto")
	}
	switch layers.IPProtocol(proto) {
	case layers.IPProtocolTCP:
		return [2]*uint16{&key.TCPSrc, &mask.TCPSrc}, [2]*uint16{&key.TCPDst, &mask.TCPDst}, nil
	case layers.IPProtocolUDP:
		return [2]*uint16{&key.UDPSrc, &mask.UDPSrc}, [2]*uint16{&key.UDPDst, &mask.UDPDst}, nil
	case layers.IPProtocolSCTP:
		return [2]*uint16{&key.SCTPSrc, &mask.SCTPSrc}, [2]*uint16{&key.SCTPDst, &mask.SCTPDst}, nil
	}
	return src, dst, errors.Errorf("no ports in ip protocol %d", proto)
}

func buildTunnelMatch(t *factory.TunnelMatch, key, mask *flower.Tunnel) error {
	if t.Src != "" || t.Dst != "" {
		v6 := false
		for _, s := range []string{t.Src, t.Dst} {
			if s == "" {
				continue
			}
			ip, _, err := parsePrefix(s)
			if err != nil {
				return err
			}
			v6 = len(ip) == 16
		}
		if t.Src != "" {
			if err := setPrefix(t.Src, v6, key.IPv4Src[:], mask.IPv4Src[:], key.IPv6Src[:], mask.IPv6Src[:]); err != nil {
				return err
			}
		}
		if t.Dst != "" {
			if err := setPrefix(t.Dst, v6, key.IPv4Dst[:], mask.IPv4Dst[:], key.IPv6Dst[:], mask.IPv6Dst[:]); err != nil {
				return err
			}
		}
	}
	if t.ID != nil {
		key.ID, mask.ID = uint64(*t.ID), ^uint64(0)
	}
	fullMask16(&key.TPDst, &mask.TPDst, t.DstPort)
	fullMask8(&key.TOS, &mask.TOS, t.TOS)
	fullMask8(&key.TTL, &mask.TTL, t.TTL)

	for _, g := range t.Geneve {
		opt, err := buildGeneve(g)
		if err != nil {
			return err
		}
		key.Geneve = append(key.Geneve, opt)
		full := make([]byte, len(opt.Data))
		for i := range full {
			full[i] = 0xff
		}
		mask.Geneve = append(mask.Geneve, flower.GeneveOption{Class: 0xffff, Type: 0xff, Data: full})
	}
	return nil
}

func buildGeneve(g *factory.Geneve) (flower.GeneveOption, error) {
	opt := flower.GeneveOption{Class: g.Class, Type: g.Type}
	if g.Data == "" {
		return opt, nil
	}
	data, err := parseHex(g.Data)
	if err != nil {
		return opt, err
	}
	opt.Data = data
	return opt, nil
}

func buildAction(a *factory.Action, key, mask *flower.MatchKey, links LinkResolver) (flower.Action, error) {
	then, err := parseContinuation(a.Then)
	if err != nil {
		return nil, err
	}

	switch a.Type {
	case "output":
		if a.Device == "" {
			return nil, errors.Errorf("output needs a device")
		}
		idx, err := links(a.Device)
		if err != nil {
			return nil, err
		}
		return &flower.Output{Ifindex: idx, Ingress: a.Ingress, Then: then}, nil

	case "encap":
		if a.Encap == nil {
			return nil, errors.Errorf("encap needs parameters")
		}
		return buildEncap(a.Encap, then)

	case "vlan_push":
		tpid := a.TPID
		if tpid == 0 {
			tpid = uint16(layers.EthernetTypeDot1Q)
		}
		return &flower.VlanPush{TPID: tpid, ID: a.VlanID, Prio: a.VlanPrio, Then: then}, nil

	case "vlan_pop":
		return &flower.VlanPop{Then: then}, nil

	case "mpls_push":
		proto := uint16(layers.EthernetTypeMPLSUnicast)
		if a.Proto != "" {
			if proto, err = parseEthType(a.Proto); err != nil {
				return nil, err
			}
		}
		return &flower.MPLSPush{Proto: proto, Label: a.Label, TC: a.TC, TTL: a.TTL, BOS: a.BOS, Then: then}, nil

	case "mpls_pop":
		if a.Proto == "" {
			return nil, errors.Errorf("mpls_pop needs the inner proto")
		}
		proto, err := parseEthType(a.Proto)
		if err != nil {
			return nil, err
		}
		return &flower.MPLSPop{Proto: proto, Then: then}, nil

	case "mpls_set":
		return &flower.MPLSSet{Label: a.Label, TC: a.TC, TTL: a.TTL, BOS: a.BOS, Then: then}, nil

	case "rewrite":
		if a.Set == nil {
			return nil, errors.Errorf("rewrite needs a set block")
		}
		rw, err := buildRewrite(a.Set, key, mask)
		if err != nil {
			return nil, err
		}
		rw.Then = then
		return rw, nil

	case "ct":
		if a.CT == nil {
			return nil, errors.Errorf("ct needs parameters")
		}
		ct, err := buildCT(a.CT)
		if err != nil {
			return nil, err
		}
		ct.Then = then
		return ct, nil

	case "goto":
		return &flower.Goto{Chain: a.Chain}, nil

	case "police":
		return &flower.Police{Index: a.Index, Then: then}, nil

	case "police_mtu":
		result, err := parseContinuation(a.Result)
		if err != nil {
			return nil, err
		}
		return &flower.PoliceMTU{MTU: a.MTU, Result: result, Then: then}, nil
	}
	return nil, errors.Errorf("unknown action type %q", a.Type)
}

func buildEncap(e *factory.Encap, then flower.Continuation) (*flower.Encap, error) {
	out := &flower.Encap{TPDst: e.DstPort, TOS: e.TOS, TTL: e.TTL, NoCsum: e.NoCsum, Then: then}
	dst, v4, err := parseIP(e.Dst)
	if err != nil {
		return nil, err
	}
	if v4 {
		copy(out.IPv4Dst[:], dst)
	} else {
		copy(out.IPv6Dst[:], dst)
	}
	if e.Src != "" {
		src, srcV4, err := parseIP(e.Src)
		if err != nil {
			return nil, err
		}
		if srcV4 != v4 {
			return nil, errors.Errorf("encap src and dst families differ")
		}
		if v4 {
			copy(out.IPv4Src[:], src)
		} else {
			copy(out.IPv6Src[:], src)
		}
	}
	if e.ID != nil {
		out.ID, out.IDPresent = uint64(*e.ID), true
	}
	for _, g := range e.Geneve {
		opt, err := buildGeneve(g)
		if err != nil {
			return nil, err
		}
		out.Geneve = append(out.Geneve, opt)
	}
	if e.GBP != nil {
		out.GBP = flower.GBP{Present: true, ID: uint16(*e.GBP), Flags: uint8(*e.GBP >> 16)}
	}
	return out, nil
}

// buildRewrite fills the fields to set; L4 ports follow the matched
// protocol.
func buildRewrite(s *factory.Rewrite, key, mask *flower.MatchKey) (*flower.Rewrite, error) {
	rw := &flower.Rewrite{}
	var err error
	if s.SrcMAC != "" {
		if rw.Key.SrcMAC, err = parseMAC(s.SrcMAC); err != nil {
			return nil, err
		}
		rw.Mask.SrcMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	if s.DstMAC != "" {
		if rw.Key.DstMAC, err = parseMAC(s.DstMAC); err != nil {
			return nil, err
		}
		rw.Mask.DstMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	isV6 := l3Type(key) == uint16(layers.EthernetTypeIPv6)
	for _, p := range []struct {
		s      string
		k4, k6 []byte
		m4, m6 []byte
	}{
		{s.Src, rw.Key.IPv4.Src[:], rw.Key.IPv6.Src[:], rw.Mask.IPv4.Src[:], rw.Mask.IPv6.Src[:]},
		{s.Dst, rw.Key.IPv4.Dst[:], rw.Key.IPv6.Dst[:], rw.Mask.IPv4.Dst[:], rw.Mask.IPv6.Dst[:]},
	} {
		if p.s == "" {
			continue
		}
		if err := setPrefix(p.s, isV6, p.k4, p.m4, p.k6, p.m6); err != nil {
			return nil, err
		}
	}
	if isV6 {
		fullMask8(&rw.Key.IPv6.RewriteTClass, &rw.Mask.IPv6.RewriteTClass, s.TOS)
		fullMask8(&rw.Key.IPv6.RewriteHopLimit, &rw.Mask.IPv6.RewriteHopLimit, s.TTL)
	} else {
		fullMask8(&rw.Key.IPv4.RewriteTOS, &rw.Mask.IPv4.RewriteTOS, s.TOS)
		fullMask8(&rw.Key.IPv4.RewriteTTL, &rw.Mask.IPv4.RewriteTTL, s.TTL)
	}

	if s.SrcPort != nil || s.DstPort != nil {
		src, dst, err := portFields(key.IPProto, mask.IPProto, &rw.Key, &rw.Mask)
		if err != nil {
			return nil, err
		}
		fullMask16(src[0], src[1], s.SrcPort)
		fullMask16(dst[0], dst[1], s.DstPort)
	}
	return rw, nil
}

func buildCT(c *factory.CT) (*flower.CT, error) {
	ct := &flower.CT{
		Clear:    c.Clear,
		Commit:   c.Commit,
		Force:    c.Force,
		Zone:     c.Zone,
		Mark:     c.Mark,
		MarkMask: c.MarkMask,
	}
	switch c.NAT {
	case "":
		return ct, nil
	case "src":
		ct.NAT.Type = flower.NATSrc
	case "dst":
		ct.NAT.Type = flower.NATDst
	case "restore":
		ct.NAT.Type = flower.NATRestore
	}
	ct.NAT.PortMin, ct.NAT.PortMax = c.PortMin, c.PortMax
	if c.AddrMin == "" {
		return ct, nil
	}
	lo, v4, err := parseIP(c.AddrMin)
	if err != nil {
		return nil, err
	}
	// a single address when no max is given
	hi := lo
	if c.AddrMax != "" {
		var hiV4 bool
		if hi, hiV4, err = parseIP(c.AddrMax); err != nil {
			return nil, err
		}
		if hiV4 != v4 {
			return nil, errors.Errorf("nat range families differ")
		}
	}
	if v4 {
		ct.NAT.Family = 4
		copy(ct.NAT.IPv4Min[:], lo)
		copy(ct.NAT.IPv4Max[:], hi)
	} else {
		ct.NAT.Family = 6
		copy(ct.NAT.IPv6Min[:], lo)
		copy(ct.NAT.IPv6Max[:], hi)
	}
	return ct, nil
}
