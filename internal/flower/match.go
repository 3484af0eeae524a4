package flower

import (
	"github.com/gopacket/gopacket/layers"
	"github.com/vishvananda/netlink/nl"
)

const (
	vlanIDMask   = 0x0fff
	vlanPrioMask = 0x7
)

func isVlanType(t uint16) bool {
	et := layers.EthernetType(t)
	return et == layers.EthernetTypeDot1Q || et == layers.EthernetTypeQinQ
}

func isMPLSType(t uint16) bool {
	et := layers.EthernetType(t)
	return et == layers.EthernetTypeMPLSUnicast || et == layers.EthernetTypeMPLSMulticast
}

// l3EthType is the EtherType of the header following Ethernet, VLAN tags
// and MPLS labels.
func l3EthType(key *MatchKey) uint16 {
	switch {
	case isVlanType(key.EthType) && isVlanType(key.EncapEthType[0]):
		return key.EncapEthType[1]
	case isVlanType(key.EthType), isMPLSType(key.EthType):
		return key.EncapEthType[0]
	}
	return key.EthType
}

// EncodeMatch appends the flower key attributes of key/mask and the filter
// flags of policy to opts. Keys are written masked.
func EncodeMatch(opts *nl.RtAttr, key, mask *MatchKey, policy Policy) error {
	k := key.Masked(mask)
	ethType := layers.EthernetType(l3EthType(key))

	addMasked(opts, TCA_FLOWER_KEY_ETH_DST, TCA_FLOWER_KEY_ETH_DST_MASK, k.DstMAC[:], mask.DstMAC[:])
	addMasked(opts, TCA_FLOWER_KEY_ETH_SRC, TCA_FLOWER_KEY_ETH_SRC_MASK, k.SrcMAC[:], mask.SrcMAC[:])

	if ethType == layers.EthernetTypeARP {
		addMasked(opts, TCA_FLOWER_KEY_ARP_SIP, TCA_FLOWER_KEY_ARP_SIP_MASK, k.ARP.SPA[:], mask.ARP.SPA[:])
		addMasked(opts, TCA_FLOWER_KEY_ARP_TIP, TCA_FLOWER_KEY_ARP_TIP_MASK, k.ARP.TPA[:], mask.ARP.TPA[:])
		addMasked(opts, TCA_FLOWER_KEY_ARP_SHA, TCA_FLOWER_KEY_ARP_SHA_MASK, k.ARP.SHA[:], mask.ARP.SHA[:])
		addMasked(opts, TCA_FLOWER_KEY_ARP_THA, TCA_FLOWER_KEY_ARP_THA_MASK, k.ARP.THA[:], mask.ARP.THA[:])
		addMasked(opts, TCA_FLOWER_KEY_ARP_OP, TCA_FLOWER_KEY_ARP_OP_MASK, u8Bytes(k.ARP.Op), u8Bytes(mask.ARP.Op))
	}

	if ethType == layers.EthernetTypeIPv4 || ethType == layers.EthernetTypeIPv6 {
		addMasked(opts, TCA_FLOWER_KEY_IP_TTL, TCA_FLOWER_KEY_IP_TTL_MASK, u8Bytes(k.IPTTL), u8Bytes(mask.IPTTL))
		addMasked(opts, TCA_FLOWER_KEY_IP_TOS, TCA_FLOWER_KEY_IP_TOS_MASK, u8Bytes(k.IPTOS), u8Bytes(mask.IPTOS))
		if k.IPProto != 0 {
			addU8(opts, TCA_FLOWER_KEY_IP_PROTO, k.IPProto)
		}
		addMasked(opts, TCA_FLOWER_KEY_FLAGS, TCA_FLOWER_KEY_FLAGS_MASK, be32Bytes(k.Flags), be32Bytes(mask.Flags))

		switch layers.IPProtocol(k.IPProto) {
		case layers.IPProtocolTCP:
			addMasked(opts, TCA_FLOWER_KEY_TCP_SRC, TCA_FLOWER_KEY_TCP_SRC_MASK, be16Bytes(k.TCPSrc), be16Bytes(mask.TCPSrc))
			addMasked(opts, TCA_FLOWER_KEY_TCP_DST, TCA_FLOWER_KEY_TCP_DST_MASK, be16Bytes(k.TCPDst), be16Bytes(mask.TCPDst))
			addMasked(opts, TCA_FLOWER_KEY_TCP_FLAGS, TCA_FLOWER_KEY_TCP_FLAGS_MASK, be16Bytes(k.TCPFlags), be16Bytes(mask.TCPFlags))
		case layers.IPProtocolUDP:
			addMasked(opts, TCA_FLOWER_KEY_UDP_SRC, TCA_FLOWER_KEY_UDP_SRC_MASK, be16Bytes(k.UDPSrc), be16Bytes(mask.UDPSrc))
			addMasked(opts, TCA_FLOWER_KEY_UDP_DST, TCA_FLOWER_KEY_UDP_DST_MASK, be16Bytes(k.UDPDst), be16Bytes(mask.UDPDst))
		case layers.IPProtocolSCTP:
			addMasked(opts, TCA_FLOWER_KEY_SCTP_SRC, TCA_FLOWER_KEY_SCTP_SRC_MASK, be16Bytes(k.SCTPSrc), be16Bytes(mask.SCTPSrc))
			addMasked(opts, TCA_FLOWER_KEY_SCTP_DST, TCA_FLOWER_KEY_SCTP_DST_MASK, be16Bytes(k.SCTPDst), be16Bytes(mask.SCTPDst))
		case layers.IPProtocolICMPv4:
			addMasked(opts, TCA_FLOWER_KEY_ICMPV4_TYPE, TCA_FLOWER_KEY_ICMPV4_TYPE_MASK, u8Bytes(k.ICMPType), u8Bytes(mask.ICMPType))
			addMasked(opts, TCA_FLOWER_KEY_ICMPV4_CODE, TCA_FLOWER_KEY_ICMPV4_CODE_MASK, u8Bytes(k.ICMPCode), u8Bytes(mask.ICMPCode))
		case layers.IPProtocolICMPv6:
			addMasked(opts, TCA_FLOWER_KEY_ICMPV6_TYPE, TCA_FLOWER_KEY_ICMPV6_TYPE_MASK, u8Bytes(k.ICMPType), u8Bytes(mask.ICMPType))
			addMasked(opts, TCA_FLOWER_KEY_ICMPV6_CODE, TCA_FLOWER_KEY_ICMPV6_CODE_MASK, u8Bytes(k.ICMPCode), u8Bytes(mask.ICMPCode))
		}
	}

	addMasked(opts, TCA_FLOWER_KEY_CT_STATE, TCA_FLOWER_KEY_CT_STATE_MASK, u16Bytes(k.CTState), u16Bytes(mask.CTState))
	addMasked(opts, TCA_FLOWER_KEY_CT_ZONE, TCA_FLOWER_KEY_CT_ZONE_MASK, u16Bytes(k.CTZone), u16Bytes(mask.CTZone))
	addMasked(opts, TCA_FLOWER_KEY_CT_MARK, TCA_FLOWER_KEY_CT_MARK_MASK, u32Bytes(k.CTMark), u32Bytes(mask.CTMark))
	addMasked(opts, TCA_FLOWER_KEY_CT_LABELS, TCA_FLOWER_KEY_CT_LABELS_MASK, k.CTLabel[:], mask.CTLabel[:])

	switch ethType {
	case layers.EthernetTypeIPv4:
		addMasked(opts, TCA_FLOWER_KEY_IPV4_SRC, TCA_FLOWER_KEY_IPV4_SRC_MASK, k.IPv4.Src[:], mask.IPv4.Src[:])
		addMasked(opts, TCA_FLOWER_KEY_IPV4_DST, TCA_FLOWER_KEY_IPV4_DST_MASK, k.IPv4.Dst[:], mask.IPv4.Dst[:])
	case layers.EthernetTypeIPv6:
		addMasked(opts, TCA_FLOWER_KEY_IPV6_SRC, TCA_FLOWER_KEY_IPV6_SRC_MASK, k.IPv6.Src[:], mask.IPv6.Src[:])
		addMasked(opts, TCA_FLOWER_KEY_IPV6_DST, TCA_FLOWER_KEY_IPV6_DST_MASK, k.IPv6.Dst[:], mask.IPv6.Dst[:])
	}

	addBE16(opts, TCA_FLOWER_KEY_ETH_TYPE, key.EthType)

	if isMPLSType(key.EthType) {
		lse := k.MPLSLse
		if lseTTL(mask.MPLSLse) != 0 {
			addU8(opts, TCA_FLOWER_KEY_MPLS_TTL, lseTTL(lse))
		}
		if lseTC(mask.MPLSLse) != 0 {
			addU8(opts, TCA_FLOWER_KEY_MPLS_TC, lseTC(lse))
		}
		if lseBOS(mask.MPLSLse) != 0 {
			addU8(opts, TCA_FLOWER_KEY_MPLS_BOS, lseBOS(lse))
		}
		if lseLabel(mask.MPLSLse) != 0 {
			addU32(opts, TCA_FLOWER_KEY_MPLS_LABEL, lseLabel(lse))
		}
	}

	if isVlanType(key.EthType) {
		if mask.VlanID[0] != 0 {
			addU16(opts, TCA_FLOWER_KEY_VLAN_ID, k.VlanID[0])
		}
		if mask.VlanPrio[0] != 0 {
			addU8(opts, TCA_FLOWER_KEY_VLAN_PRIO, k.VlanPrio[0])
		}
		if key.EncapEthType[0] != 0 {
			addBE16(opts, TCA_FLOWER_KEY_VLAN_ETH_TYPE, key.EncapEthType[0])
		}
		if isVlanType(key.EncapEthType[0]) {
			if mask.VlanID[1] != 0 {
				addU16(opts, TCA_FLOWER_KEY_CVLAN_ID, k.VlanID[1])
			}
			if mask.VlanPrio[1] != 0 {
				addU8(opts, TCA_FLOWER_KEY_CVLAN_PRIO, k.VlanPrio[1])
			}
			if key.EncapEthType[1] != 0 {
				addBE16(opts, TCA_FLOWER_KEY_CVLAN_ETH_TYPE, key.EncapEthType[1])
			}
		}
	}

	addU32(opts, TCA_FLOWER_FLAGS, policy.clsFlags())

	if key.Tunnel.IsZero() && mask.Tunnel.IsZero() {
		return nil
	}
	if err := checkGeneveShape(key.Tunnel.Geneve, mask.Tunnel.Geneve); err != nil {
		return err
	}
	return encodeTunnelMatch(opts, &k.Tunnel, &mask.Tunnel)
}

// encodeTunnelMatch writes the outer header keys; key must already be
// masked.
func encodeTunnelMatch(opts *nl.RtAttr, key, mask *Tunnel) error {
	switch {
	case !allZero(mask.IPv4Src[:]) || !allZero(mask.IPv4Dst[:]):
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV4_SRC_MASK, mask.IPv4Src[:])
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV4_SRC, key.IPv4Src[:])
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV4_DST_MASK, mask.IPv4Dst[:])
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV4_DST, key.IPv4Dst[:])
	case !allZero(mask.IPv6Src[:]) || !allZero(mask.IPv6Dst[:]):
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV6_SRC_MASK, mask.IPv6Src[:])
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV6_SRC, key.IPv6Src[:])
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV6_DST_MASK, mask.IPv6Dst[:])
		addBytes(opts, TCA_FLOWER_KEY_ENC_IPV6_DST, key.IPv6Dst[:])
	}
	addMasked(opts, TCA_FLOWER_KEY_ENC_IP_TOS, TCA_FLOWER_KEY_ENC_IP_TOS_MASK, u8Bytes(key.TOS), u8Bytes(mask.TOS))
	addMasked(opts, TCA_FLOWER_KEY_ENC_IP_TTL, TCA_FLOWER_KEY_ENC_IP_TTL_MASK, u8Bytes(key.TTL), u8Bytes(mask.TTL))
	addMasked(opts, TCA_FLOWER_KEY_ENC_UDP_DST_PORT, TCA_FLOWER_KEY_ENC_UDP_DST_PORT_MASK, be16Bytes(key.TPDst), be16Bytes(mask.TPDst))
	addMasked(opts, TCA_FLOWER_KEY_ENC_UDP_SRC_PORT, TCA_FLOWER_KEY_ENC_UDP_SRC_PORT_MASK, be16Bytes(key.TPSrc), be16Bytes(mask.TPSrc))
	if mask.ID != 0 {
		addBE32(opts, TCA_FLOWER_KEY_ENC_KEY_ID, uint32(key.ID))
	}

	if hasTunnelOpts(key.Geneve, key.GBP) || hasTunnelOpts(mask.Geneve, mask.GBP) {
		if err := checkGeneveShape(key.Geneve, mask.Geneve); err != nil {
			return err
		}
		if err := encodeTunnelOpts(opts, TCA_FLOWER_KEY_ENC_OPTS, matchOptAttrs, key.Geneve, key.GBP); err != nil {
			return err
		}
		if err := encodeTunnelOpts(opts, TCA_FLOWER_KEY_ENC_OPTS_MASK, matchOptAttrs, mask.Geneve, mask.GBP); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMatch parses the TCA_OPTIONS payload of a flower filter. ethType
// is the outer EtherType taken from the tcmsg header. A terse reply only
// carries the offload flags.
func DecodeMatch(options []byte, ethType uint16, terse bool) (key, mask MatchKey, state OffloadState, err error) {
	r, err := newAttrReader("flower", options)
	if err != nil {
		return key, mask, state, err
	}
	key.EthType, mask.EthType = ethType, 0xffff
	state, err = decodeMatch(r, &key, &mask, terse)
	return key, mask, state, err
}

func decodeMatch(r *attrReader, key, mask *MatchKey, terse bool) (OffloadState, error) {
	var state OffloadState
	if r.has(TCA_FLOWER_FLAGS) {
		state = offloadStateFromFlags(r.u32(TCA_FLOWER_FLAGS))
	}
	if terse {
		return state, r.err
	}
	if !r.require(TCA_FLOWER_KEY_ETH_TYPE) {
		return state, r.err
	}

	r.maskedBytes(TCA_FLOWER_KEY_ETH_DST, TCA_FLOWER_KEY_ETH_DST_MASK, key.DstMAC[:], mask.DstMAC[:])
	r.maskedBytes(TCA_FLOWER_KEY_ETH_SRC, TCA_FLOWER_KEY_ETH_SRC_MASK, key.SrcMAC[:], mask.SrcMAC[:])

	r.maskedBytes(TCA_FLOWER_KEY_ARP_SIP, TCA_FLOWER_KEY_ARP_SIP_MASK, key.ARP.SPA[:], mask.ARP.SPA[:])
	r.maskedBytes(TCA_FLOWER_KEY_ARP_TIP, TCA_FLOWER_KEY_ARP_TIP_MASK, key.ARP.TPA[:], mask.ARP.TPA[:])
	r.maskedBytes(TCA_FLOWER_KEY_ARP_SHA, TCA_FLOWER_KEY_ARP_SHA_MASK, key.ARP.SHA[:], mask.ARP.SHA[:])
	r.maskedBytes(TCA_FLOWER_KEY_ARP_THA, TCA_FLOWER_KEY_ARP_THA_MASK, key.ARP.THA[:], mask.ARP.THA[:])
	r.maskedU8(TCA_FLOWER_KEY_ARP_OP, TCA_FLOWER_KEY_ARP_OP_MASK, &key.ARP.Op, &mask.ARP.Op)

	ethTypeAttr := r.be16(TCA_FLOWER_KEY_ETH_TYPE)
	switch {
	case isMPLSType(key.EthType):
		decodeMPLS(r, key, mask, ethTypeAttr)
	case isVlanType(key.EthType):
		decodeVlan(r, key, mask, ethTypeAttr)
	}

	if r.has(TCA_FLOWER_KEY_IP_PROTO) {
		key.IPProto = r.u8(TCA_FLOWER_KEY_IP_PROTO)
		mask.IPProto = 0xff
	}
	r.maskedBE32(TCA_FLOWER_KEY_FLAGS, TCA_FLOWER_KEY_FLAGS_MASK, &key.Flags, &mask.Flags)

	r.maskedBytes(TCA_FLOWER_KEY_IPV4_SRC, TCA_FLOWER_KEY_IPV4_SRC_MASK, key.IPv4.Src[:], mask.IPv4.Src[:])
	r.maskedBytes(TCA_FLOWER_KEY_IPV4_DST, TCA_FLOWER_KEY_IPV4_DST_MASK, key.IPv4.Dst[:], mask.IPv4.Dst[:])
	r.maskedBytes(TCA_FLOWER_KEY_IPV6_SRC, TCA_FLOWER_KEY_IPV6_SRC_MASK, key.IPv6.Src[:], mask.IPv6.Src[:])
	r.maskedBytes(TCA_FLOWER_KEY_IPV6_DST, TCA_FLOWER_KEY_IPV6_DST_MASK, key.IPv6.Dst[:], mask.IPv6.Dst[:])

	switch layers.IPProtocol(key.IPProto) {
	case layers.IPProtocolTCP:
		r.maskedBE16(TCA_FLOWER_KEY_TCP_SRC, TCA_FLOWER_KEY_TCP_SRC_MASK, &key.TCPSrc, &mask.TCPSrc)
		r.maskedBE16(TCA_FLOWER_KEY_TCP_DST, TCA_FLOWER_KEY_TCP_DST_MASK, &key.TCPDst, &mask.TCPDst)
		r.maskedBE16(TCA_FLOWER_KEY_TCP_FLAGS, TCA_FLOWER_KEY_TCP_FLAGS_MASK, &key.TCPFlags, &mask.TCPFlags)
	case layers.IPProtocolUDP:
		r.maskedBE16(TCA_FLOWER_KEY_UDP_SRC, TCA_FLOWER_KEY_UDP_SRC_MASK, &key.UDPSrc, &mask.UDPSrc)
		r.maskedBE16(TCA_FLOWER_KEY_UDP_DST, TCA_FLOWER_KEY_UDP_DST_MASK, &key.UDPDst, &mask.UDPDst)
	case layers.IPProtocolSCTP:
		r.maskedBE16(TCA_FLOWER_KEY_SCTP_SRC, TCA_FLOWER_KEY_SCTP_SRC_MASK, &key.SCTPSrc, &mask.SCTPSrc)
		r.maskedBE16(TCA_FLOWER_KEY_SCTP_DST, TCA_FLOWER_KEY_SCTP_DST_MASK, &key.SCTPDst, &mask.SCTPDst)
	case layers.IPProtocolICMPv4:
		r.maskedU8(TCA_FLOWER_KEY_ICMPV4_TYPE, TCA_FLOWER_KEY_ICMPV4_TYPE_MASK, &key.ICMPType, &mask.ICMPType)
		r.maskedU8(TCA_FLOWER_KEY_ICMPV4_CODE, TCA_FLOWER_KEY_ICMPV4_CODE_MASK, &key.ICMPCode, &mask.ICMPCode)
	case layers.IPProtocolICMPv6:
		r.maskedU8(TCA_FLOWER_KEY_ICMPV6_TYPE, TCA_FLOWER_KEY_ICMPV6_TYPE_MASK, &key.ICMPType, &mask.ICMPType)
		r.maskedU8(TCA_FLOWER_KEY_ICMPV6_CODE, TCA_FLOWER_KEY_ICMPV6_CODE_MASK, &key.ICMPCode, &mask.ICMPCode)
	}

	r.maskedU8(TCA_FLOWER_KEY_IP_TTL, TCA_FLOWER_KEY_IP_TTL_MASK, &key.IPTTL, &mask.IPTTL)
	r.maskedU8(TCA_FLOWER_KEY_IP_TOS, TCA_FLOWER_KEY_IP_TOS_MASK, &key.IPTOS, &mask.IPTOS)

	r.maskedU16(TCA_FLOWER_KEY_CT_STATE, TCA_FLOWER_KEY_CT_STATE_MASK, &key.CTState, &mask.CTState)
	r.maskedU16(TCA_FLOWER_KEY_CT_ZONE, TCA_FLOWER_KEY_CT_ZONE_MASK, &key.CTZone, &mask.CTZone)
	r.maskedU32(TCA_FLOWER_KEY_CT_MARK, TCA_FLOWER_KEY_CT_MARK_MASK, &key.CTMark, &mask.CTMark)
	r.maskedBytes(TCA_FLOWER_KEY_CT_LABELS, TCA_FLOWER_KEY_CT_LABELS_MASK, key.CTLabel[:], mask.CTLabel[:])

	if err := decodeTunnelMatch(r, &key.Tunnel, &mask.Tunnel); err != nil {
		return state, err
	}
	return state, r.err
}

func decodeMPLS(r *attrReader, key, mask *MatchKey, ethTypeAttr uint16) {
	// a dump carries the type below the label stack
	if ethTypeAttr != key.EthType {
		key.EncapEthType[0], mask.EncapEthType[0] = ethTypeAttr, 0xffff
	}
	if r.has(TCA_FLOWER_KEY_MPLS_TTL) {
		key.MPLSLse |= mplsLse(0, 0, 0, r.u8(TCA_FLOWER_KEY_MPLS_TTL))
		mask.MPLSLse |= mplsLse(0, 0, 0, 0xff)
	}
	if r.has(TCA_FLOWER_KEY_MPLS_BOS) {
		key.MPLSLse |= mplsLse(0, 0, r.u8(TCA_FLOWER_KEY_MPLS_BOS), 0)
		mask.MPLSLse |= mplsLse(0, 0, 1, 0)
	}
	if r.has(TCA_FLOWER_KEY_MPLS_TC) {
		key.MPLSLse |= mplsLse(0, r.u8(TCA_FLOWER_KEY_MPLS_TC), 0, 0)
		mask.MPLSLse |= mplsLse(0, 0x7, 0, 0)
	}
	if r.has(TCA_FLOWER_KEY_MPLS_LABEL) {
		key.MPLSLse |= mplsLse(r.u32(TCA_FLOWER_KEY_MPLS_LABEL), 0, 0, 0)
		mask.MPLSLse |= mplsLse(0xfffff, 0, 0, 0)
	}
}

// decodeVlan accepts the request layout, where ETH_TYPE repeats the outer
// tag type, and the dump layout, where it holds the innermost EtherType.
func decodeVlan(r *attrReader, key, mask *MatchKey, ethTypeAttr uint16) {
	readTag := func(i, idType, prioType int) {
		if r.has(idType) {
			key.VlanID[i] = r.u16(idType) & vlanIDMask
			mask.VlanID[i] = vlanIDMask
		}
		if r.has(prioType) {
			key.VlanPrio[i] = r.u8(prioType) & vlanPrioMask
			mask.VlanPrio[i] = vlanPrioMask
		}
	}
	readTag(0, TCA_FLOWER_KEY_VLAN_ID, TCA_FLOWER_KEY_VLAN_PRIO)

	if ethTypeAttr == key.EthType {
		if r.has(TCA_FLOWER_KEY_VLAN_ETH_TYPE) {
			key.EncapEthType[0] = r.be16(TCA_FLOWER_KEY_VLAN_ETH_TYPE)
			mask.EncapEthType[0] = 0xffff
		}
		if isVlanType(key.EncapEthType[0]) {
			readTag(1, TCA_FLOWER_KEY_CVLAN_ID, TCA_FLOWER_KEY_CVLAN_PRIO)
			if r.has(TCA_FLOWER_KEY_CVLAN_ETH_TYPE) {
				key.EncapEthType[1] = r.be16(TCA_FLOWER_KEY_CVLAN_ETH_TYPE)
				mask.EncapEthType[1] = 0xffff
			}
		}
		return
	}

	key.EncapEthType[0] = ethTypeAttr
	mask.EncapEthType[0] = 0xffff
	if !r.has(TCA_FLOWER_KEY_VLAN_ETH_TYPE) {
		return
	}
	inner := r.be16(TCA_FLOWER_KEY_VLAN_ETH_TYPE)
	if !isVlanType(inner) {
		return
	}
	key.EncapEthType[1] = key.EncapEthType[0]
	mask.EncapEthType[1] = 0xffff
	key.EncapEthType[0] = inner
	readTag(1, TCA_FLOWER_KEY_CVLAN_ID, TCA_FLOWER_KEY_CVLAN_PRIO)
}

func decodeTunnelMatch(r *attrReader, key, mask *Tunnel) error {
	if r.has(TCA_FLOWER_KEY_ENC_KEY_ID) {
		key.ID = uint64(r.be32(TCA_FLOWER_KEY_ENC_KEY_ID))
		mask.ID = ^uint64(0)
	}
	r.maskedBytes(TCA_FLOWER_KEY_ENC_IPV4_SRC, TCA_FLOWER_KEY_ENC_IPV4_SRC_MASK, key.IPv4Src[:], mask.IPv4Src[:])
	r.maskedBytes(TCA_FLOWER_KEY_ENC_IPV4_DST, TCA_FLOWER_KEY_ENC_IPV4_DST_MASK, key.IPv4Dst[:], mask.IPv4Dst[:])
	r.maskedBytes(TCA_FLOWER_KEY_ENC_IPV6_SRC, TCA_FLOWER_KEY_ENC_IPV6_SRC_MASK, key.IPv6Src[:], mask.IPv6Src[:])
	r.maskedBytes(TCA_FLOWER_KEY_ENC_IPV6_DST, TCA_FLOWER_KEY_ENC_IPV6_DST_MASK, key.IPv6Dst[:], mask.IPv6Dst[:])
	r.maskedU8(TCA_FLOWER_KEY_ENC_IP_TOS, TCA_FLOWER_KEY_ENC_IP_TOS_MASK, &key.TOS, &mask.TOS)
	r.maskedU8(TCA_FLOWER_KEY_ENC_IP_TTL, TCA_FLOWER_KEY_ENC_IP_TTL_MASK, &key.TTL, &mask.TTL)
	r.maskedBE16(TCA_FLOWER_KEY_ENC_UDP_DST_PORT, TCA_FLOWER_KEY_ENC_UDP_DST_PORT_MASK, &key.TPDst, &mask.TPDst)
	r.maskedBE16(TCA_FLOWER_KEY_ENC_UDP_SRC_PORT, TCA_FLOWER_KEY_ENC_UDP_SRC_PORT_MASK, &key.TPSrc, &mask.TPSrc)

	hasKey, hasMask := r.has(TCA_FLOWER_KEY_ENC_OPTS), r.has(TCA_FLOWER_KEY_ENC_OPTS_MASK)
	if hasKey != hasMask {
		return newError(KindProtocol, r.op, "tunnel options without mask")
	}
	if !hasKey || r.err != nil {
		return r.err
	}
	var err error
	if key.Geneve, key.GBP, err = decodeTunnelOpts(r.get(TCA_FLOWER_KEY_ENC_OPTS, 0), matchOptAttrs); err != nil {
		return err
	}
	if mask.Geneve, mask.GBP, err = decodeTunnelOpts(r.get(TCA_FLOWER_KEY_ENC_OPTS_MASK, 0), matchOptAttrs); err != nil {
		return err
	}
	return checkGeneveShape(key.Geneve, mask.Geneve)
}
