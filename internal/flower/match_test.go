package flower

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

func encodeMatchOptions(t *testing.T, key, mask *MatchKey, policy Policy) []byte {
	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	require.NoError(t, EncodeMatch(opts, key, mask, policy))
	return opts.Serialize()[unix.SizeofRtAttr:]
}

func ipv4TCPMatch() (key, mask MatchKey) {
	key.EthType, mask.EthType = 0x0800, 0xffff
	key.IPProto, mask.IPProto = 6, 0xff
	key.TCPDst, mask.TCPDst = 80, 0xffff
	return key, mask
}

func TestMatchRoundTrip(t *testing.T) {
	key, mask := ipv4TCPMatch()
	key.DstMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	mask.DstMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	key.IPv4.Src, mask.IPv4.Src = [4]byte{10, 1, 0, 0}, [4]byte{0xff, 0xff, 0, 0}
	key.IPv4.Dst, mask.IPv4.Dst = [4]byte{192, 168, 1, 7}, [4]byte{0xff, 0xff, 0xff, 0xff}
	key.IPTTL, mask.IPTTL = 64, 0xff
	key.IPTOS, mask.IPTOS = 0x10, 0xfc
	key.TCPSrc, mask.TCPSrc = 0x1000, 0xf000
	key.TCPFlags, mask.TCPFlags = 0x02, 0x12
	key.Flags, mask.Flags = TCA_FLOWER_KEY_FLAGS_IS_FRAGMENT, TCA_FLOWER_KEY_FLAGS_IS_FRAGMENT
	key.CTState, mask.CTState = 0x02, 0x03
	key.CTZone, mask.CTZone = 5, 0xffff
	key.CTMark, mask.CTMark = 0x10, 0xff
	key.CTLabel[15], mask.CTLabel[15] = 1, 0xff

	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	gotKey, gotMask, state, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, OffloadUndefined, state)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, mask, gotMask)
}

func TestMatchMaskedBitsNotEncoded(t *testing.T) {
	key, mask := ipv4TCPMatch()
	key.IPv4.Src, mask.IPv4.Src = [4]byte{10, 0, 0, 99}, [4]byte{0xff, 0xff, 0xff, 0}
	key.TCPSrc = 1234
	key.SrcMAC = [6]byte{1, 2, 3, 4, 5, 6}
	key.CTMark = 7

	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	table, err := parseAttrTable(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 0}, table[TCA_FLOWER_KEY_IPV4_SRC])
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_TCP_SRC))
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_ETH_SRC))
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_CT_MARK))

	gotKey, gotMask, _, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, key.Masked(&mask), gotKey)
	assert.Equal(t, mask, gotMask)
	assert.Zero(t, gotKey.TCPSrc)
	assert.Zero(t, gotKey.SrcMAC)
}

func TestMatchL4GatedByProto(t *testing.T) {
	var key, mask MatchKey
	key.EthType, mask.EthType = 0x0800, 0xffff
	key.IPProto, mask.IPProto = 17, 0xff
	key.UDPDst, mask.UDPDst = 53, 0xffff
	key.TCPDst, mask.TCPDst = 80, 0xffff

	table, err := parseAttrTable(encodeMatchOptions(t, &key, &mask, PolicyNone))
	require.NoError(t, err)
	assert.Contains(t, table, uint16(TCA_FLOWER_KEY_UDP_DST))
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_TCP_DST))
}

func TestMatchARPOnlyForARP(t *testing.T) {
	var key, mask MatchKey
	key.EthType, mask.EthType = 0x0800, 0xffff
	key.ARP.Op, mask.ARP.Op = 1, 0xff

	table, err := parseAttrTable(encodeMatchOptions(t, &key, &mask, PolicyNone))
	require.NoError(t, err)
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_ARP_OP))

	key.EthType = 0x0806
	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	gotKey, gotMask, _, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), gotKey.ARP.Op)
	assert.Equal(t, uint8(0xff), gotMask.ARP.Op)
}

func TestMatchVlanRequestForm(t *testing.T) {
	var key, mask MatchKey
	key.EthType, mask.EthType = 0x8100, 0xffff
	key.EncapEthType[0], mask.EncapEthType[0] = 0x0800, 0xffff
	key.VlanID[0], mask.VlanID[0] = 100, vlanIDMask
	key.VlanPrio[0], mask.VlanPrio[0] = 3, vlanPrioMask
	key.IPProto, mask.IPProto = 17, 0xff
	key.UDPDst, mask.UDPDst = 4789, 0xffff

	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	gotKey, gotMask, _, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, mask, gotMask)
}

func TestMatchQinQRequestForm(t *testing.T) {
	var key, mask MatchKey
	key.EthType, mask.EthType = 0x88a8, 0xffff
	key.EncapEthType, mask.EncapEthType = [2]uint16{0x8100, 0x86dd}, [2]uint16{0xffff, 0xffff}
	key.VlanID, mask.VlanID = [2]uint16{10, 20}, [2]uint16{vlanIDMask, vlanIDMask}
	key.IPv6.Dst[15], mask.IPv6.Dst[15] = 1, 0xff

	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	table, err := parseAttrTable(b)
	require.NoError(t, err)
	assert.Contains(t, table, uint16(TCA_FLOWER_KEY_IPV6_DST))
	assert.Contains(t, table, uint16(TCA_FLOWER_KEY_CVLAN_ID))

	gotKey, gotMask, _, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, mask, gotMask)
}

func TestMatchVlanDumpForm(t *testing.T) {
	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	addBE16(opts, TCA_FLOWER_KEY_ETH_TYPE, 0x0800)
	addU16(opts, TCA_FLOWER_KEY_VLAN_ID, 42)
	addU8(opts, TCA_FLOWER_KEY_IP_PROTO, 6)

	key, mask, _, err := DecodeMatch(opts.Serialize()[unix.SizeofRtAttr:], 0x8100, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8100), key.EthType)
	assert.Equal(t, uint16(0x0800), key.EncapEthType[0])
	assert.Equal(t, uint16(42), key.VlanID[0])
	assert.Equal(t, uint16(vlanIDMask), mask.VlanID[0])
	assert.Equal(t, uint8(6), key.IPProto)
	assert.Equal(t, uint8(0xff), mask.IPProto)
}

func TestMatchMPLS(t *testing.T) {
	var key, mask MatchKey
	key.EthType, mask.EthType = 0x8847, 0xffff
	key.MPLSLse = mplsLse(1000, 5, 1, 64)
	mask.MPLSLse = mplsLse(0xfffff, 0, 1, 0)

	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	table, err := parseAttrTable(b)
	require.NoError(t, err)
	assert.Contains(t, table, uint16(TCA_FLOWER_KEY_MPLS_LABEL))
	assert.Contains(t, table, uint16(TCA_FLOWER_KEY_MPLS_BOS))
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_MPLS_TC))
	assert.NotContains(t, table, uint16(TCA_FLOWER_KEY_MPLS_TTL))

	gotKey, gotMask, _, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, mplsLse(1000, 0, 1, 0), gotKey.MPLSLse)
	assert.Equal(t, mask.MPLSLse, gotMask.MPLSLse)
}

func TestMatchTunnel(t *testing.T) {
	key, mask := ipv4TCPMatch()
	key.Tunnel = Tunnel{
		IPv4Src: [4]byte{172, 16, 0, 1},
		IPv4Dst: [4]byte{172, 16, 0, 2},
		TTL:     64,
		ID:      42,
		TPDst:   6081,
		Geneve:  []GeneveOption{{Class: 0x0102, Type: 0x80, Data: []byte{0, 0, 0, 9}}},
	}
	mask.Tunnel = Tunnel{
		IPv4Src: [4]byte{0xff, 0xff, 0xff, 0xff},
		IPv4Dst: [4]byte{0xff, 0xff, 0xff, 0xff},
		TTL:     0xff,
		ID:      ^uint64(0),
		TPDst:   0xffff,
		Geneve:  []GeneveOption{{Class: 0xffff, Type: 0xff, Data: []byte{0xff, 0xff, 0xff, 0xff}}},
	}

	b := encodeMatchOptions(t, &key, &mask, PolicyNone)
	gotKey, gotMask, _, err := DecodeMatch(b, key.EthType, false)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, mask, gotMask)
}

func TestMatchTunnelShapeMismatch(t *testing.T) {
	key, mask := ipv4TCPMatch()
	key.Tunnel.Geneve = []GeneveOption{{Class: 1, Data: make([]byte, 4)}, {Class: 2, Data: make([]byte, 4)}}
	mask.Tunnel.Geneve = []GeneveOption{{Class: 0xffff, Data: make([]byte, 4)}}

	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	err := EncodeMatch(opts, &key, &mask, PolicyNone)
	require.Error(t, err)
	assert.Equal(t, KindInvariant, KindOf(err))
	assert.ErrorIs(t, err, ErrTunnelOptLength)
}

func TestMatchTunnelOptsWithoutMask(t *testing.T) {
	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	addBE16(opts, TCA_FLOWER_KEY_ETH_TYPE, 0x0800)
	g := addNested(addNested(opts, TCA_FLOWER_KEY_ENC_OPTS), TCA_FLOWER_KEY_ENC_OPTS_GENEVE)
	addBE16(g, TCA_FLOWER_KEY_ENC_OPT_GENEVE_CLASS, 1)
	addU8(g, TCA_FLOWER_KEY_ENC_OPT_GENEVE_TYPE, 1)
	addBytes(g, TCA_FLOWER_KEY_ENC_OPT_GENEVE_DATA, []byte{0, 0, 0, 1})

	_, _, _, err := DecodeMatch(opts.Serialize()[unix.SizeofRtAttr:], 0x0800, false)
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestMatchFlags(t *testing.T) {
	key, mask := ipv4TCPMatch()
	table, err := parseAttrTable(encodeMatchOptions(t, &key, &mask, PolicySkipSW))
	require.NoError(t, err)
	assert.Equal(t, u32Bytes(TCA_CLS_FLAGS_SKIP_SW), table[TCA_FLOWER_FLAGS])

	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	addU32(opts, TCA_FLOWER_FLAGS, TCA_CLS_FLAGS_SKIP_SW|TCA_CLS_FLAGS_IN_HW)
	_, _, state, err := DecodeMatch(opts.Serialize()[unix.SizeofRtAttr:], 0x0800, true)
	require.NoError(t, err)
	assert.Equal(t, OffloadInHW, state)
}

func TestMatchMissingEthType(t *testing.T) {
	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	addU8(opts, TCA_FLOWER_KEY_IP_PROTO, 6)
	_, _, _, err := DecodeMatch(opts.Serialize()[unix.SizeofRtAttr:], 0x0800, false)
	assert.Equal(t, KindProtocol, KindOf(err))
}
