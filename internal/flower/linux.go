package flower

import (
	"bytes"
	"encoding/binary"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Kernel ABI of the tc filter and action subsystems. Names follow the uapi
// headers (pkt_cls.h, pkt_sched.h, tc_act/*.h, gen_stats.h).

const (
	TC_H_MAJ_MASK     = 0xFFFF0000
	TC_H_MIN_MASK     = 0x0000FFFF
	TC_H_INGRESS      = 0xFFFFFFF1
	TC_H_CLSACT       = TC_H_INGRESS
	TC_H_MIN_INGRESS  = 0xFFF2
	TC_H_MIN_EGRESS   = 0xFFF3
	TC_INGRESS_PARENT = (TC_H_CLSACT & TC_H_MAJ_MASK) | (TC_H_MIN_INGRESS & TC_H_MIN_MASK)
	TC_EGRESS_PARENT  = (TC_H_CLSACT & TC_H_MAJ_MASK) | (TC_H_MIN_EGRESS & TC_H_MIN_MASK)

	TCM_IFINDEX_MAGIC_BLOCK = 0xFFFFFFFF

	// Priority reserved for meter policers; such filters are not flower rules.
	TC_RESERVED_PRIORITY_POLICE = 1
)

func tcMakeHandle(major, minor uint32) uint32 {
	return (major & TC_H_MAJ_MASK) | (minor & TC_H_MIN_MASK)
}

// tcmsg level attributes
const (
	TCA_UNSPEC = iota
	TCA_KIND
	TCA_OPTIONS
	TCA_STATS
	TCA_XSTATS
	TCA_RATE
	TCA_FCNT
	TCA_STATS2
	TCA_STAB
	TCA_PAD
	TCA_DUMP_INVISIBLE
	TCA_CHAIN
	TCA_HW_OFFLOAD
	TCA_INGRESS_BLOCK
	TCA_EGRESS_BLOCK
	TCA_DUMP_FLAGS
)

const TCA_DUMP_FLAGS_TERSE = 1 << 0

// flower options
const (
	TCA_FLOWER_UNSPEC = iota
	TCA_FLOWER_CLASSID
	TCA_FLOWER_INDEV
	TCA_FLOWER_ACT
	TCA_FLOWER_KEY_ETH_DST
	TCA_FLOWER_KEY_ETH_DST_MASK
	TCA_FLOWER_KEY_ETH_SRC
	TCA_FLOWER_KEY_ETH_SRC_MASK
	TCA_FLOWER_KEY_ETH_TYPE
	TCA_FLOWER_KEY_IP_PROTO
	TCA_FLOWER_KEY_IPV4_SRC
	TCA_FLOWER_KEY_IPV4_SRC_MASK
	TCA_FLOWER_KEY_IPV4_DST
	TCA_FLOWER_KEY_IPV4_DST_MASK
	TCA_FLOWER_KEY_IPV6_SRC
	TCA_FLOWER_KEY_IPV6_SRC_MASK
	TCA_FLOWER_KEY_IPV6_DST
	TCA_FLOWER_KEY_IPV6_DST_MASK
	TCA_FLOWER_KEY_TCP_SRC
	TCA_FLOWER_KEY_TCP_DST
	TCA_FLOWER_KEY_UDP_SRC
	TCA_FLOWER_KEY_UDP_DST
	TCA_FLOWER_FLAGS
	TCA_FLOWER_KEY_VLAN_ID
	TCA_FLOWER_KEY_VLAN_PRIO
	TCA_FLOWER_KEY_VLAN_ETH_TYPE
	TCA_FLOWER_KEY_ENC_KEY_ID
	TCA_FLOWER_KEY_ENC_IPV4_SRC
	TCA_FLOWER_KEY_ENC_IPV4_SRC_MASK
	TCA_FLOWER_KEY_ENC_IPV4_DST
	TCA_FLOWER_KEY_ENC_IPV4_DST_MASK
	TCA_FLOWER_KEY_ENC_IPV6_SRC
	TCA_FLOWER_KEY_ENC_IPV6_SRC_MASK
	TCA_FLOWER_KEY_ENC_IPV6_DST
	TCA_FLOWER_KEY_ENC_IPV6_DST_MASK
	TCA_FLOWER_KEY_TCP_SRC_MASK
	TCA_FLOWER_KEY_TCP_DST_MASK
	TCA_FLOWER_KEY_UDP_SRC_MASK
	TCA_FLOWER_KEY_UDP_DST_MASK
	TCA_FLOWER_KEY_SCTP_SRC_MASK
	TCA_FLOWER_KEY_SCTP_DST_MASK
	TCA_FLOWER_KEY_SCTP_SRC
	TCA_FLOWER_KEY_SCTP_DST
	TCA_FLOWER_KEY_ENC_UDP_SRC_PORT
	TCA_FLOWER_KEY_ENC_UDP_SRC_PORT_MASK
	TCA_FLOWER_KEY_ENC_UDP_DST_PORT
	TCA_FLOWER_KEY_ENC_UDP_DST_PORT_MASK
	TCA_FLOWER_KEY_FLAGS
	TCA_FLOWER_KEY_FLAGS_MASK
	TCA_FLOWER_KEY_ICMPV4_CODE
	TCA_FLOWER_KEY_ICMPV4_CODE_MASK
	TCA_FLOWER_KEY_ICMPV4_TYPE
	TCA_FLOWER_KEY_ICMPV4_TYPE_MASK
	TCA_FLOWER_KEY_ICMPV6_CODE
	TCA_FLOWER_KEY_ICMPV6_CODE_MASK
	TCA_FLOWER_KEY_ICMPV6_TYPE
	TCA_FLOWER_KEY_ICMPV6_TYPE_MASK
	TCA_FLOWER_KEY_ARP_SIP
	TCA_FLOWER_KEY_ARP_SIP_MASK
	TCA_FLOWER_KEY_ARP_TIP
	TCA_FLOWER_KEY_ARP_TIP_MASK
	TCA_FLOWER_KEY_ARP_OP
	TCA_FLOWER_KEY_ARP_OP_MASK
	TCA_FLOWER_KEY_ARP_SHA
	TCA_FLOWER_KEY_ARP_SHA_MASK
	TCA_FLOWER_KEY_ARP_THA
	TCA_FLOWER_KEY_ARP_THA_MASK
	TCA_FLOWER_KEY_MPLS_TTL
	TCA_FLOWER_KEY_MPLS_BOS
	TCA_FLOWER_KEY_MPLS_TC
	TCA_FLOWER_KEY_MPLS_LABEL
	TCA_FLOWER_KEY_TCP_FLAGS
	TCA_FLOWER_KEY_TCP_FLAGS_MASK
	TCA_FLOWER_KEY_IP_TOS
	TCA_FLOWER_KEY_IP_TOS_MASK
	TCA_FLOWER_KEY_IP_TTL
	TCA_FLOWER_KEY_IP_TTL_MASK
	TCA_FLOWER_KEY_CVLAN_ID
	TCA_FLOWER_KEY_CVLAN_PRIO
	TCA_FLOWER_KEY_CVLAN_ETH_TYPE
	TCA_FLOWER_KEY_ENC_IP_TOS
	TCA_FLOWER_KEY_ENC_IP_TOS_MASK
	TCA_FLOWER_KEY_ENC_IP_TTL
	TCA_FLOWER_KEY_ENC_IP_TTL_MASK
	TCA_FLOWER_KEY_ENC_OPTS
	TCA_FLOWER_KEY_ENC_OPTS_MASK
	TCA_FLOWER_IN_HW_COUNT
	TCA_FLOWER_KEY_PORT_SRC_MIN
	TCA_FLOWER_KEY_PORT_SRC_MAX
	TCA_FLOWER_KEY_PORT_DST_MIN
	TCA_FLOWER_KEY_PORT_DST_MAX
	TCA_FLOWER_KEY_CT_STATE
	TCA_FLOWER_KEY_CT_STATE_MASK
	TCA_FLOWER_KEY_CT_ZONE
	TCA_FLOWER_KEY_CT_ZONE_MASK
	TCA_FLOWER_KEY_CT_MARK
	TCA_FLOWER_KEY_CT_MARK_MASK
	TCA_FLOWER_KEY_CT_LABELS
	TCA_FLOWER_KEY_CT_LABELS_MASK
)

const (
	TCA_FLOWER_KEY_ENC_OPTS_GENEVE = 1
	TCA_FLOWER_KEY_ENC_OPTS_VXLAN  = 2

	TCA_FLOWER_KEY_ENC_OPT_GENEVE_CLASS = 1
	TCA_FLOWER_KEY_ENC_OPT_GENEVE_TYPE  = 2
	TCA_FLOWER_KEY_ENC_OPT_GENEVE_DATA  = 3

	TCA_FLOWER_KEY_ENC_OPT_VXLAN_GBP = 1
)

const (
	TCA_FLOWER_KEY_FLAGS_IS_FRAGMENT    = 1 << 0
	TCA_FLOWER_KEY_FLAGS_FRAG_IS_FIRST = 1 << 1
)

const (
	TCA_CLS_FLAGS_SKIP_HW   = 1 << 0
	TCA_CLS_FLAGS_SKIP_SW   = 1 << 1
	TCA_CLS_FLAGS_IN_HW     = 1 << 2
	TCA_CLS_FLAGS_NOT_IN_HW = 1 << 3
	TCA_CLS_FLAGS_VERBOSE   = 1 << 4
)

// action table
const (
	TCA_ACT_UNSPEC = iota
	TCA_ACT_KIND
	TCA_ACT_OPTIONS
	TCA_ACT_INDEX
	TCA_ACT_STATS
	TCA_ACT_PAD
	TCA_ACT_COOKIE
	TCA_ACT_FLAGS
	TCA_ACT_HW_STATS
	TCA_ACT_USED_HW_STATS
	TCA_ACT_IN_HW_COUNT
)

const (
	TCA_ACT_MAX_PRIO = 32

	TCA_ACT_FLAGS_NO_PERCPU_STATS = 1 << 0
	TCA_ACT_FLAGS_SKIP_HW         = 1 << 1
	TCA_ACT_FLAGS_SKIP_SW         = 1 << 2
)

// control words
const (
	TC_ACT_UNSPEC     = -1
	TC_ACT_OK         = 0
	TC_ACT_RECLASSIFY = 1
	TC_ACT_SHOT       = 2
	TC_ACT_PIPE       = 3
	TC_ACT_STOLEN     = 4

	TC_ACT_EXT_SHIFT    = 28
	TC_ACT_EXT_VAL_MASK = (1 << TC_ACT_EXT_SHIFT) - 1
	TC_ACT_JUMP         = 1 << TC_ACT_EXT_SHIFT
	TC_ACT_GOTO_CHAIN   = 2 << TC_ACT_EXT_SHIFT
)

func tcActExtCmp(combined, opcode uint32) bool {
	return combined&^TC_ACT_EXT_VAL_MASK == opcode
}

// stats
const (
	TCA_STATS_UNSPEC = iota
	TCA_STATS_BASIC
	TCA_STATS_RATE_EST
	TCA_STATS_QUEUE
	TCA_STATS_APP
	TCA_STATS_RATE_EST64
	TCA_STATS_PAD
	TCA_STATS_BASIC_HW
	TCA_STATS_PKT64
)

// gact
const (
	TCA_GACT_UNSPEC = iota
	TCA_GACT_TM
	TCA_GACT_PARMS
	TCA_GACT_PROB
)

// mirred
const (
	TCA_MIRRED_UNSPEC = iota
	TCA_MIRRED_TM
	TCA_MIRRED_PARMS
)

const (
	TCA_EGRESS_REDIR   = 1
	TCA_EGRESS_MIRROR  = 2
	TCA_INGRESS_REDIR  = 3
	TCA_INGRESS_MIRROR = 4
)

// vlan
const (
	TCA_VLAN_UNSPEC = iota
	TCA_VLAN_TM
	TCA_VLAN_PARMS
	TCA_VLAN_PUSH_VLAN_ID
	TCA_VLAN_PUSH_VLAN_PROTOCOL
	TCA_VLAN_PAD
	TCA_VLAN_PUSH_VLAN_PRIORITY
)

const (
	TCA_VLAN_ACT_POP    = 1
	TCA_VLAN_ACT_PUSH   = 2
	TCA_VLAN_ACT_MODIFY = 3
)

// mpls
const (
	TCA_MPLS_UNSPEC = iota
	TCA_MPLS_TM
	TCA_MPLS_PARMS
	TCA_MPLS_PAD
	TCA_MPLS_PROTO
	TCA_MPLS_LABEL
	TCA_MPLS_TC
	TCA_MPLS_TTL
	TCA_MPLS_BOS
)

const (
	TCA_MPLS_ACT_POP     = 1
	TCA_MPLS_ACT_PUSH    = 2
	TCA_MPLS_ACT_MODIFY  = 3
	TCA_MPLS_ACT_DEC_TTL = 4
)

// tunnel_key
const (
	TCA_TUNNEL_KEY_UNSPEC = iota
	TCA_TUNNEL_KEY_TM
	TCA_TUNNEL_KEY_PARMS
	TCA_TUNNEL_KEY_ENC_IPV4_SRC
	TCA_TUNNEL_KEY_ENC_IPV4_DST
	TCA_TUNNEL_KEY_ENC_IPV6_SRC
	TCA_TUNNEL_KEY_ENC_IPV6_DST
	TCA_TUNNEL_KEY_ENC_KEY_ID
	TCA_TUNNEL_KEY_PAD
	TCA_TUNNEL_KEY_ENC_DST_PORT
	TCA_TUNNEL_KEY_NO_CSUM
	TCA_TUNNEL_KEY_ENC_OPTS
	TCA_TUNNEL_KEY_ENC_TOS
	TCA_TUNNEL_KEY_ENC_TTL
)

const (
	TCA_TUNNEL_KEY_ACT_SET     = 1
	TCA_TUNNEL_KEY_ACT_RELEASE = 2

	TCA_TUNNEL_KEY_ENC_OPTS_GENEVE = 1
	TCA_TUNNEL_KEY_ENC_OPTS_VXLAN  = 2

	TCA_TUNNEL_KEY_ENC_OPT_GENEVE_CLASS = 1
	TCA_TUNNEL_KEY_ENC_OPT_GENEVE_TYPE  = 2
	TCA_TUNNEL_KEY_ENC_OPT_GENEVE_DATA  = 3

	TCA_TUNNEL_KEY_ENC_OPT_VXLAN_GBP = 1
)

// csum
const (
	TCA_CSUM_UNSPEC = iota
	TCA_CSUM_PARMS
	TCA_CSUM_TM
	TCA_CSUM_PAD
)

// pedit
const (
	TCA_PEDIT_UNSPEC = iota
	TCA_PEDIT_TM
	TCA_PEDIT_PARMS
	TCA_PEDIT_PAD
	TCA_PEDIT_PARMS_EX
	TCA_PEDIT_KEYS_EX
	TCA_PEDIT_KEY_EX
)

const (
	TCA_PEDIT_KEY_EX_HTYPE = 1
	TCA_PEDIT_KEY_EX_CMD   = 2
)

const (
	TCA_PEDIT_KEY_EX_HDR_TYPE_NETWORK = 0
	TCA_PEDIT_KEY_EX_HDR_TYPE_ETH     = 1
	TCA_PEDIT_KEY_EX_HDR_TYPE_IP4     = 2
	TCA_PEDIT_KEY_EX_HDR_TYPE_IP6     = 3
	TCA_PEDIT_KEY_EX_HDR_TYPE_TCP     = 4
	TCA_PEDIT_KEY_EX_HDR_TYPE_UDP     = 5

	TCA_PEDIT_KEY_EX_CMD_SET = 0
	TCA_PEDIT_KEY_EX_CMD_ADD = 1
)

// skbedit
const (
	TCA_SKBEDIT_UNSPEC = iota
	TCA_SKBEDIT_TM
	TCA_SKBEDIT_PARMS
	TCA_SKBEDIT_PRIORITY
	TCA_SKBEDIT_QUEUE_MAPPING
	TCA_SKBEDIT_MARK
	TCA_SKBEDIT_PAD
	TCA_SKBEDIT_PTYPE
)

const PACKET_HOST = 0

// ct
const (
	TCA_CT_UNSPEC = iota
	TCA_CT_PARMS
	TCA_CT_TM
	TCA_CT_ACTION
	TCA_CT_ZONE
	TCA_CT_MARK
	TCA_CT_MARK_MASK
	TCA_CT_LABELS
	TCA_CT_LABELS_MASK
	TCA_CT_NAT_IPV4_MIN
	TCA_CT_NAT_IPV4_MAX
	TCA_CT_NAT_IPV6_MIN
	TCA_CT_NAT_IPV6_MAX
	TCA_CT_NAT_PORT_MIN
	TCA_CT_NAT_PORT_MAX
	TCA_CT_PAD
)

const (
	TCA_CT_ACT_COMMIT  = 1 << 0
	TCA_CT_ACT_FORCE   = 1 << 1
	TCA_CT_ACT_CLEAR   = 1 << 2
	TCA_CT_ACT_NAT     = 1 << 3
	TCA_CT_ACT_NAT_SRC = 1 << 4
	TCA_CT_ACT_NAT_DST = 1 << 5
)

// police
const (
	TCA_POLICE_UNSPEC = iota
	TCA_POLICE_TBF
	TCA_POLICE_RATE
	TCA_POLICE_PEAKRATE
	TCA_POLICE_AVRATE
	TCA_POLICE_RESULT
	TCA_POLICE_TM
	TCA_POLICE_PAD
	TCA_POLICE_RATE64
)

// Police indexes in this range are shared meters, anything else carrying a
// result is an MTU check.
const (
	MeterPoliceIDBase = 0x10000000
	MeterPoliceIDMax  = 0x1FFFFFFF
)

func isMeterIndex(index uint32) bool {
	return index >= MeterPoliceIDBase && index < MeterPoliceIDMax
}

const nlaTypeMask = ^uint16(unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER)

// Fixed action parameter blocks. Only host order fields; network order
// payloads are carried as byte arrays.

type tcGen struct {
	Index   uint32
	Capab   uint32
	Action  int32
	Refcnt  int32
	Bindcnt int32
}

type tcMirred struct {
	Gen     tcGen
	Eaction int32
	Ifindex uint32
}

type tcVlan struct {
	Gen     tcGen
	VAction int32
}

type tcMPLS struct {
	Gen     tcGen
	MAction int32
}

type tcTunnelKey struct {
	Gen     tcGen
	TAction int32
}

type tcCsum struct {
	Gen         tcGen
	UpdateFlags uint32
}

type tcPeditSel struct {
	Gen   tcGen
	NKeys uint8
	Flags uint8
	_     [2]byte
}

type tcPeditKey struct {
	Mask    [4]byte
	Val     [4]byte
	Off     uint32
	At      uint32
	Offmask uint32
	Shift   uint32
}

type tcRateSpec struct {
	CellLog   uint8
	Linklayer uint8
	Overhead  uint16
	CellAlign int16
	MPU       uint16
	Rate      uint32
}

type tcPolice struct {
	Index    uint32
	Action   int32
	Limit    uint32
	Burst    uint32
	MTU      uint32
	Rate     tcRateSpec
	PeakRate tcRateSpec
	Refcnt   int32
	Bindcnt  int32
	Capab    uint32
}

type tcfT struct {
	Install  uint64
	Lastuse  uint64
	Expires  uint64
	Firstuse uint64
}

type gnetStatsBasic struct {
	Bytes   uint64
	Packets uint32
}

type gnetStatsQueue struct {
	Qlen       uint32
	Backlog    uint32
	Drops      uint32
	Requeues   uint32
	Overlimits uint32
}

type nlaBitfield32 struct {
	Value    uint32
	Selector uint32
}

var (
	sizeofTcPeditSel = binary.Size(tcPeditSel{})
	sizeofTcPeditKey = binary.Size(tcPeditKey{})
)

func marshalStruct(v interface{}) []byte {
	var buf bytes.Buffer
	// fixed size structs never fail to encode
	_ = binary.Write(&buf, nl.NativeEndian(), v)
	return buf.Bytes()
}

func unmarshalStruct(b []byte, v interface{}) bool {
	n := binary.Size(v)
	if n < 0 || len(b) < n {
		return false
	}
	return binary.Read(bytes.NewReader(b[:n]), nl.NativeEndian(), v) == nil
}
