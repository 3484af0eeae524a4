package flower

import (
	"fmt"
	"reflect"
	"time"
)

type Hook uint8

const (
	HookIngress Hook = iota
	HookEgress
)

func (h Hook) String() string {
	if h == HookEgress {
		return "egress"
	}
	return "ingress"
}

// RuleID addresses one filter. A non-zero BlockID selects a shared block
// instead of Ifindex.
type RuleID struct {
	Hook    Hook
	Ifindex int
	BlockID uint32
	Prio    uint16
	Handle  uint32
	Chain   uint32
}

func (id RuleID) String() string {
	dev := fmt.Sprintf("if%d", id.Ifindex)
	if id.BlockID != 0 {
		dev = fmt.Sprintf("block%d", id.BlockID)
	}
	return fmt.Sprintf("%s/%s chain %d prio %d handle %#x", dev, id.Hook, id.Chain, id.Prio, id.Handle)
}

func (id RuleID) ifindex() uint32 {
	if id.BlockID != 0 {
		return TCM_IFINDEX_MAGIC_BLOCK
	}
	return uint32(id.Ifindex)
}

func (id RuleID) parent() uint32 {
	switch {
	case id.Hook == HookEgress:
		return TC_EGRESS_PARENT
	case id.BlockID != 0:
		return id.BlockID
	default:
		return TC_INGRESS_PARENT
	}
}

type ARPKey struct {
	SPA [4]byte
	TPA [4]byte
	SHA [6]byte
	THA [6]byte
	Op  uint8
}

type IPv4Key struct {
	Src [4]byte
	Dst [4]byte

	// only meaningful in a rewrite
	RewriteTTL uint8
	RewriteTOS uint8
}

type IPv6Key struct {
	Src [16]byte
	Dst [16]byte

	// only meaningful in a rewrite
	RewriteHopLimit uint8
	RewriteTClass   uint8
}

// GeneveOption is one TLV of a geneve header.
type GeneveOption struct {
	Class uint16
	Type  uint8
	Data  []byte
}

// GBP is the vxlan group based policy extension.
type GBP struct {
	Present bool
	ID      uint16
	Flags   uint8
}

func (g GBP) raw() uint32 {
	return uint32(g.Flags)<<16 | uint32(g.ID)
}

func gbpFromRaw(v uint32) GBP {
	return GBP{Present: true, ID: uint16(v), Flags: uint8(v >> 16)}
}

// Tunnel holds the outer header fields of a decapsulated packet.
type Tunnel struct {
	IPv4Src [4]byte
	IPv4Dst [4]byte
	IPv6Src [16]byte
	IPv6Dst [16]byte
	TOS     uint8
	TTL     uint8
	// only the low 32 bits are carried
	ID     uint64
	TPSrc  uint16
	TPDst  uint16
	Geneve []GeneveOption
	GBP    GBP
}

// MatchKey is the set of header fields a flower rule matches on. Addresses
// are kept in network byte order, every integer in host order.
type MatchKey struct {
	DstMAC  [6]byte
	SrcMAC  [6]byte
	EthType uint16
	// inner EtherTypes for VLAN (index 0) and QinQ (index 1); for MPLS
	// index 0 holds the EtherType below the label stack
	EncapEthType [2]uint16
	VlanID       [2]uint16
	VlanPrio     [2]uint8
	// label<<12 | tc<<9 | bos<<8 | ttl
	MPLSLse uint32

	ARP ARPKey

	IPProto uint8
	IPTOS   uint8
	IPTTL   uint8
	// TCA_FLOWER_KEY_FLAGS_* bits
	Flags uint32

	IPv4 IPv4Key
	IPv6 IPv6Key

	TCPSrc   uint16
	TCPDst   uint16
	TCPFlags uint16
	UDPSrc   uint16
	UDPDst   uint16
	SCTPSrc  uint16
	SCTPDst  uint16
	ICMPType uint8
	ICMPCode uint8

	CTState uint16
	CTZone  uint16
	CTMark  uint32
	CTLabel [16]byte

	Tunnel Tunnel
}

// Masked returns k with every bit cleared that is clear in mask. Geneve
// option data beyond the mask's length is dropped.
func (k MatchKey) Masked(mask *MatchKey) MatchKey {
	out := cloneKey(&k)
	andValue(reflect.ValueOf(&out).Elem(), reflect.ValueOf(mask).Elem())
	return out
}

func andValue(v, m reflect.Value) {
	switch v.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v.SetUint(v.Uint() & m.Uint())
	case reflect.Bool:
		v.SetBool(v.Bool() && m.Bool())
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			andValue(v.Index(i), m.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			andValue(v.Field(i), m.Field(i))
		}
	case reflect.Slice:
		n := v.Len()
		if m.Len() < n {
			n = m.Len()
		}
		if n == 0 {
			v.Set(reflect.Zero(v.Type()))
			return
		}
		v.Set(v.Slice(0, n))
		for i := 0; i < n; i++ {
			andValue(v.Index(i), m.Index(i))
		}
	}
}

func isZeroValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if !isZeroValue(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !isZeroValue(v.Field(i)) {
				return false
			}
		}
		return true
	default:
		return v.IsZero()
	}
}

// IsZero reports whether no tunnel field is set.
func (t *Tunnel) IsZero() bool {
	return isZeroValue(reflect.ValueOf(t).Elem())
}

func cloneGeneve(opts []GeneveOption) []GeneveOption {
	if opts == nil {
		return nil
	}
	out := make([]GeneveOption, len(opts))
	for i, o := range opts {
		out[i] = GeneveOption{Class: o.Class, Type: o.Type, Data: append([]byte(nil), o.Data...)}
	}
	return out
}

func cloneKey(k *MatchKey) MatchKey {
	out := *k
	out.Tunnel.Geneve = cloneGeneve(k.Tunnel.Geneve)
	return out
}

// Stats are the packet counters of a rule.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

func (s Stats) isZero() bool {
	return s.Packets == 0 && s.Bytes == 0
}

type RuleStats struct {
	SW    Stats
	HW    Stats
	Drops uint64
}

// Flower is the body of one flower filter.
type Flower struct {
	Key     MatchKey
	Mask    MatchKey
	Actions []Action
	Cookie  []byte
	// overrides the codec policy unless PolicyNone
	Policy Policy

	// filled on decode
	Stats     RuleStats
	LastUsed  time.Time
	Offloaded OffloadState
}

func (f *Flower) hasTunnel() bool {
	return !f.Key.Tunnel.IsZero() || !f.Mask.Tunnel.IsZero()
}
