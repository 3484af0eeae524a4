package flower

import "fmt"

type ContinuationKind uint8

const (
	// Next falls through to the following action, or drops the packet
	// after the last one.
	Next ContinuationKind = iota
	// Stop ends processing, the packet has been consumed.
	Stop
	// Jump resumes at the logical action Target.
	Jump
)

// Continuation says what happens after an action ran.
type Continuation struct {
	Kind   ContinuationKind
	Target int
}

func JumpTo(target int) Continuation {
	return Continuation{Kind: Jump, Target: target}
}

func (c Continuation) String() string {
	switch c.Kind {
	case Stop:
		return "stop"
	case Jump:
		return fmt.Sprintf("jump %d", c.Target)
	default:
		return "next"
	}
}

type ActionKind uint8

const (
	KindOutput ActionKind = iota + 1
	KindEncap
	KindVlanPush
	KindVlanPop
	KindMPLSPush
	KindMPLSPop
	KindMPLSSet
	KindRewrite
	KindCT
	KindGoto
	KindPolice
	KindPoliceMTU
)

var actionKindNames = map[ActionKind]string{
	KindOutput:    "output",
	KindEncap:     "encap",
	KindVlanPush:  "vlan_push",
	KindVlanPop:   "vlan_pop",
	KindMPLSPush:  "mpls_push",
	KindMPLSPop:   "mpls_pop",
	KindMPLSSet:   "mpls_set",
	KindRewrite:   "rewrite",
	KindCT:        "ct",
	KindGoto:      "goto",
	KindPolice:    "police",
	KindPoliceMTU: "police_mtu",
}

func (k ActionKind) String() string {
	if s, ok := actionKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is one logical step of a rule. The set of implementations is
// closed; use the pointer types below.
type Action interface {
	Kind() ActionKind
	continuation() *Continuation
}

// Then returns the continuation of a.
func Then(a Action) Continuation {
	return *a.continuation()
}

// Output sends the packet to a device, on its ingress when Ingress is set.
type Output struct {
	Ifindex int
	Ingress bool
	Then    Continuation
}

// Encap sets tunnel metadata for a following output to a tunnel device.
type Encap struct {
	IPv4Src   [4]byte
	IPv4Dst   [4]byte
	IPv6Src   [16]byte
	IPv6Dst   [16]byte
	ID        uint64
	IDPresent bool
	TPDst     uint16
	TOS       uint8
	TTL       uint8
	NoCsum    bool
	Geneve    []GeneveOption
	GBP       GBP
	Then      Continuation
}

type VlanPush struct {
	TPID uint16
	ID   uint16
	Prio uint8
	Then Continuation
}

type VlanPop struct {
	Then Continuation
}

type MPLSPush struct {
	Proto uint16
	Label uint32
	TC    uint8
	TTL   uint8
	BOS   uint8
	Then  Continuation
}

type MPLSPop struct {
	// EtherType of the packet once the label is gone
	Proto uint16
	Then  Continuation
}

type MPLSSet struct {
	Label uint32
	TC    uint8
	TTL   uint8
	BOS   uint8
	Then  Continuation
}

// CsumFlags are TCA_CSUM_UPDATE_FLAG_* bits.
type CsumFlags uint32

const (
	CsumIPv4Hdr CsumFlags = 1 << iota
	CsumICMP
	CsumIGMP
	CsumTCP
	CsumUDP
	CsumUDPLite
	CsumSCTP
)

// Rewrite sets the bits of Key selected by Mask. Csum is derived, it lists
// the checksums the rewrite invalidates.
type Rewrite struct {
	Key  MatchKey
	Mask MatchKey
	Csum CsumFlags
	Then Continuation
}

type NATType uint8

const (
	NATNone NATType = iota
	// NATRestore applies the NAT recorded on the connection.
	NATRestore
	NATSrc
	NATDst
)

type NAT struct {
	Type NATType
	// 4 or 6, zero when no range is set
	Family  uint8
	IPv4Min [4]byte
	IPv4Max [4]byte
	IPv6Min [16]byte
	IPv6Max [16]byte
	PortMin uint16
	PortMax uint16
}

// CT sends the packet through connection tracking.
type CT struct {
	Clear     bool
	Commit    bool
	Force     bool
	Zone      uint16
	Mark      uint32
	MarkMask  uint32
	Label     [16]byte
	LabelMask [16]byte
	NAT       NAT
	Then      Continuation
}

// Goto continues classification in another chain. Its continuation is
// implied by the goto itself.
type Goto struct {
	Chain uint32
	Then  Continuation
}

// Police references a shared meter by index.
type Police struct {
	Index uint32
	Then  Continuation
}

// PoliceMTU checks the packet length; packets within MTU continue at
// Result, the rest follow Then.
type PoliceMTU struct {
	MTU    uint32
	Result Continuation
	Then   Continuation
}

func (*Output) Kind() ActionKind    { return KindOutput }
func (*Encap) Kind() ActionKind     { return KindEncap }
func (*VlanPush) Kind() ActionKind  { return KindVlanPush }
func (*VlanPop) Kind() ActionKind   { return KindVlanPop }
func (*MPLSPush) Kind() ActionKind  { return KindMPLSPush }
func (*MPLSPop) Kind() ActionKind   { return KindMPLSPop }
func (*MPLSSet) Kind() ActionKind   { return KindMPLSSet }
func (*Rewrite) Kind() ActionKind   { return KindRewrite }
func (*CT) Kind() ActionKind        { return KindCT }
func (*Goto) Kind() ActionKind      { return KindGoto }
func (*Police) Kind() ActionKind    { return KindPolice }
func (*PoliceMTU) Kind() ActionKind { return KindPoliceMTU }

func (a *Output) continuation() *Continuation    { return &a.Then }
func (a *Encap) continuation() *Continuation     { return &a.Then }
func (a *VlanPush) continuation() *Continuation  { return &a.Then }
func (a *VlanPop) continuation() *Continuation   { return &a.Then }
func (a *MPLSPush) continuation() *Continuation  { return &a.Then }
func (a *MPLSPop) continuation() *Continuation   { return &a.Then }
func (a *MPLSSet) continuation() *Continuation   { return &a.Then }
func (a *Rewrite) continuation() *Continuation   { return &a.Then }
func (a *CT) continuation() *Continuation        { return &a.Then }
func (a *Goto) continuation() *Continuation      { return &a.Then }
func (a *Police) continuation() *Continuation    { return &a.Then }
func (a *PoliceMTU) continuation() *Continuation { return &a.Then }

// cloneAction returns a deep copy of a.
func cloneAction(a Action) Action {
	switch a := a.(type) {
	case *Output:
		c := *a
		return &c
	case *Encap:
		c := *a
		c.Geneve = cloneGeneve(a.Geneve)
		return &c
	case *VlanPush:
		c := *a
		return &c
	case *VlanPop:
		c := *a
		return &c
	case *MPLSPush:
		c := *a
		return &c
	case *MPLSPop:
		c := *a
		return &c
	case *MPLSSet:
		c := *a
		return &c
	case *Rewrite:
		c := *a
		c.Key = cloneKey(&a.Key)
		c.Mask = cloneKey(&a.Mask)
		return &c
	case *CT:
		c := *a
		return &c
	case *Goto:
		c := *a
		return &c
	case *Police:
		c := *a
		return &c
	case *PoliceMTU:
		c := *a
		return &c
	}
	return a
}

func mplsLse(label uint32, tc, bos, ttl uint8) uint32 {
	return (label&0xfffff)<<12 | uint32(tc&0x7)<<9 | uint32(bos&0x1)<<8 | uint32(ttl)
}

func lseLabel(lse uint32) uint32 { return lse >> 12 }
func lseTC(lse uint32) uint8     { return uint8(lse>>9) & 0x7 }
func lseBOS(lse uint32) uint8    { return uint8(lse>>8) & 0x1 }
func lseTTL(lse uint32) uint8    { return uint8(lse) }
