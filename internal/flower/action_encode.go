package flower

import (
	"github.com/vishvananda/netlink/nl"
)

// slotPlan is the native layout of one logical action.
type slotPlan struct {
	// checksum flags flushed in a slot of their own ahead of the action
	csumBefore CsumFlags
	// tunnel_key release ahead of the action
	release bool
	// skbedit ptype fixup ahead of an ingress output
	fixup bool
	// native position of the first slot owned by the action
	start int
	keys  []peditKey
	// pedit carries PIPE because a checksum slot follows the run
	pipe bool
}

type actionLayout struct {
	slots     []slotPlan
	csumAfter CsumFlags
	total int
}

// planActions lays out every native slot of f.Actions. It packs rewrites
// and fills their Csum; a rewrite owing an L4 checksum needs the match to
// pin ip_proto exactly.
func planActions(f *Flower) (*actionLayout, error) {
	const op = "actions"
	var (
		l        = &actionLayout{slots: make([]slotPlan, len(f.Actions))}
		pending  CsumFlags
		released bool
		prev     Continuation
		n        int
	)
	tunnel := f.hasTunnel()

	for i, a := range f.Actions {
		p := &l.slots[i]
		_, isRewrite := a.(*Rewrite)
		if pending != 0 && (!isRewrite || prev.Kind != Next) {
			p.csumBefore = pending
			pending = 0
			n++
		}
		p.start = n

		switch a := a.(type) {
		case *Output:
			if a.Ifindex < 1 {
				return nil, newError(KindUnsupported, op, "action %d: invalid ifindex %d", i, a.Ifindex)
			}
			if tunnel && !released {
				p.release, released = true, true
				n++
			}
			if a.Ingress {
				p.fixup = true
				n++
			}
		case *Encap:
			if tunnel && !released {
				p.release, released = true, true
				n++
			}
			if err := checkGeneveData(a.Geneve); err != nil {
				return nil, err
			}
		case *Rewrite:
			keys, err := packRewrite(a)
			if err != nil {
				return nil, err
			}
			flags, needProto, err := rewriteObligations(keys, &f.Key, &f.Mask)
			if err != nil {
				return nil, err
			}
			if needProto && f.Mask.IPProto != 0xff {
				return nil, newError(KindUnsupported, op,
					"action %d: rewrite needs an exact ip_proto match, mask is %#x", i, f.Mask.IPProto)
			}
			a.Csum = flags
			pending |= flags
			p.keys = keys
			p.pipe = pending != 0
		case *Goto:
			if released {
				return nil, newError(KindUnsupported, op, "goto chain after tunnel release")
			}
		case *Police:
			if !isMeterIndex(a.Index) {
				return nil, newError(KindUnsupported, op, "police index %#x outside meter range", a.Index)
			}
		case *PoliceMTU:
			if err := checkJump(a.Result, i, len(f.Actions)); err != nil {
				return nil, err
			}
		case *VlanPush, *VlanPop, *MPLSPush, *MPLSPop, *MPLSSet, *CT:
		default:
			return nil, newError(KindUnsupported, op, "action %d: unknown kind %T", i, a)
		}
		if _, isGoto := a.(*Goto); !isGoto {
			if err := checkJump(Then(a), i, len(f.Actions)); err != nil {
				return nil, err
			}
		}
		n++
		prev = Then(f.Actions[i])
	}

	if pending != 0 {
		l.csumAfter = pending
		n++
	}
	if len(f.Actions) == 0 {
		n = 1
	}
	if n > TCA_ACT_MAX_PRIO {
		return nil, newError(KindUnsupported, op, "%d native actions, at most %d", n, TCA_ACT_MAX_PRIO)
	}
	l.total = n
	return l, nil
}

// checkJump allows forward jumps only.
func checkJump(c Continuation, i, count int) error {
	if c.Kind != Jump {
		return nil
	}
	if c.Target <= i || c.Target > count {
		return newError(KindUnsupported, "actions", "action %d: jump to %d", i, c.Target)
	}
	return nil
}

// nativeStart is the native position of logical action target; jumping
// past the last action skips a trailing checksum slot too.
func (l *actionLayout) nativeStart(target int) uint32 {
	if target >= len(l.slots) {
		return uint32(l.total)
	}
	return uint32(l.slots[target].start)
}

// controlWord is the tc_gen action of a step continuing with c.
func (l *actionLayout) controlWord(c Continuation, last bool) int32 {
	switch c.Kind {
	case Stop:
		return TC_ACT_STOLEN
	case Jump:
		return int32(TC_ACT_JUMP | l.nativeStart(c.Target)&TC_ACT_EXT_VAL_MASK)
	}
	if last {
		return TC_ACT_SHOT
	}
	return TC_ACT_PIPE
}

func (l *actionLayout) resultWord(c Continuation) uint32 {
	switch c.Kind {
	case Stop:
		return TC_ACT_STOLEN
	case Jump:
		return TC_ACT_JUMP | l.nativeStart(c.Target)&TC_ACT_EXT_VAL_MASK
	}
	return TC_ACT_PIPE
}

// actWriter appends native slots under TCA_FLOWER_ACT.
type actWriter struct {
	list   *nl.RtAttr
	n      int
	cookie []byte
}

func (w *actWriter) slot(kind string) (slot, opts *nl.RtAttr) {
	w.n++
	slot = addNested(w.list, w.n)
	slot.AddRtAttr(TCA_ACT_KIND, nl.ZeroTerminated(kind))
	return slot, addNested(slot, TCA_ACT_OPTIONS)
}

// slotNested is slot with the options nest flagged as nested.
func (w *actWriter) slotNested(kind string) (slot, opts *nl.RtAttr) {
	w.n++
	slot = addNested(w.list, w.n)
	slot.AddRtAttr(TCA_ACT_KIND, nl.ZeroTerminated(kind))
	return slot, addNestedFlag(slot, TCA_ACT_OPTIONS)
}

func (w *actWriter) putCookie(slot *nl.RtAttr) {
	if len(w.cookie) > 0 {
		addBytes(slot, TCA_ACT_COOKIE, w.cookie)
	}
}

func putActFlags(slot *nl.RtAttr) {
	slot.AddRtAttr(TCA_ACT_FLAGS, marshalStruct(&actFlags))
}

// EncodeActions appends the TCA_FLOWER_ACT list of f to opts. Rewrites get
// their Csum filled.
func EncodeActions(opts *nl.RtAttr, f *Flower) error {
	l, err := planActions(f)
	if err != nil {
		return err
	}
	w := &actWriter{list: addNested(opts, TCA_FLOWER_ACT), cookie: f.Cookie}

	if len(f.Actions) == 0 {
		slot, o := w.slot("gact")
		o.AddRtAttr(TCA_GACT_PARMS, marshalStruct(&tcGen{Action: TC_ACT_SHOT}))
		w.putCookie(slot)
		putActFlags(slot)
		return nil
	}

	last := len(f.Actions) - 1
	for i, a := range f.Actions {
		p := &l.slots[i]
		pc := l.controlWord(Then(a), i == last)

		if p.csumBefore != 0 {
			w.putCsum(p.csumBefore, l.controlWord(Then(f.Actions[i-1]), false))
		}
		if p.release {
			w.putRelease()
		}

		switch a := a.(type) {
		case *Output:
			if p.fixup {
				w.putSkbeditHost()
			}
			w.putOutput(a, pc, i == last)
		case *Encap:
			if err := w.putEncap(a, pc); err != nil {
				return err
			}
		case *VlanPush:
			slot, o := w.slot("vlan")
			o.AddRtAttr(TCA_VLAN_PARMS, marshalStruct(&tcVlan{Gen: tcGen{Action: pc}, VAction: TCA_VLAN_ACT_PUSH}))
			addU16(o, TCA_VLAN_PUSH_VLAN_ID, a.ID)
			addBE16(o, TCA_VLAN_PUSH_VLAN_PROTOCOL, a.TPID)
			addU8(o, TCA_VLAN_PUSH_VLAN_PRIORITY, a.Prio)
			putActFlags(slot)
		case *VlanPop:
			slot, o := w.slot("vlan")
			o.AddRtAttr(TCA_VLAN_PARMS, marshalStruct(&tcVlan{Gen: tcGen{Action: pc}, VAction: TCA_VLAN_ACT_POP}))
			putActFlags(slot)
		case *MPLSPush:
			_, o := w.slotNested("mpls")
			o.AddRtAttr(TCA_MPLS_PARMS, marshalStruct(&tcMPLS{Gen: tcGen{Action: pc}, MAction: TCA_MPLS_ACT_PUSH}))
			addBE16(o, TCA_MPLS_PROTO, a.Proto)
			addU32(o, TCA_MPLS_LABEL, a.Label)
			addU8(o, TCA_MPLS_TC, a.TC)
			addU8(o, TCA_MPLS_TTL, a.TTL)
			addU8(o, TCA_MPLS_BOS, a.BOS)
		case *MPLSPop:
			_, o := w.slotNested("mpls")
			o.AddRtAttr(TCA_MPLS_PARMS, marshalStruct(&tcMPLS{Gen: tcGen{Action: pc}, MAction: TCA_MPLS_ACT_POP}))
			addBE16(o, TCA_MPLS_PROTO, a.Proto)
		case *MPLSSet:
			_, o := w.slotNested("mpls")
			o.AddRtAttr(TCA_MPLS_PARMS, marshalStruct(&tcMPLS{Gen: tcGen{Action: pc}, MAction: TCA_MPLS_ACT_MODIFY}))
			addU32(o, TCA_MPLS_LABEL, a.Label)
			addU8(o, TCA_MPLS_TC, a.TC)
			addU8(o, TCA_MPLS_TTL, a.TTL)
			addU8(o, TCA_MPLS_BOS, a.BOS)
		case *Rewrite:
			peditPC := pc
			if p.pipe {
				peditPC = TC_ACT_PIPE
			}
			_, o := w.slot("pedit")
			encodePeditOptions(o, p.keys, peditPC)
		case *CT:
			slot, o := w.slotNested("ct")
			putCT(o, a, pc)
			w.putCookie(slot)
		case *Goto:
			slot, o := w.slot("gact")
			o.AddRtAttr(TCA_GACT_PARMS, marshalStruct(&tcGen{
				Action: int32(TC_ACT_GOTO_CHAIN | a.Chain&TC_ACT_EXT_VAL_MASK),
			}))
			w.putCookie(slot)
		case *Police:
			_, o := w.slot("police")
			o.AddRtAttr(TCA_POLICE_TBF, marshalStruct(&tcPolice{Index: a.Index, Action: pc}))
			addU32(o, TCA_POLICE_RESULT, uint32(pc))
		case *PoliceMTU:
			slot, o := w.slot("police")
			o.AddRtAttr(TCA_POLICE_TBF, marshalStruct(&tcPolice{Action: pc, MTU: a.MTU}))
			addU32(o, TCA_POLICE_RESULT, l.resultWord(a.Result))
			w.putCookie(slot)
			putActFlags(slot)
		}
	}
	if l.csumAfter != 0 {
		w.putCsum(l.csumAfter, l.controlWord(Then(f.Actions[last]), true))
	}
	return nil
}

func (w *actWriter) putCsum(flags CsumFlags, pc int32) {
	slot, o := w.slot("csum")
	o.AddRtAttr(TCA_CSUM_PARMS, marshalStruct(&tcCsum{Gen: tcGen{Action: pc}, UpdateFlags: uint32(flags)}))
	putActFlags(slot)
}

func (w *actWriter) putRelease() {
	slot, o := w.slot("tunnel_key")
	o.AddRtAttr(TCA_TUNNEL_KEY_PARMS, marshalStruct(&tcTunnelKey{
		Gen:     tcGen{Action: TC_ACT_PIPE},
		TAction: TCA_TUNNEL_KEY_ACT_RELEASE,
	}))
	putActFlags(slot)
}

func (w *actWriter) putSkbeditHost() {
	_, o := w.slot("skbedit")
	o.AddRtAttr(TCA_SKBEDIT_PARMS, marshalStruct(&tcGen{Action: TC_ACT_PIPE}))
	addBE16(o, TCA_SKBEDIT_PTYPE, PACKET_HOST)
}

// putOutput writes a redirect when the output ends the list and a mirror
// otherwise.
func (w *actWriter) putOutput(a *Output, pc int32, last bool) {
	m := tcMirred{Gen: tcGen{Action: pc}, Ifindex: uint32(a.Ifindex)}
	switch {
	case last && a.Ingress:
		m.Gen.Action, m.Eaction = TC_ACT_STOLEN, TCA_INGRESS_REDIR
	case last:
		m.Gen.Action, m.Eaction = TC_ACT_STOLEN, TCA_EGRESS_REDIR
	case a.Ingress:
		m.Eaction = TCA_INGRESS_MIRROR
	default:
		m.Eaction = TCA_EGRESS_MIRROR
	}
	slot, o := w.slot("mirred")
	o.AddRtAttr(TCA_MIRRED_PARMS, marshalStruct(&m))
	w.putCookie(slot)
	putActFlags(slot)
}

func (w *actWriter) putEncap(a *Encap, pc int32) error {
	slot, o := w.slot("tunnel_key")
	o.AddRtAttr(TCA_TUNNEL_KEY_PARMS, marshalStruct(&tcTunnelKey{
		Gen:     tcGen{Action: pc},
		TAction: TCA_TUNNEL_KEY_ACT_SET,
	}))
	if a.IDPresent {
		addBE32(o, TCA_TUNNEL_KEY_ENC_KEY_ID, uint32(a.ID))
	}
	switch {
	case !allZero(a.IPv4Dst[:]):
		addBytes(o, TCA_TUNNEL_KEY_ENC_IPV4_SRC, a.IPv4Src[:])
		addBytes(o, TCA_TUNNEL_KEY_ENC_IPV4_DST, a.IPv4Dst[:])
	case !allZero(a.IPv6Dst[:]):
		addBytes(o, TCA_TUNNEL_KEY_ENC_IPV6_DST, a.IPv6Dst[:])
		addBytes(o, TCA_TUNNEL_KEY_ENC_IPV6_SRC, a.IPv6Src[:])
	}
	if a.TOS != 0 {
		addU8(o, TCA_TUNNEL_KEY_ENC_TOS, a.TOS)
	}
	if a.TTL != 0 {
		addU8(o, TCA_TUNNEL_KEY_ENC_TTL, a.TTL)
	}
	if a.TPDst != 0 {
		addBE16(o, TCA_TUNNEL_KEY_ENC_DST_PORT, a.TPDst)
	}
	if hasTunnelOpts(a.Geneve, a.GBP) {
		if err := encodeTunnelOpts(o, TCA_TUNNEL_KEY_ENC_OPTS, actionOptAttrs, a.Geneve, a.GBP); err != nil {
			return err
		}
	}
	noCsum := uint8(0)
	if a.NoCsum {
		noCsum = 1
	}
	addU8(o, TCA_TUNNEL_KEY_NO_CSUM, noCsum)
	putActFlags(slot)
	return nil
}

func putCT(o *nl.RtAttr, a *CT, pc int32) {
	var flags uint16
	if a.Clear {
		flags = TCA_CT_ACT_CLEAR
	} else {
		if a.Zone != 0 {
			addU16(o, TCA_CT_ZONE, a.Zone)
		}
		if !allZero(a.LabelMask[:]) {
			addBytes(o, TCA_CT_LABELS, a.Label[:])
			addBytes(o, TCA_CT_LABELS_MASK, a.LabelMask[:])
		}
		if a.MarkMask != 0 {
			addU32(o, TCA_CT_MARK, a.Mark)
			addU32(o, TCA_CT_MARK_MASK, a.MarkMask)
		}
		if a.Commit {
			flags = TCA_CT_ACT_COMMIT
			if a.Force {
				flags |= TCA_CT_ACT_FORCE
			}
		}
		if a.NAT.Type != NATNone {
			flags |= putNAT(o, &a.NAT)
		}
	}
	addU16(o, TCA_CT_ACTION, flags)
	o.AddRtAttr(TCA_CT_PARMS, marshalStruct(&tcGen{Action: pc}))
}

func putNAT(o *nl.RtAttr, n *NAT) uint16 {
	flags := uint16(TCA_CT_ACT_NAT)
	switch n.Type {
	case NATSrc:
		flags |= TCA_CT_ACT_NAT_SRC
	case NATDst:
		flags |= TCA_CT_ACT_NAT_DST
	}
	switch n.Family {
	case 4:
		addBytes(o, TCA_CT_NAT_IPV4_MIN, n.IPv4Min[:])
		if !allZero(n.IPv4Max[:]) {
			addBytes(o, TCA_CT_NAT_IPV4_MAX, n.IPv4Max[:])
		}
	case 6:
		addBytes(o, TCA_CT_NAT_IPV6_MIN, n.IPv6Min[:])
		if !allZero(n.IPv6Max[:]) {
			addBytes(o, TCA_CT_NAT_IPV6_MAX, n.IPv6Max[:])
		}
	}
	if n.PortMin != 0 {
		addBE16(o, TCA_CT_NAT_PORT_MIN, n.PortMin)
		if n.PortMax != 0 {
			addBE16(o, TCA_CT_NAT_PORT_MAX, n.PortMax)
		}
	}
	return flags
}
