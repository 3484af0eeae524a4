package flower

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink/nl"
)

type slotRole uint8

const (
	roleAction slotRole = iota
	roleRelease
	roleFixup
	roleCsum
	roleDrop
)

// nativeSlot is one decoded entry of TCA_FLOWER_ACT.
type nativeSlot struct {
	role   slotRole
	action Action
	// control word; redirects and gotos carry none
	pc    uint32
	hasPC bool
	// police MTU conform word
	result uint32
	csum   CsumFlags
	keys   []peditKey
}

// actionDecoder collects what the slots of one rule report besides their
// actions.
type actionDecoder struct {
	now      time.Time
	terse    bool
	stats    RuleStats
	lastUsed time.Time
	cookie   []byte
}

// decodeActions parses the TCA_FLOWER_ACT payload into f. Native slots are
// read in priority order first, then continuations are mapped from native
// positions back to logical indexes.
func decodeActions(b []byte, f *Flower, terse bool, now time.Time, log *logrus.Entry) error {
	const op = "actions"
	list, err := nl.ParseRouteAttr(b)
	if err != nil {
		return wrapError(err, KindProtocol, op)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Attr.Type&nlaTypeMask < list[j].Attr.Type&nlaTypeMask
	})

	d := &actionDecoder{now: now, terse: terse}
	slots := make([]nativeSlot, 0, len(list))
	for _, a := range list {
		prio := a.Attr.Type & nlaTypeMask
		if prio < 1 || prio > TCA_ACT_MAX_PRIO {
			continue
		}
		s, err := d.decodeSlot(a.Value)
		if err != nil {
			return err
		}
		slots = append(slots, s)
	}

	f.Stats = d.stats
	f.LastUsed = d.lastUsed
	if d.cookie != nil {
		f.Cookie = d.cookie
	}
	if terse {
		f.Actions = nil
		return nil
	}

	// logical actions whose main slot sits before each native position
	before := make([]int, len(slots)+1)
	for i, s := range slots {
		before[i+1] = before[i]
		if s.role == roleAction {
			before[i+1]++
		}
	}
	resolve := func(pc uint32, pos int) (Continuation, error) {
		switch {
		case pc == TC_ACT_STOLEN:
			return Continuation{Kind: Stop}, nil
		case tcActExtCmp(pc, TC_ACT_JUMP):
			k := int(pc & TC_ACT_EXT_VAL_MASK)
			if k <= pos || k > len(slots) {
				return Continuation{}, newError(KindUnsupported, op, "slot %d: jump to native %d", pos, k)
			}
			return JumpTo(before[k]), nil
		}
		return Continuation{Kind: Next}, nil
	}

	var (
		actions []Action
		pending CsumFlags
	)
	for pos, s := range slots {
		switch s.role {
		case roleAction:
			if pending != 0 {
				if _, ok := s.action.(*Rewrite); !ok {
					return newError(KindInvariant, op, "checksum update %#x missing before slot %d", pending, pos)
				}
			}
			if s.hasPC {
				c, err := resolve(s.pc, pos)
				if err != nil {
					return err
				}
				*s.action.continuation() = c
			}
			switch a := s.action.(type) {
			case *PoliceMTU:
				c, err := resolve(s.result, pos)
				if err != nil {
					return err
				}
				if s.result == TC_ACT_PIPE {
					c = Continuation{Kind: Next}
				} else if c.Kind == Next {
					c = Continuation{Kind: Stop}
				}
				a.Result = c
			case *Rewrite:
				flags, needProto, err := rewriteObligations(s.keys, &f.Key, &f.Mask)
				if err != nil {
					return err
				}
				if needProto && f.Mask.IPProto != 0xff {
					log.Warn("rewrite needs an exact ip_proto match")
				}
				a.Csum = flags
				pending |= flags
			}
			actions = append(actions, s.action)
		case roleCsum:
			var rw *Rewrite
			if n := len(actions); n > 0 {
				rw, _ = actions[n-1].(*Rewrite)
			}
			if rw == nil {
				return newError(KindProtocol, op, "checksum slot %d without a rewrite", pos)
			}
			if s.csum != pending {
				log.Warnf("expected csum flags %#x, got %#x", pending, s.csum)
			}
			pending = 0
			c, err := resolve(s.pc, pos)
			if err != nil {
				return err
			}
			rw.Then = c
		}
	}
	if pending != 0 {
		return newError(KindInvariant, op, "checksum update %#x missing", pending)
	}
	f.Actions = actions
	return nil
}

func (d *actionDecoder) decodeSlot(b []byte) (nativeSlot, error) {
	var s nativeSlot
	r, err := newAttrReader("action", b)
	if err != nil {
		return s, err
	}
	if !r.require(TCA_ACT_KIND) {
		return s, r.err
	}
	if !d.terse && !r.require(TCA_ACT_OPTIONS) {
		return s, r.err
	}
	kind := r.str(TCA_ACT_KIND)

	if !d.terse {
		opts, err := newAttrReader(kind, r.get(TCA_ACT_OPTIONS, 0))
		if err != nil {
			return s, err
		}
		if s, err = d.decodeOptions(kind, opts); err != nil {
			return s, err
		}
		if opts.err != nil {
			return s, opts.err
		}
	}

	if r.has(TCA_ACT_COOKIE) {
		d.cookie = r.bytes(TCA_ACT_COOKIE)
	}
	// requests carry no stats
	if r.has(TCA_ACT_STATS) {
		st, err := decodeActStats(r.get(TCA_ACT_STATS, 0))
		if err != nil {
			return s, err
		}
		d.stats.merge(st)
	}
	return s, r.err
}

// tm folds the install/lastuse record of one slot into the last used time.
func (d *actionDecoder) tm(r *attrReader, typ int) {
	var tm tcfT
	if !r.structInto(typ, &tm) {
		return
	}
	if t := lastUsed(tm, d.now); t.After(d.lastUsed) {
		d.lastUsed = t
	}
}

func (d *actionDecoder) decodeOptions(kind string, r *attrReader) (nativeSlot, error) {
	s := nativeSlot{role: roleAction, hasPC: true}
	switch kind {
	case "gact":
		var p tcGen
		if !r.require(TCA_GACT_PARMS) || !r.structInto(TCA_GACT_PARMS, &p) {
			return s, r.err
		}
		d.tm(r, TCA_GACT_TM)
		pc := uint32(p.Action)
		switch {
		case tcActExtCmp(pc, TC_ACT_GOTO_CHAIN):
			s.action, s.hasPC = &Goto{Chain: pc & TC_ACT_EXT_VAL_MASK}, false
		case p.Action == TC_ACT_SHOT:
			s.role = roleDrop
		default:
			return s, newError(KindUnsupported, kind, "unknown gact action %d", p.Action)
		}

	case "mirred":
		var m tcMirred
		if !r.require(TCA_MIRRED_PARMS) || !r.structInto(TCA_MIRRED_PARMS, &m) {
			return s, r.err
		}
		d.tm(r, TCA_MIRRED_TM)
		out := &Output{Ifindex: int(m.Ifindex)}
		switch m.Eaction {
		case TCA_EGRESS_REDIR, TCA_INGRESS_REDIR:
			s.hasPC = false
		case TCA_EGRESS_MIRROR, TCA_INGRESS_MIRROR:
		default:
			return s, newError(KindUnsupported, kind, "unknown mirred action %d", m.Eaction)
		}
		out.Ingress = m.Eaction == TCA_INGRESS_REDIR || m.Eaction == TCA_INGRESS_MIRROR
		s.action, s.pc = out, uint32(m.Gen.Action)

	case "vlan":
		var v tcVlan
		if !r.require(TCA_VLAN_PARMS) || !r.structInto(TCA_VLAN_PARMS, &v) {
			return s, r.err
		}
		d.tm(r, TCA_VLAN_TM)
		switch v.VAction {
		case TCA_VLAN_ACT_PUSH:
			s.action = &VlanPush{
				ID:   r.u16(TCA_VLAN_PUSH_VLAN_ID),
				TPID: r.be16(TCA_VLAN_PUSH_VLAN_PROTOCOL),
				Prio: r.u8(TCA_VLAN_PUSH_VLAN_PRIORITY),
			}
		case TCA_VLAN_ACT_POP:
			s.action = &VlanPop{}
		default:
			return s, newError(KindUnsupported, kind, "unknown vlan action %d", v.VAction)
		}
		s.pc = uint32(v.Gen.Action)

	case "mpls":
		var m tcMPLS
		if !r.require(TCA_MPLS_PARMS) || !r.structInto(TCA_MPLS_PARMS, &m) {
			return s, r.err
		}
		d.tm(r, TCA_MPLS_TM)
		switch m.MAction {
		case TCA_MPLS_ACT_PUSH:
			s.action = &MPLSPush{
				Proto: r.be16(TCA_MPLS_PROTO),
				Label: r.u32(TCA_MPLS_LABEL),
				TC:    r.u8(TCA_MPLS_TC),
				TTL:   r.u8(TCA_MPLS_TTL),
				BOS:   r.u8(TCA_MPLS_BOS),
			}
		case TCA_MPLS_ACT_POP:
			s.action = &MPLSPop{Proto: r.be16(TCA_MPLS_PROTO)}
		case TCA_MPLS_ACT_MODIFY:
			s.action = &MPLSSet{
				Label: r.u32(TCA_MPLS_LABEL),
				TC:    r.u8(TCA_MPLS_TC),
				TTL:   r.u8(TCA_MPLS_TTL),
				BOS:   r.u8(TCA_MPLS_BOS),
			}
		default:
			return s, newError(KindUnsupported, kind, "unknown mpls action %d", m.MAction)
		}
		s.pc = uint32(m.Gen.Action)

	case "tunnel_key":
		var t tcTunnelKey
		if !r.require(TCA_TUNNEL_KEY_PARMS) || !r.structInto(TCA_TUNNEL_KEY_PARMS, &t) {
			return s, r.err
		}
		d.tm(r, TCA_TUNNEL_KEY_TM)
		switch t.TAction {
		case TCA_TUNNEL_KEY_ACT_SET:
			e, err := decodeEncap(r)
			if err != nil {
				return s, err
			}
			s.action, s.pc = e, uint32(t.Gen.Action)
		case TCA_TUNNEL_KEY_ACT_RELEASE:
			s.role = roleRelease
		default:
			return s, newError(KindUnsupported, kind, "unknown tunnel_key action %d", t.TAction)
		}

	case "pedit":
		keys, pc, err := decodePeditOptions(r)
		if err != nil {
			return s, err
		}
		d.tm(r, TCA_PEDIT_TM)
		rw := unpackRewrite(keys)
		s.action, s.pc, s.keys = &rw, pc, keys

	case "csum":
		var c tcCsum
		if !r.require(TCA_CSUM_PARMS) || !r.structInto(TCA_CSUM_PARMS, &c) {
			return s, r.err
		}
		d.tm(r, TCA_CSUM_TM)
		s.role, s.pc, s.csum = roleCsum, uint32(c.Gen.Action), CsumFlags(c.UpdateFlags)

	case "skbedit":
		d.tm(r, TCA_SKBEDIT_TM)
		s.role = roleFixup

	case "ct":
		var p tcGen
		if !r.require(TCA_CT_PARMS) || !r.structInto(TCA_CT_PARMS, &p) {
			return s, r.err
		}
		d.tm(r, TCA_CT_TM)
		s.action, s.pc = decodeCT(r), uint32(p.Action)

	case "police":
		var p tcPolice
		if !r.require(TCA_POLICE_TBF) || !r.structInto(TCA_POLICE_TBF, &p) {
			return s, r.err
		}
		d.tm(r, TCA_POLICE_TM)
		if r.has(TCA_POLICE_RESULT) && !isMeterIndex(p.Index) {
			s.action, s.result = &PoliceMTU{MTU: p.MTU}, r.u32(TCA_POLICE_RESULT)
		} else {
			s.action = &Police{Index: p.Index}
		}
		s.pc = uint32(p.Action)

	default:
		return s, newError(KindUnsupported, "action", "unknown action kind %q", kind)
	}
	return s, nil
}

func decodeEncap(r *attrReader) (*Encap, error) {
	e := &Encap{
		TPDst: r.be16(TCA_TUNNEL_KEY_ENC_DST_PORT),
		TOS:   r.u8(TCA_TUNNEL_KEY_ENC_TOS),
		TTL:   r.u8(TCA_TUNNEL_KEY_ENC_TTL),
	}
	r.bytesInto(TCA_TUNNEL_KEY_ENC_IPV4_SRC, e.IPv4Src[:])
	r.bytesInto(TCA_TUNNEL_KEY_ENC_IPV4_DST, e.IPv4Dst[:])
	r.bytesInto(TCA_TUNNEL_KEY_ENC_IPV6_SRC, e.IPv6Src[:])
	r.bytesInto(TCA_TUNNEL_KEY_ENC_IPV6_DST, e.IPv6Dst[:])
	if r.has(TCA_TUNNEL_KEY_ENC_KEY_ID) {
		e.ID, e.IDPresent = uint64(r.be32(TCA_TUNNEL_KEY_ENC_KEY_ID)), true
	}
	e.NoCsum = r.u8(TCA_TUNNEL_KEY_NO_CSUM) != 0
	if b := r.get(TCA_TUNNEL_KEY_ENC_OPTS, 0); b != nil {
		var err error
		if e.Geneve, e.GBP, err = decodeTunnelOpts(b, actionOptAttrs); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func decodeCT(r *attrReader) *CT {
	flags := r.u16(TCA_CT_ACTION)
	ct := &CT{Clear: flags&TCA_CT_ACT_CLEAR != 0}
	if ct.Clear {
		return ct
	}
	ct.Commit = flags&TCA_CT_ACT_COMMIT != 0
	ct.Force = flags&TCA_CT_ACT_FORCE != 0
	ct.Zone = r.u16(TCA_CT_ZONE)
	ct.Mark = r.u32(TCA_CT_MARK)
	ct.MarkMask = r.u32(TCA_CT_MARK_MASK)
	r.bytesInto(TCA_CT_LABELS, ct.Label[:])
	r.bytesInto(TCA_CT_LABELS_MASK, ct.LabelMask[:])

	if flags&TCA_CT_ACT_NAT == 0 {
		return ct
	}
	n := &ct.NAT
	switch {
	case flags&TCA_CT_ACT_NAT_SRC != 0:
		n.Type = NATSrc
	case flags&TCA_CT_ACT_NAT_DST != 0:
		n.Type = NATDst
	default:
		n.Type = NATRestore
	}
	switch {
	case r.has(TCA_CT_NAT_IPV4_MIN):
		n.Family = 4
		r.bytesInto(TCA_CT_NAT_IPV4_MIN, n.IPv4Min[:])
		r.bytesInto(TCA_CT_NAT_IPV4_MAX, n.IPv4Max[:])
		if n.IPv4Max == n.IPv4Min {
			n.IPv4Max = [4]byte{}
		}
	case r.has(TCA_CT_NAT_IPV6_MIN):
		n.Family = 6
		r.bytesInto(TCA_CT_NAT_IPV6_MIN, n.IPv6Min[:])
		r.bytesInto(TCA_CT_NAT_IPV6_MAX, n.IPv6Max[:])
		if n.IPv6Max == n.IPv6Min {
			n.IPv6Max = [16]byte{}
		}
	}
	if r.has(TCA_CT_NAT_PORT_MIN) {
		n.PortMin = r.be16(TCA_CT_NAT_PORT_MIN)
		n.PortMax = r.be16(TCA_CT_NAT_PORT_MAX)
		if n.PortMax == n.PortMin {
			n.PortMax = 0
		}
	}
	return ct
}
