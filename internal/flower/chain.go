package flower

import (
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// BuildChainDump builds an RTM_GETCHAIN dump of the chains that exist on
// id's device or block and hook.
func (c *Codec) BuildChainDump(id RuleID) *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(unix.RTM_GETCHAIN, unix.NLM_F_DUMP)
	req.AddData(c.tcMsg(RuleID{Hook: id.Hook, Ifindex: id.Ifindex, BlockID: id.BlockID}, 0))
	return req
}

// ParseChain reads the index out of one RTM_NEWCHAIN message, payload after
// the netlink header.
func (c *Codec) ParseChain(msg []byte) (uint32, error) {
	const op = "chain"
	if len(msg) < nl.SizeofTcMsg {
		malformedReplies.Inc()
		return 0, newError(KindMalformed, op, "%d bytes, want at least %d", len(msg), nl.SizeofTcMsg)
	}
	r, err := newAttrReader(op, msg[nl.SizeofTcMsg:])
	if err != nil {
		return 0, err
	}
	if !r.require(TCA_CHAIN) {
		return 0, r.err
	}
	chain := r.u32(TCA_CHAIN)
	return chain, r.err
}

// BuildPolicerDump builds an RTM_GETACTION dump of every police action.
func (c *Codec) BuildPolicerDump() *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(unix.RTM_GETACTION, unix.NLM_F_DUMP)
	req.AddData(&nl.TcActionMsg{Family: nl.FAMILY_ALL})
	tab := nl.NewRtAttr(nl.TCA_ACT_TAB, nil)
	slot := addNested(tab, 1)
	slot.AddRtAttr(TCA_ACT_KIND, nl.ZeroTerminated("police"))
	req.AddData(tab)
	return req
}

// ParsePolicers returns the non-zero police indexes held by one action dump
// message, payload after the netlink header. Slots of another kind or that
// do not parse are skipped.
func (c *Codec) ParsePolicers(msg []byte) ([]uint32, error) {
	const op = "policers"
	if len(msg) < nl.SizeofTcActionMsg {
		malformedReplies.Inc()
		return nil, newError(KindMalformed, op, "%d bytes, want at least %d", len(msg), nl.SizeofTcActionMsg)
	}
	root, err := newAttrReader(op, msg[nl.SizeofTcActionMsg:])
	if err != nil {
		return nil, err
	}
	if !root.require(nl.TCA_ACT_TAB) {
		return nil, root.err
	}
	list, err := nl.ParseRouteAttr(root.get(nl.TCA_ACT_TAB, 0))
	if err != nil {
		return nil, wrapError(err, KindProtocol, op)
	}

	var indexes []uint32
	for _, a := range list {
		prio := a.Attr.Type & nlaTypeMask
		if prio < 1 || prio > TCA_ACT_MAX_PRIO {
			continue
		}
		index, err := policeIndex(a.Value)
		if err != nil {
			c.log.Debugf("policer dump: slot %d: %v", prio, err)
			continue
		}
		if index != 0 {
			indexes = append(indexes, index)
		}
	}
	return indexes, nil
}

// policeIndex returns 0 without error for an action of another kind.
func policeIndex(b []byte) (uint32, error) {
	r, err := newAttrReader("action", b)
	if err != nil {
		return 0, err
	}
	if r.str(TCA_ACT_KIND) != "police" {
		return 0, nil
	}
	if !r.require(TCA_ACT_OPTIONS) {
		return 0, r.err
	}
	o, err := newAttrReader("police", r.get(TCA_ACT_OPTIONS, 0))
	if err != nil {
		return 0, err
	}
	var p tcPolice
	if !o.require(TCA_POLICE_TBF) || !o.structInto(TCA_POLICE_TBF, &p) {
		return 0, o.err
	}
	return p.Index, nil
}

// IsMeter reports whether a police index belongs to a shared meter.
func IsMeter(index uint32) bool {
	return isMeterIndex(index)
}
