package flower

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/free5gc/go-tcflower/internal/logger"
)

// Codec turns Flower rules into tc filter requests and parses replies.
// A Codec is immutable once built and safe for concurrent use.
type Codec struct {
	policy Policy
	log    *logrus.Entry
	now    func() time.Time
}

type Option func(*Codec)

// WithPolicy sets the offload policy used for rules that carry none.
func WithPolicy(p Policy) Option {
	return func(c *Codec) { c.policy = p }
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Codec) { c.log = log }
}

// WithClock replaces time.Now for last used computation.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		log: logger.CodecLog,
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Codec) Policy() Policy {
	return c.policy
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return nl.NativeEndian().Uint16(b[:])
}

func (c *Codec) tcMsg(id RuleID, ethType uint16) *nl.TcMsg {
	return &nl.TcMsg{
		Family:  nl.FAMILY_ALL,
		Ifindex: int32(id.ifindex()),
		Handle:  id.Handle,
		Parent:  id.parent(),
		Info:    tcMakeHandle(uint32(id.Prio)<<16, uint32(htons(ethType))),
	}
}

func addChain(req *nl.NetlinkRequest, chain uint32) {
	if chain != 0 {
		req.AddData(nl.NewRtAttr(TCA_CHAIN, u32Bytes(chain)))
	}
}

// BuildReplace builds an RTM_NEWTFILTER request that creates or replaces the
// rule id with f. The request asks for an echo so the installed rule can be
// checked with Verify. Csum of every rewrite in f is filled.
func (c *Codec) BuildReplace(id RuleID, f *Flower) (*nl.NetlinkRequest, error) {
	log := c.log.WithField(logger.FieldRule, id.String())

	policy := c.policy
	if f.Policy != PolicyNone {
		policy = f.Policy
	}

	opts := nl.NewRtAttr(TCA_OPTIONS, nil)
	// actions go first: rewrites are checked against the match
	if err := EncodeActions(opts, f); err != nil {
		c.logError(log, err)
		return nil, err
	}
	if err := EncodeMatch(opts, &f.Key, &f.Mask, policy); err != nil {
		c.logError(log, err)
		return nil, err
	}

	req := nl.NewNetlinkRequest(unix.RTM_NEWTFILTER, unix.NLM_F_CREATE|unix.NLM_F_ECHO|unix.NLM_F_ACK)
	req.AddData(c.tcMsg(id, f.Key.EthType))
	req.AddData(nl.NewRtAttr(TCA_KIND, nl.ZeroTerminated("flower")))
	addChain(req, id.Chain)
	req.AddData(opts)
	log.Debugf("replace request with %d actions", len(f.Actions))
	return req, nil
}

// BuildGet builds an RTM_GETTFILTER request for one rule.
func (c *Codec) BuildGet(id RuleID) *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(unix.RTM_GETTFILTER, unix.NLM_F_ECHO)
	req.AddData(c.tcMsg(id, 0))
	req.AddData(nl.NewRtAttr(TCA_KIND, nl.ZeroTerminated("flower")))
	addChain(req, id.Chain)
	return req
}

// BuildDelete builds an RTM_DELTFILTER request for one rule.
func (c *Codec) BuildDelete(id RuleID) *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(unix.RTM_DELTFILTER, unix.NLM_F_ACK)
	req.AddData(c.tcMsg(id, 0))
	req.AddData(nl.NewRtAttr(TCA_KIND, nl.ZeroTerminated("flower")))
	addChain(req, id.Chain)
	return req
}

// BuildDump builds a dump request for every filter of id's device or block
// and hook. Prio, Handle and Chain of id are ignored.
func (c *Codec) BuildDump(id RuleID, terse bool) *nl.NetlinkRequest {
	req := nl.NewNetlinkRequest(unix.RTM_GETTFILTER, unix.NLM_F_DUMP)
	req.AddData(c.tcMsg(RuleID{Hook: id.Hook, Ifindex: id.Ifindex, BlockID: id.BlockID}, 0))
	if terse {
		flags := nlaBitfield32{Value: TCA_DUMP_FLAGS_TERSE, Selector: TCA_DUMP_FLAGS_TERSE}
		req.AddData(nl.NewRtAttr(TCA_DUMP_FLAGS, marshalStruct(&flags)))
	}
	return req
}

// BuildQdisc builds the request adding (or deleting) the qdisc that carries
// flower filters of ifindex: clsact when egress is needed, ingress
// otherwise. A non-zero block binds the ingress side to a shared block.
// Kind and block only apply when adding.
func (c *Codec) BuildQdisc(add bool, ifindex int, block uint32, clsact bool) *nl.NetlinkRequest {
	var req *nl.NetlinkRequest
	if add {
		req = nl.NewNetlinkRequest(unix.RTM_NEWQDISC, unix.NLM_F_CREATE|unix.NLM_F_EXCL|unix.NLM_F_ACK)
	} else {
		req = nl.NewNetlinkRequest(unix.RTM_DELQDISC, unix.NLM_F_ACK)
	}
	req.AddData(&nl.TcMsg{
		Family:  nl.FAMILY_ALL,
		Ifindex: int32(ifindex),
		Handle:  tcMakeHandle(TC_H_INGRESS, 0),
		Parent:  TC_H_INGRESS,
	})
	if !add {
		// the kernel rejects a delete whose kind differs from the qdisc
		return req
	}
	kind := "ingress"
	if clsact {
		kind = "clsact"
	}
	req.AddData(nl.NewRtAttr(TCA_KIND, nl.ZeroTerminated(kind)))
	if block != 0 {
		req.AddData(nl.NewRtAttr(TCA_INGRESS_BLOCK, u32Bytes(block)))
	}
	return req
}

// ParseReply parses one RTM_NEWTFILTER message, payload after the netlink
// header. The returned Flower is nil whenever err is set.
func (c *Codec) ParseReply(msg []byte, terse bool) (RuleID, *Flower, error) {
	return c.parse(msg, terse, false)
}

func (c *Codec) parse(msg []byte, terse, request bool) (RuleID, *Flower, error) {
	var id RuleID
	if len(msg) < nl.SizeofTcMsg {
		malformedReplies.Inc()
		return id, nil, newError(KindMalformed, "reply", "%d bytes, want at least %d", len(msg), nl.SizeofTcMsg)
	}
	tcm := nl.DeserializeTcMsg(msg)
	id = ruleIDFromTcMsg(tcm)
	if id.Handle == 0 && !request {
		return id, nil, ErrNoHandle
	}
	if id.Prio == TC_RESERVED_PRIORITY_POLICE {
		return id, nil, ErrPolicerPriority
	}

	top, err := newAttrReader("reply", msg[nl.SizeofTcMsg:])
	if err != nil {
		return id, nil, err
	}
	if !top.require(TCA_KIND, TCA_OPTIONS) {
		return id, nil, top.err
	}
	if kind := top.str(TCA_KIND); kind != "flower" {
		return id, nil, newError(KindUnsupported, "reply", "filter kind %q", kind)
	}
	if top.has(TCA_CHAIN) {
		id.Chain = top.u32(TCA_CHAIN)
	}
	if top.err != nil {
		return id, nil, top.err
	}

	log := c.log.WithField(logger.FieldRule, id.String())
	f, err := c.parseOptions(top.get(TCA_OPTIONS, 0), ethTypeFromInfo(tcm.Info), terse, log)
	if err != nil {
		c.logError(log, err)
		return id, nil, err
	}
	return id, f, nil
}

func (c *Codec) parseOptions(b []byte, ethType uint16, terse bool, log *logrus.Entry) (*Flower, error) {
	r, err := newAttrReader("flower", b)
	if err != nil {
		return nil, err
	}
	f := &Flower{}
	f.Key.EthType, f.Mask.EthType = ethType, 0xffff
	if f.Offloaded, err = decodeMatch(r, &f.Key, &f.Mask, terse); err != nil {
		return nil, err
	}
	if !r.require(TCA_FLOWER_ACT) {
		return nil, r.err
	}
	if err := decodeActions(r.get(TCA_FLOWER_ACT, 0), f, terse, c.now(), log); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseRequest reads back a request built by BuildReplace the way the
// kernel echo of it is read.
func (c *Codec) ParseRequest(req *nl.NetlinkRequest) (RuleID, *Flower, error) {
	b := req.Serialize()
	if len(b) < unix.SizeofNlMsghdr {
		return RuleID{}, nil, newError(KindMalformed, "request", "%d bytes", len(b))
	}
	return c.parse(b[unix.SizeofNlMsghdr:], false, true)
}

func ruleIDFromTcMsg(tcm *nl.TcMsg) RuleID {
	id := RuleID{
		Prio:   uint16(tcm.Info >> 16),
		Handle: tcm.Handle,
	}
	switch {
	case tcm.Parent == TC_EGRESS_PARENT:
		id.Hook = HookEgress
		id.Ifindex = int(tcm.Ifindex)
	case uint32(tcm.Ifindex) == TCM_IFINDEX_MAGIC_BLOCK:
		id.BlockID = tcm.Parent
	default:
		id.Ifindex = int(tcm.Ifindex)
	}
	return id
}

func ethTypeFromInfo(info uint32) uint16 {
	return htons(uint16(info & TC_H_MIN_MASK))
}

func (c *Codec) logError(log *logrus.Entry, err error) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindInvariant {
		log.Errorf("%s %s: %+v", e.Op, e.Kind, e.Err)
		return
	}
	log.Debugf("%v", err)
}
