package flower

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

var testRule = RuleID{Ifindex: 2, Prio: 3, Handle: 1}

func newTestCodec(opts ...Option) (*Codec, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewCodec(append([]Option{WithLogger(logrus.NewEntry(log))}, opts...)...), hook
}

func requestOptions(t *testing.T, req *nl.NetlinkRequest) []byte {
	top, err := parseAttrTable(req.Serialize()[unix.SizeofNlMsghdr+nl.SizeofTcMsg:])
	require.NoError(t, err)
	require.Contains(t, top, uint16(TCA_OPTIONS))
	return top[TCA_OPTIONS]
}

type nativeAct struct {
	kind  string
	raw   []byte
	attrs attrTable
	opts  attrTable
}

func (a nativeAct) gen(t *testing.T, typ int) tcGen {
	var g tcGen
	require.True(t, unmarshalStruct(a.opts[uint16(typ)], &g), "%s parms", a.kind)
	return g
}

func nativeActions(t *testing.T, options []byte) []nativeAct {
	top, err := parseAttrTable(options)
	require.NoError(t, err)
	list, err := nl.ParseRouteAttr(top[TCA_FLOWER_ACT])
	require.NoError(t, err)

	var out []nativeAct
	for _, a := range list {
		attrs, err := parseAttrTable(a.Value)
		require.NoError(t, err)
		opts, err := parseAttrTable(attrs[TCA_ACT_OPTIONS])
		require.NoError(t, err)
		out = append(out, nativeAct{
			kind:  string(bytes.TrimRight(attrs[TCA_ACT_KIND], "\x00")),
			raw:   a.Value,
			attrs: attrs,
			opts:  opts,
		})
	}
	return out
}

func kinds(acts []nativeAct) []string {
	out := make([]string, len(acts))
	for i, a := range acts {
		out[i] = a.kind
	}
	return out
}

// actList builds a TCA_FLOWER_ACT payload out of raw slots.
func actList(slots ...[]byte) []byte {
	list := nl.NewRtAttr(TCA_FLOWER_ACT, nil)
	for i, s := range slots {
		list.AddRtAttr(i+1, s)
	}
	return list.Serialize()[unix.SizeofRtAttr:]
}

// encodeRule builds the replace request of f and returns its native
// actions together with the rule read back from the request.
func encodeRule(t *testing.T, f *Flower) ([]nativeAct, *Flower) {
	c, _ := newTestCodec()
	req, err := c.BuildReplace(testRule, f)
	require.NoError(t, err)
	acts := nativeActions(t, requestOptions(t, req))

	id, got, err := c.ParseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, testRule, id)
	return acts, got
}

func icmpMatch() (key, mask MatchKey) {
	key.EthType, mask.EthType = 0x0800, 0xffff
	key.IPProto, mask.IPProto = 1, 0xff
	return key, mask
}

func setIPv4Dst(a, b, c, d byte) *Rewrite {
	rw := &Rewrite{}
	rw.Key.IPv4.Dst = [4]byte{a, b, c, d}
	rw.Mask.IPv4.Dst = [4]byte{0xff, 0xff, 0xff, 0xff}
	return rw
}

func TestActionsEmptyListDrops(t *testing.T) {
	key, mask := ipv4TCPMatch()
	f := &Flower{Key: key, Mask: mask}

	acts, got := encodeRule(t, f)
	require.Equal(t, []string{"gact"}, kinds(acts))
	assert.Equal(t, int32(TC_ACT_SHOT), acts[0].gen(t, TCA_GACT_PARMS).Action)
	assert.Empty(t, got.Actions)
	assert.Empty(t, Diff(f, got))
}

func TestActionsRewriteChecksumRedirect(t *testing.T) {
	key, mask := ipv4TCPMatch()
	f := &Flower{
		Key:     key,
		Mask:    mask,
		Actions: []Action{setIPv4Dst(1, 2, 3, 4), &Output{Ifindex: 3}},
	}

	acts, got := encodeRule(t, f)
	require.Equal(t, []string{"pedit", "csum", "mirred"}, kinds(acts))

	var sel tcPeditSel
	require.True(t, unmarshalStruct(acts[0].opts[TCA_PEDIT_PARMS_EX], &sel))
	assert.Equal(t, int32(TC_ACT_PIPE), sel.Gen.Action)
	assert.Equal(t, uint8(1), sel.NKeys)

	var cs tcCsum
	require.True(t, unmarshalStruct(acts[1].opts[TCA_CSUM_PARMS], &cs))
	assert.Equal(t, uint32(CsumIPv4Hdr|CsumTCP), cs.UpdateFlags)

	var m tcMirred
	require.True(t, unmarshalStruct(acts[2].opts[TCA_MIRRED_PARMS], &m))
	assert.Equal(t, int32(TCA_EGRESS_REDIR), m.Eaction)
	assert.Equal(t, int32(TC_ACT_STOLEN), m.Gen.Action)
	assert.Equal(t, uint32(3), m.Ifindex)

	want := setIPv4Dst(1, 2, 3, 4)
	want.Csum = CsumIPv4Hdr | CsumTCP
	require.Len(t, got.Actions, 2)
	assert.Equal(t, want, got.Actions[0])
	assert.Equal(t, &Output{Ifindex: 3}, got.Actions[1])
}

func TestActionsJumpCountsNativeSlots(t *testing.T) {
	key, mask := icmpMatch()
	f := &Flower{
		Key:  key,
		Mask: mask,
		Actions: []Action{
			&VlanPop{},
			&VlanPush{TPID: 0x8100, ID: 10, Then: JumpTo(3)},
			setIPv4Dst(10, 0, 0, 1),
			&Output{Ifindex: 4},
		},
	}

	acts, got := encodeRule(t, f)
	require.Equal(t, []string{"vlan", "vlan", "pedit", "csum", "mirred"}, kinds(acts))
	// vlan push at 1, plus pedit and csum of the rewrite
	assert.Equal(t, int32(TC_ACT_JUMP|4), acts[1].gen(t, TCA_VLAN_PARMS).Action)

	assert.Empty(t, Diff(f, got))
	assert.Equal(t, JumpTo(3), Then(got.Actions[1]))
	assert.Equal(t, CsumIPv4Hdr, got.Actions[2].(*Rewrite).Csum)
}

func TestActionsRewriteRun(t *testing.T) {
	key, mask := ipv4TCPMatch()
	port := &Rewrite{}
	port.Key.TCPDst, port.Mask.TCPDst = 8080, 0xffff
	f := &Flower{
		Key:     key,
		Mask:    mask,
		Actions: []Action{setIPv4Dst(10, 0, 0, 1), port, &Output{Ifindex: 2}},
	}

	acts, got := encodeRule(t, f)
	require.Equal(t, []string{"pedit", "pedit", "csum", "mirred"}, kinds(acts))

	var cs tcCsum
	require.True(t, unmarshalStruct(acts[2].opts[TCA_CSUM_PARMS], &cs))
	assert.Equal(t, uint32(CsumIPv4Hdr|CsumTCP), cs.UpdateFlags)

	assert.Empty(t, Diff(f, got))
	assert.Equal(t, CsumTCP, got.Actions[1].(*Rewrite).Csum)
}

func TestActionsRewriteRunBrokenByJump(t *testing.T) {
	key, mask := icmpMatch()
	first := setIPv4Dst(10, 0, 0, 1)
	first.Then = JumpTo(2)
	f := &Flower{
		Key:     key,
		Mask:    mask,
		Actions: []Action{first, setIPv4Dst(10, 0, 0, 2), &Output{Ifindex: 2}},
	}

	acts, got := encodeRule(t, f)
	require.Equal(t, []string{"pedit", "csum", "pedit", "csum", "mirred"}, kinds(acts))
	assert.Equal(t, int32(TC_ACT_PIPE), acts[0].gen(t, TCA_PEDIT_PARMS_EX).Action)
	assert.Equal(t, int32(TC_ACT_JUMP|4), acts[1].gen(t, TCA_CSUM_PARMS).Action)

	assert.Empty(t, Diff(f, got))
	assert.Equal(t, JumpTo(2), Then(got.Actions[0]))
}

func TestActionsJumpToEnd(t *testing.T) {
	key, mask := icmpMatch()

	t.Run("from a final rewrite", func(t *testing.T) {
		rw := setIPv4Dst(10, 0, 0, 1)
		rw.Then = JumpTo(1)
		f := &Flower{Key: key, Mask: mask, Actions: []Action{rw}}

		acts, got := encodeRule(t, f)
		require.Equal(t, []string{"pedit", "csum"}, kinds(acts))
		// past the checksum slot, never onto itself
		assert.Equal(t, int32(TC_ACT_JUMP|2), acts[1].gen(t, TCA_CSUM_PARMS).Action)

		assert.Empty(t, Diff(f, got))
		assert.Equal(t, JumpTo(1), Then(got.Actions[0]))
	})

	t.Run("over a trailing checksum", func(t *testing.T) {
		f := &Flower{
			Key:     key,
			Mask:    mask,
			Actions: []Action{&VlanPop{Then: JumpTo(2)}, setIPv4Dst(10, 0, 0, 2)},
		}

		acts, got := encodeRule(t, f)
		require.Equal(t, []string{"vlan", "pedit", "csum"}, kinds(acts))
		assert.Equal(t, int32(TC_ACT_JUMP|3), acts[0].gen(t, TCA_VLAN_PARMS).Action)
		assert.Equal(t, int32(TC_ACT_SHOT), acts[2].gen(t, TCA_CSUM_PARMS).Action)

		assert.Empty(t, Diff(f, got))
		assert.Equal(t, JumpTo(2), Then(got.Actions[0]))
	})
}

func TestActionsPoliceMTU(t *testing.T) {
	key, mask := ipv4TCPMatch()
	for name, result := range map[string]Continuation{
		"jump": JumpTo(2),
		"stop": {Kind: Stop},
		"next": {},
	} {
		t.Run(name, func(t *testing.T) {
			f := &Flower{
				Key:  key,
				Mask: mask,
				Actions: []Action{
					&PoliceMTU{MTU: 1500, Result: result},
					&VlanPop{},
					&Output{Ifindex: 2},
				},
			}
			acts, got := encodeRule(t, f)
			require.Equal(t, []string{"police", "vlan", "mirred"}, kinds(acts))
			assert.Empty(t, Diff(f, got))
		})
	}
}

func TestActionsPoliceMTUResultWord(t *testing.T) {
	key, mask := ipv4TCPMatch()
	f := &Flower{
		Key:  key,
		Mask: mask,
		Actions: []Action{
			&PoliceMTU{MTU: 9000, Result: JumpTo(2)},
			&VlanPop{},
			&Output{Ifindex: 2},
		},
	}
	acts, _ := encodeRule(t, f)
	assert.Equal(t, u32Bytes(TC_ACT_JUMP|2), acts[0].opts[TCA_POLICE_RESULT])
}

func TestActionsRoundTrip(t *testing.T) {
	key, mask := ipv4TCPMatch()
	testCases := map[string][]Action{
		"meter": {
			&Police{Index: MeterPoliceIDBase + 7},
			&Output{Ifindex: 2},
		},
		"goto": {
			&Goto{Chain: 7},
		},
		"ct nat": {
			&CT{
				Commit:   true,
				Zone:     3,
				Mark:     1,
				MarkMask: 0xff,
				NAT: NAT{
					Type:    NATSrc,
					Family:  4,
					IPv4Min: [4]byte{10, 0, 0, 1},
					IPv4Max: [4]byte{10, 0, 0, 9},
					PortMin: 1000,
					PortMax: 2000,
				},
			},
			&Goto{Chain: 1},
		},
		"ct clear": {
			&CT{Clear: true},
			&Goto{Chain: 2},
		},
		"ct labels restore": {
			&CT{
				Label:     [16]byte{15: 1},
				LabelMask: [16]byte{15: 0xff},
				NAT:       NAT{Type: NATRestore},
			},
			&Goto{Chain: 3},
		},
		"encap": {
			&Encap{
				IPv4Src:   [4]byte{172, 16, 0, 1},
				IPv4Dst:   [4]byte{172, 16, 0, 2},
				ID:        42,
				IDPresent: true,
				TPDst:     6081,
				TTL:       64,
				Geneve:    []GeneveOption{{Class: 0x0102, Type: 0x80, Data: []byte{0, 0, 0, 1}}},
			},
			&Output{Ifindex: 3},
		},
		"encap ipv6 gbp": {
			&Encap{
				IPv6Src: [16]byte{0: 0xfd, 15: 1},
				IPv6Dst: [16]byte{0: 0xfd, 15: 2},
				TPDst:   4789,
				NoCsum:  true,
				GBP:     GBP{Present: true, ID: 100},
			},
			&Output{Ifindex: 3},
		},
		"mpls and vlan": {
			&MPLSPush{Proto: 0x8847, Label: 100, TC: 1, TTL: 64, BOS: 1},
			&MPLSSet{Label: 200, TC: 2, TTL: 63, BOS: 1},
			&MPLSPop{Proto: 0x0800},
			&VlanPush{TPID: 0x8100, ID: 20, Prio: 1},
			&Output{Ifindex: 2},
		},
		"mirror then redirect": {
			&Output{Ifindex: 2},
			&Output{Ifindex: 3, Ingress: true},
		},
		"stop": {
			&VlanPop{Then: Continuation{Kind: Stop}},
			&Output{Ifindex: 3},
		},
	}
	for name, actions := range testCases {
		t.Run(name, func(t *testing.T) {
			f := &Flower{Key: key, Mask: mask, Actions: actions, Cookie: []byte{0xde, 0xad}}
			_, got := encodeRule(t, f)
			assert.Empty(t, Diff(f, got))
		})
	}
}

func TestActionsIngressOutputAfterDecap(t *testing.T) {
	key, mask := ipv4TCPMatch()
	key.Tunnel.IPv4Dst, mask.Tunnel.IPv4Dst = [4]byte{1, 1, 1, 1}, [4]byte{0xff, 0xff, 0xff, 0xff}
	key.Tunnel.ID, mask.Tunnel.ID = 100, ^uint64(0)
	f := &Flower{
		Key:     key,
		Mask:    mask,
		Actions: []Action{&Output{Ifindex: 5, Ingress: true}},
	}

	acts, got := encodeRule(t, f)
	require.Equal(t, []string{"tunnel_key", "skbedit", "mirred"}, kinds(acts))
	assert.Equal(t, be16Bytes(PACKET_HOST), acts[1].opts[TCA_SKBEDIT_PTYPE])

	var m tcMirred
	require.True(t, unmarshalStruct(acts[2].opts[TCA_MIRRED_PARMS], &m))
	assert.Equal(t, int32(TCA_INGRESS_REDIR), m.Eaction)

	assert.Empty(t, Diff(f, got))
}

func TestActionsEncodeErrors(t *testing.T) {
	key, mask := ipv4TCPMatch()
	many := make([]Action, TCA_ACT_MAX_PRIO+1)
	for i := range many {
		many[i] = &VlanPop{}
	}
	noProto := setIPv4Dst(1, 1, 1, 1)

	testCases := map[string]struct {
		actions []Action
		mask    func(m *MatchKey)
	}{
		"backward jump":     {actions: []Action{&VlanPop{}, &VlanPop{Then: JumpTo(0)}}},
		"jump to self":      {actions: []Action{&VlanPop{Then: JumpTo(0)}}},
		"jump past the end": {actions: []Action{&VlanPop{Then: JumpTo(3)}, &VlanPop{}}},
		"police result back": {actions: []Action{
			&VlanPop{}, &PoliceMTU{MTU: 1500, Result: JumpTo(0)},
		}},
		"no ifindex":        {actions: []Action{&Output{}}},
		"meter out of range": {actions: []Action{&Police{Index: 5}}},
		"too many slots":    {actions: many},
		"rewrite without proto": {
			actions: []Action{noProto},
			mask:    func(m *MatchKey) { m.IPProto = 0 },
		},
		"rewrite with partial proto mask": {
			actions: []Action{noProto},
			mask:    func(m *MatchKey) { m.IPProto = 0x0f },
		},
		"odd geneve data": {actions: []Action{
			&Encap{IPv4Dst: [4]byte{1, 2, 3, 4}, Geneve: []GeneveOption{{Data: []byte{1}}}},
		}},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			m := mask
			if tc.mask != nil {
				tc.mask(&m)
			}
			c, _ := newTestCodec()
			_, err := c.BuildReplace(testRule, &Flower{Key: key, Mask: m, Actions: tc.actions})
			assert.Equal(t, KindUnsupported, KindOf(err))
		})
	}
}

func TestDecodeActionsChecksum(t *testing.T) {
	key, mask := icmpMatch()
	f := &Flower{
		Key:     key,
		Mask:    mask,
		Actions: []Action{setIPv4Dst(1, 2, 3, 4), &Output{Ifindex: 3}},
	}
	acts, _ := encodeRule(t, f)
	require.Equal(t, []string{"pedit", "csum", "mirred"}, kinds(acts))
	pedit, csum, mirred := acts[0].raw, acts[1].raw, acts[2].raw

	decode := func(key, mask MatchKey, slots ...[]byte) (*Flower, *test.Hook, error) {
		log, hook := test.NewNullLogger()
		out := &Flower{Key: key, Mask: mask}
		err := decodeActions(actList(slots...), out, false, time.Now(), logrus.NewEntry(log))
		return out, hook, err
	}

	t.Run("missing checksum before output", func(t *testing.T) {
		_, _, err := decode(key, mask, pedit, mirred)
		assert.Equal(t, KindInvariant, KindOf(err))
	})
	t.Run("missing checksum at end", func(t *testing.T) {
		_, _, err := decode(key, mask, pedit)
		assert.Equal(t, KindInvariant, KindOf(err))
	})
	t.Run("checksum without rewrite", func(t *testing.T) {
		_, _, err := decode(key, mask, csum, mirred)
		assert.Equal(t, KindProtocol, KindOf(err))
	})
	t.Run("flag mismatch warns", func(t *testing.T) {
		tcpKey, tcpMask := ipv4TCPMatch()
		out, hook, err := decode(tcpKey, tcpMask, pedit, csum, mirred)
		require.NoError(t, err)
		require.Len(t, out.Actions, 2)
		assert.Equal(t, CsumIPv4Hdr|CsumTCP, out.Actions[0].(*Rewrite).Csum)

		var warned bool
		for _, e := range hook.AllEntries() {
			warned = warned || e.Level == logrus.WarnLevel
		}
		assert.True(t, warned)
	})
}

func rawSlot(kind string, build func(o *nl.RtAttr)) []byte {
	slot := nl.NewRtAttr(1, nil)
	slot.AddRtAttr(TCA_ACT_KIND, nl.ZeroTerminated(kind))
	build(addNested(slot, TCA_ACT_OPTIONS))
	return slot.Serialize()[unix.SizeofRtAttr:]
}

func TestDecodeActionsErrors(t *testing.T) {
	pop := func(action int32) []byte {
		return rawSlot("vlan", func(o *nl.RtAttr) {
			o.AddRtAttr(TCA_VLAN_PARMS, marshalStruct(&tcVlan{Gen: tcGen{Action: action}, VAction: TCA_VLAN_ACT_POP}))
		})
	}
	testCases := map[string]struct {
		slots [][]byte
		kind  Kind
	}{
		"unknown kind": {
			slots: [][]byte{rawSlot("bpf", func(o *nl.RtAttr) {})},
			kind:  KindUnsupported,
		},
		"backward native jump": {
			slots: [][]byte{pop(TC_ACT_PIPE), pop(TC_ACT_JUMP | 1)},
			kind:  KindUnsupported,
		},
		"jump past the end": {
			slots: [][]byte{pop(TC_ACT_JUMP | 5)},
			kind:  KindUnsupported,
		},
		"gact pipe": {
			slots: [][]byte{rawSlot("gact", func(o *nl.RtAttr) {
				o.AddRtAttr(TCA_GACT_PARMS, marshalStruct(&tcGen{Action: TC_ACT_PIPE}))
			})},
			kind: KindUnsupported,
		},
		"missing parms": {
			slots: [][]byte{rawSlot("mirred", func(o *nl.RtAttr) {})},
			kind:  KindProtocol,
		},
		"mirred unknown action": {
			slots: [][]byte{rawSlot("mirred", func(o *nl.RtAttr) {
				o.AddRtAttr(TCA_MIRRED_PARMS, marshalStruct(&tcMirred{Eaction: 9, Ifindex: 1}))
			})},
			kind: KindUnsupported,
		},
		"short stats": {
			slots: [][]byte{func() []byte {
				slot := nl.NewRtAttr(1, nil)
				slot.AddRtAttr(TCA_ACT_KIND, nl.ZeroTerminated("vlan"))
				o := addNested(slot, TCA_ACT_OPTIONS)
				o.AddRtAttr(TCA_VLAN_PARMS, marshalStruct(&tcVlan{VAction: TCA_VLAN_ACT_POP}))
				addNested(slot, TCA_ACT_STATS).AddRtAttr(TCA_STATS_BASIC, []byte{1, 2})
				return slot.Serialize()[unix.SizeofRtAttr:]
			}()},
			kind: KindProtocol,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			out := &Flower{}
			err := decodeActions(actList(tc.slots...), out, false, time.Now(), logrus.NewEntry(logrus.New()))
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Nil(t, out.Actions)
		})
	}
}

func TestDecodeActionsJumpOverFixups(t *testing.T) {
	pop := func(action int32) []byte {
		return rawSlot("vlan", func(o *nl.RtAttr) {
			o.AddRtAttr(TCA_VLAN_PARMS, marshalStruct(&tcVlan{Gen: tcGen{Action: action}, VAction: TCA_VLAN_ACT_POP}))
		})
	}
	release := rawSlot("tunnel_key", func(o *nl.RtAttr) {
		o.AddRtAttr(TCA_TUNNEL_KEY_PARMS, marshalStruct(&tcTunnelKey{
			Gen:     tcGen{Action: TC_ACT_PIPE},
			TAction: TCA_TUNNEL_KEY_ACT_RELEASE,
		}))
	})
	skbedit := rawSlot("skbedit", func(o *nl.RtAttr) {
		o.AddRtAttr(TCA_SKBEDIT_PARMS, marshalStruct(&tcGen{Action: TC_ACT_PIPE}))
	})
	redirect := rawSlot("mirred", func(o *nl.RtAttr) {
		o.AddRtAttr(TCA_MIRRED_PARMS, marshalStruct(&tcMirred{
			Gen:     tcGen{Action: TC_ACT_STOLEN},
			Eaction: TCA_INGRESS_REDIR,
			Ifindex: 7,
		}))
	})

	out := &Flower{}
	err := decodeActions(actList(pop(TC_ACT_JUMP|2), pop(TC_ACT_PIPE), release, skbedit, redirect),
		out, false, time.Now(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	assert.Equal(t, []Action{
		&VlanPop{Then: JumpTo(2)},
		&VlanPop{},
		&Output{Ifindex: 7, Ingress: true},
	}, out.Actions)
}
