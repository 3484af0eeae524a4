package forwarder

import (
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/free5gc/go-tcflower/internal/flower"
	"github.com/free5gc/go-tcflower/pkg/factory"
)

var testLinks = map[string]int{"eth0": 2, "eth1": 3, "vxlan0": 7}

func resolve(name string) (int, error) {
	if idx, ok := testLinks[name]; ok {
		return idx, nil
	}
	return 0, errors.Errorf("link %q not found", name)
}

func loadRules(t *testing.T, doc string) []*factory.Rule {
	rf := &factory.RuleFile{}
	require.NoError(t, yaml.UnmarshalStrict([]byte(doc), rf))
	_, err := rf.Validate()
	require.NoError(t, err)
	return rf.Rules
}

func TestBuildRuleNAT(t *testing.T) {
	rules := loadRules(t, `
rules:
  - name: web
    device: eth0
    hook: egress
    chain: 2
    prio: 3
    handle: 1
    policy: skip_hw
    cookie: "0a0b"
    match:
      ethType: ipv4
      ipProto: tcp
      src: 10.0.0.0/24
      dstPort: 80
      tcpFlags: 0x2
      fragment: false
    actions:
      - type: rewrite
        set:
          dst: 192.0.2.1
          dstPort: 8080
      - type: ct
        ct:
          commit: true
          zone: 5
          nat: dst
          addrMin: 192.0.2.1
          portMin: 8080
          portMax: 8080
      - type: output
        device: eth1
`)
	id, f, err := BuildRule(rules[0], resolve)
	require.NoError(t, err)
	assert.Equal(t, flower.RuleID{Hook: flower.HookEgress, Ifindex: 2, Chain: 2, Prio: 3, Handle: 1}, id)
	assert.Equal(t, flower.PolicySkipHW, f.Policy)
	assert.Equal(t, []byte{0x0a, 0x0b}, f.Cookie)

	assert.Equal(t, uint16(0x0800), f.Key.EthType)
	assert.Equal(t, uint8(6), f.Key.IPProto)
	assert.Equal(t, [4]byte{10, 0, 0, 0}, f.Key.IPv4.Src)
	assert.Equal(t, [4]byte{255, 255, 255, 0}, f.Mask.IPv4.Src)
	assert.Equal(t, uint16(80), f.Key.TCPDst)
	assert.Equal(t, uint16(0xffff), f.Mask.TCPDst)
	assert.Zero(t, f.Mask.TCPSrc)
	assert.Equal(t, uint16(2), f.Key.TCPFlags)
	assert.Zero(t, f.Key.Flags)
	assert.Equal(t, uint32(flower.TCA_FLOWER_KEY_FLAGS_IS_FRAGMENT), f.Mask.Flags)

	require.Len(t, f.Actions, 3)
	rw := f.Actions[0].(*flower.Rewrite)
	assert.Equal(t, [4]byte{192, 0, 2, 1}, rw.Key.IPv4.Dst)
	assert.Equal(t, [4]byte{255, 255, 255, 255}, rw.Mask.IPv4.Dst)
	assert.Equal(t, uint16(8080), rw.Key.TCPDst)
	assert.Zero(t, rw.Mask.UDPDst)

	ct := f.Actions[1].(*flower.CT)
	assert.True(t, ct.Commit)
	assert.Equal(t, uint16(5), ct.Zone)
	assert.Equal(t, flower.NATDst, ct.NAT.Type)
	assert.Equal(t, uint8(4), ct.NAT.Family)
	assert.Equal(t, [4]byte{192, 0, 2, 1}, ct.NAT.IPv4Min)
	assert.Equal(t, [4]byte{192, 0, 2, 1}, ct.NAT.IPv4Max)

	assert.Equal(t, &flower.Output{Ifindex: 3}, f.Actions[2])

	_, err = flower.NewCodec().BuildReplace(id, f)
	assert.NoError(t, err)
}

func TestBuildRuleVlanMPLS(t *testing.T) {
	rules := loadRules(t, `
rules:
  - block: 9
    prio: 4
    match:
      ethType: vlan
      dstMAC: "02:00:00:00:00:01"
      vlan:
        id: 100
        prio: 3
        ethType: ipv6
      dst: 2001:db8::/32
      ipProto: udp
      srcPort: 53
    actions:
      - type: vlan_pop
      - type: mpls_push
        label: 1000
        ttl: 64
        bos: 1
      - type: police
        index: 17
      - type: output
        device: eth1
        then: stop
  - block: 9
    prio: 5
    match:
      ethType: mpls
      mpls:
        label: 2000
        bos: 1
    actions:
      - type: mpls_pop
        proto: ipv4
      - type: police_mtu
        mtu: 1500
        result: jump 3
      - type: goto
        chain: 1
`)
	id, f, err := BuildRule(rules[0], resolve)
	require.NoError(t, err)
	assert.Equal(t, flower.RuleID{BlockID: 9, Prio: 4}, id)
	assert.Equal(t, [6]byte{2, 0, 0, 0, 0, 1}, f.Key.DstMAC)
	assert.Equal(t, uint16(100), f.Key.VlanID[0])
	assert.Equal(t, uint16(0x0fff), f.Mask.VlanID[0])
	assert.Equal(t, uint8(3), f.Key.VlanPrio[0])
	assert.Equal(t, uint16(0x86dd), f.Key.EncapEthType[0])

	wantDst := [16]byte{0x20, 0x01, 0x0d, 0xb8}
	assert.Equal(t, wantDst, f.Key.IPv6.Dst)
	assert.Equal(t, [16]byte{0xff, 0xff, 0xff, 0xff}, f.Mask.IPv6.Dst)
	assert.Equal(t, uint16(53), f.Key.UDPSrc)
	assert.Zero(t, f.Mask.IPv4.Dst)

	require.Len(t, f.Actions, 4)
	assert.Equal(t, &flower.VlanPop{}, f.Actions[0])
	assert.Equal(t, &flower.MPLSPush{Proto: 0x8847, Label: 1000, TTL: 64, BOS: 1}, f.Actions[1])
	assert.Equal(t, &flower.Police{Index: 17}, f.Actions[2])
	assert.Equal(t, &flower.Output{Ifindex: 3, Then: flower.Continuation{Kind: flower.Stop}}, f.Actions[3])

	_, f, err = BuildRule(rules[1], resolve)
	require.NoError(t, err)
	assert.Equal(t, uint32(2000<<12|1<<8), f.Key.MPLSLse)
	assert.Equal(t, uint32(0xfffff000|1<<8), f.Mask.MPLSLse)
	assert.Equal(t, &flower.MPLSPop{Proto: 0x0800}, f.Actions[0])
	assert.Equal(t, &flower.PoliceMTU{MTU: 1500, Result: flower.JumpTo(3)}, f.Actions[1])
	assert.Equal(t, &flower.Goto{Chain: 1}, f.Actions[2])
}

func TestBuildRuleTunnel(t *testing.T) {
	rules := loadRules(t, `
rules:
  - device: vxlan0
    match:
      ethType: ipv4
      tunnel:
        src: 198.51.100.1
        dst: 198.51.100.2
        id: 42
        dstPort: 6081
        geneve:
          - class: 0x102
            type: 0x80
            data: "01020304"
    actions:
      - type: encap
        encap:
          src: 2001:db8::1
          dst: 2001:db8::2
          id: 7
          dstPort: 4789
          ttl: 64
          gbp: 0x10005
      - type: output
        device: vxlan0
`)
	id, f, err := BuildRule(rules[0], resolve)
	require.NoError(t, err)
	assert.Equal(t, 7, id.Ifindex)

	tun, mask := f.Key.Tunnel, f.Mask.Tunnel
	assert.Equal(t, [4]byte{198, 51, 100, 1}, tun.IPv4Src)
	assert.Equal(t, [4]byte{255, 255, 255, 255}, mask.IPv4Dst)
	assert.Equal(t, uint64(42), tun.ID)
	assert.Equal(t, ^uint64(0), mask.ID)
	assert.Equal(t, uint16(6081), tun.TPDst)
	require.Len(t, tun.Geneve, 1)
	assert.Equal(t, flower.GeneveOption{Class: 0x102, Type: 0x80, Data: []byte{1, 2, 3, 4}}, tun.Geneve[0])
	assert.Equal(t, flower.GeneveOption{Class: 0xffff, Type: 0xff, Data: []byte{0xff, 0xff, 0xff, 0xff}}, mask.Geneve[0])

	encap := f.Actions[0].(*flower.Encap)
	var src [16]byte
	copy(src[:], net.ParseIP("2001:db8::1"))
	assert.Equal(t, src, encap.IPv6Src)
	assert.Zero(t, encap.IPv4Dst)
	assert.True(t, encap.IDPresent)
	assert.Equal(t, uint64(7), encap.ID)
	assert.Equal(t, uint16(4789), encap.TPDst)
	assert.Equal(t, flower.GBP{Present: true, ID: 5, Flags: 1}, encap.GBP)
}

func TestBuildRuleErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"reserved prio": `
rules:
  - {device: eth0, prio: 1, match: {ethType: ipv4}}`,
		"unknown device": `
rules:
  - {device: eth5, match: {ethType: ipv4}}`,
		"ports without proto": `
rules:
  - {device: eth0, match: {ethType: ipv4, dstPort: 80}}`,
		"ports of icmp": `
rules:
  - {device: eth0, match: {ethType: ipv4, ipProto: icmp, dstPort: 80}}`,
		"family mismatch": `
rules:
  - {device: eth0, match: {ethType: ipv4, dst: "2001:db8::1"}}`,
		"tcp flags on udp": `
rules:
  - {device: eth0, match: {ethType: ipv4, ipProto: udp, tcpFlags: 2}}`,
		"bad ethtype": `
rules:
  - {device: eth0, match: {ethType: ipx}}`,
		"mpls pop without proto": `
rules:
  - {device: eth0, match: {ethType: mpls}, actions: [{type: mpls_pop}]}`,
		"bad continuation": `
rules:
  - {device: eth0, match: {ethType: ipv4}, actions: [{type: vlan_pop, then: "jump x"}]}`,
		"output device": `
rules:
  - {device: eth0, match: {ethType: ipv4}, actions: [{type: output, device: eth7}]}`,
		"encap families": `
rules:
  - device: eth0
    match: {ethType: ipv4}
    actions: [{type: encap, encap: {src: 10.0.0.1, dst: "2001:db8::1"}}]`,
	} {
		t.Run(name, func(t *testing.T) {
			rules := loadRules(t, doc)
			_, _, err := BuildRule(rules[0], resolve)
			assert.Error(t, err)
		})
	}
}

func TestParseContinuation(t *testing.T) {
	for in, want := range map[string]flower.Continuation{
		"":        {Kind: flower.Next},
		"next":    {Kind: flower.Next},
		"Stop":    {Kind: flower.Stop},
		"jump 4":  flower.JumpTo(4),
		" jump 0": flower.JumpTo(0),
	} {
		got, err := parseContinuation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"goto", "jump", "jump -1", "next 1"} {
		_, err := parseContinuation(in)
		assert.Error(t, err, in)
	}
}

func TestParseHelpers(t *testing.T) {
	et, err := parseEthType("0x8847")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8847), et)
	et, err = parseEthType("QinQ")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x88a8), et)

	p, err := parseIPProto("sctp")
	require.NoError(t, err)
	assert.Equal(t, uint8(132), p)
	_, err = parseIPProto("300")
	assert.Error(t, err)

	ip, mask, err := parsePrefix("10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 1, 2, 3}, []byte(ip))
	assert.Equal(t, []byte{255, 255, 255, 255}, []byte(mask))
	ip, mask, err = parsePrefix("10.1.2.3/16")
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 1, 0, 0}, []byte(ip))
	assert.Equal(t, []byte{255, 255, 0, 0}, []byte(mask))
	ip, _, err = parsePrefix("fe80::/10")
	require.NoError(t, err)
	assert.Len(t, ip, 16)
	_, _, err = parsePrefix("10.1.2.3/40")
	assert.Error(t, err)

	mac, err := parseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, mac)
	_, err = parseMAC("aa:bb:cc:dd:ee:ff:00:11")
	assert.Error(t, err)

	b, err := parseHex("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)
}
