package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadConfig(t *testing.T) {
	path := writeFile(t, "tcfcfg.yaml", `
version: 1.0.0
description: test
offload:
  policy: skip_sw
  verify: true
  metrics: 127.0.0.1:9464
logger:
  enable: true
  level: debug
`)
	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cfg.GetVersion())
	assert.Equal(t, "tc", cfg.Offload.Forwarder)
	assert.Equal(t, "skip_sw", cfg.Offload.Policy)
	assert.True(t, cfg.Offload.Verify)
	assert.Equal(t, "127.0.0.1:9464", cfg.Offload.Metrics)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestReadConfigErrors(t *testing.T) {
	for name, content := range map[string]string{
		"version": `
version: 2.0.0
offload: {}
logger: {level: info}
`,
		"policy": `
version: 1.0.0
offload: {policy: hw_only}
logger: {level: info}
`,
		"forwarder": `
version: 1.0.0
offload: {forwarder: p4}
logger: {level: info}
`,
		"no logger": `
version: 1.0.0
offload: {}
`,
		"syntax": `version: [1.0.0`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadConfig(writeFile(t, "tcfcfg.yaml", content))
			assert.Error(t, err)
		})
	}

	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	ok, err := cfg.Validate()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadRuleFile(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - name: drop-icmp
    device: eth0
    prio: 2
    match:
      ethType: ipv4
      ipProto: icmp
  - name: redirect
    block: 10
    hook: ingress
    cookie: "beef"
    match:
      ethType: ipv6
      dst: 2001:db8::/64
    actions:
      - type: output
        device: eth1
        then: stop
`)
	rf, err := ReadRuleFile(path)
	require.NoError(t, err)
	require.Len(t, rf.Rules, 2)
	assert.Equal(t, "eth0", rf.Rules[0].Device)
	assert.Empty(t, rf.Rules[0].Actions)
	assert.Equal(t, uint32(10), rf.Rules[1].Block)
	require.Len(t, rf.Rules[1].Actions, 1)
	assert.Equal(t, "stop", rf.Rules[1].Actions[0].Then)
}

func TestReadRuleFileErrors(t *testing.T) {
	for name, content := range map[string]string{
		"unknown field": `
rules:
  - {device: eth0, match: {ethType: ipv4}, color: red}`,
		"device and block": `
rules:
  - {device: eth0, block: 3, match: {ethType: ipv4}}`,
		"neither device nor block": `
rules:
  - {match: {ethType: ipv4}}`,
		"no match": `
rules:
  - {device: eth0}`,
		"action type": `
rules:
  - {device: eth0, match: {ethType: ipv4}, actions: [{type: teleport}]}`,
		"hook": `
rules:
  - {device: eth0, hook: sideways, match: {ethType: ipv4}}`,
		"cookie": `
rules:
  - {device: eth0, cookie: xyz, match: {ethType: ipv4}}`,
		"mac": `
rules:
  - {device: eth0, match: {ethType: ipv4, srcMAC: "not-a-mac"}}`,
		"empty action": `
rules:
  - {device: eth0, match: {ethType: ipv4}, actions: [~]}`,
		"rewrite address": `
rules:
  - {device: eth0, match: {ethType: ipv4, ipProto: tcp}, actions: [{type: rewrite, set: {dst: 10.0.0}}]}`,
		"ct nat": `
rules:
  - {device: eth0, match: {ethType: ipv4}, actions: [{type: ct, ct: {nat: both}}]}`,
		"encap without destination": `
rules:
  - {device: eth0, match: {ethType: ipv4}, actions: [{type: encap, encap: {src: 10.0.0.1}}]}`,
		"geneve data": `
rules:
  - device: eth0
    match: {ethType: ipv4}
    actions:
      - {type: encap, encap: {dst: 10.0.0.2, geneve: [{class: 1, type: 2, data: zz}]}}`,
		"tunnel geneve": `
rules:
  - device: eth0
    match: {ethType: ipv4, tunnel: {dst: 10.0.0.2, geneve: [~]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRuleFile(writeFile(t, "rules.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestRuleFileValidateNested(t *testing.T) {
	rf := &RuleFile{Rules: []*Rule{{
		Device: "eth0",
		Match:  &Match{EthType: "ipv4", Vlan: &Vlan{ID: 10}},
		Actions: []*Action{
			{Type: "encap", Encap: &Encap{Dst: "10.0.0.2", Geneve: []*Geneve{{Class: 1, Data: "0a0b0c0d"}}}},
			{Type: "output", Device: "eth1"},
		},
	}}}
	ok, err := rf.Validate()
	require.NoError(t, err)
	assert.True(t, ok)

	rf.Rules[0].Actions[1].Type = "forward"
	ok, err = rf.Validate()
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "action 1")

	rf.Rules[0].Actions[1].Type = "output"
	rf.Rules[0].Match.SrcMAC = "00:11"
	ok, err = rf.Validate()
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "rule 0")
}
