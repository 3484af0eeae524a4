package factory

import (
	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
)

// RuleFile lists flower rules by device name. Addresses are written as
// prefixes ("10.0.0.0/24") or plain addresses, EtherTypes and IP protocols
// by name or number.
type RuleFile struct {
	Rules []*Rule `yaml:"rules" valid:"required"`
}

type Rule struct {
	Name   string `yaml:"name"   valid:"optional"`
	Device string `yaml:"device" valid:"optional"`
	Block  uint32 `yaml:"block"  valid:"optional"`
	Hook   string `yaml:"hook"   valid:"optional,in(ingress|egress)"`
	Chain  uint32 `yaml:"chain"  valid:"optional"`
	Prio   uint16 `yaml:"prio"   valid:"optional"`
	Handle uint32 `yaml:"handle" valid:"optional"`
	Policy string `yaml:"policy" valid:"optional,in(none|skip_sw|skip_hw)"`
	Cookie string `yaml:"cookie" valid:"optional,hexadecimal"`

	Match   *Match    `yaml:"match"   valid:"required"`
	Actions []*Action `yaml:"actions" valid:"optional"`
}

type Match struct {
	EthType string `yaml:"ethType" valid:"required"`
	SrcMAC  string `yaml:"srcMAC"  valid:"optional,mac"`
	DstMAC  string `yaml:"dstMAC"  valid:"optional,mac"`

	Vlan *Vlan      `yaml:"vlan" valid:"optional"`
	MPLS *MPLSMatch `yaml:"mpls" valid:"optional"`

	IPProto  string  `yaml:"ipProto"  valid:"optional"`
	Src      string  `yaml:"src"      valid:"optional"`
	Dst      string  `yaml:"dst"      valid:"optional"`
	TOS      *uint8  `yaml:"tos"      valid:"optional"`
	TTL      *uint8  `yaml:"ttl"      valid:"optional"`
	SrcPort  *uint16 `yaml:"srcPort"  valid:"optional"`
	DstPort  *uint16 `yaml:"dstPort"  valid:"optional"`
	TCPFlags *uint16 `yaml:"tcpFlags" valid:"optional"`
	ICMPType *uint8  `yaml:"icmpType" valid:"optional"`
	ICMPCode *uint8  `yaml:"icmpCode" valid:"optional"`
	Fragment *bool   `yaml:"fragment" valid:"optional"`

	CTState *uint16 `yaml:"ctState" valid:"optional"`
	CTZone  *uint16 `yaml:"ctZone"  valid:"optional"`
	CTMark  *uint32 `yaml:"ctMark"  valid:"optional"`

	Tunnel *TunnelMatch `yaml:"tunnel" valid:"optional"`
}

type Vlan struct {
	ID   uint16 `yaml:"id"   valid:"optional"`
	Prio *uint8 `yaml:"prio" valid:"optional"`
	// EtherType carried inside the tag
	EthType string `yaml:"ethType" valid:"optional"`
}

type MPLSMatch struct {
	Label *uint32 `yaml:"label" valid:"optional"`
	TC    *uint8  `yaml:"tc"    valid:"optional"`
	BOS   *uint8  `yaml:"bos"   valid:"optional"`
	TTL   *uint8  `yaml:"ttl"   valid:"optional"`
}

type TunnelMatch struct {
	Src     string    `yaml:"src"     valid:"optional"`
	Dst     string    `yaml:"dst"     valid:"optional"`
	ID      *uint32   `yaml:"id"      valid:"optional"`
	DstPort *uint16   `yaml:"dstPort" valid:"optional"`
	TOS     *uint8    `yaml:"tos"     valid:"optional"`
	TTL     *uint8    `yaml:"ttl"     valid:"optional"`
	Geneve  []*Geneve `yaml:"geneve"  valid:"optional"`
}

type Geneve struct {
	Class uint16 `yaml:"class" valid:"optional"`
	Type  uint8  `yaml:"type"  valid:"optional"`
	Data  string `yaml:"data"  valid:"optional,hexadecimal"`
}

type Action struct {
	Type string `yaml:"type" valid:"required,in(output|encap|vlan_push|vlan_pop|mpls_push|mpls_pop|mpls_set|rewrite|ct|goto|police|police_mtu)"`
	// next, stop or "jump N"
	Then string `yaml:"then" valid:"optional"`

	Device  string `yaml:"device"  valid:"optional"`
	Ingress bool   `yaml:"ingress" valid:"optional"`

	VlanID   uint16 `yaml:"vlanID"   valid:"optional"`
	VlanPrio uint8  `yaml:"vlanPrio" valid:"optional"`
	TPID     uint16 `yaml:"tpid"     valid:"optional"`

	Label uint32 `yaml:"label" valid:"optional"`
	TC    uint8  `yaml:"tc"    valid:"optional"`
	TTL   uint8  `yaml:"ttl"   valid:"optional"`
	BOS   uint8  `yaml:"bos"   valid:"optional"`
	Proto string `yaml:"proto" valid:"optional"`

	Set   *Rewrite `yaml:"set"   valid:"optional"`
	Chain uint32   `yaml:"chain" valid:"optional"`
	CT    *CT      `yaml:"ct"    valid:"optional"`
	Encap *Encap   `yaml:"encap" valid:"optional"`

	Index  uint32 `yaml:"index"  valid:"optional"`
	MTU    uint32 `yaml:"mtu"    valid:"optional"`
	Result string `yaml:"result" valid:"optional"`
}

type Rewrite struct {
	SrcMAC  string  `yaml:"srcMAC"  valid:"optional,mac"`
	DstMAC  string  `yaml:"dstMAC"  valid:"optional,mac"`
	Src     string  `yaml:"src"     valid:"optional,ip"`
	Dst     string  `yaml:"dst"     valid:"optional,ip"`
	TOS     *uint8  `yaml:"tos"     valid:"optional"`
	TTL     *uint8  `yaml:"ttl"     valid:"optional"`
	SrcPort *uint16 `yaml:"srcPort" valid:"optional"`
	DstPort *uint16 `yaml:"dstPort" valid:"optional"`
}

type CT struct {
	Clear    bool   `yaml:"clear"    valid:"optional"`
	Commit   bool   `yaml:"commit"   valid:"optional"`
	Force    bool   `yaml:"force"    valid:"optional"`
	Zone     uint16 `yaml:"zone"     valid:"optional"`
	Mark     uint32 `yaml:"mark"     valid:"optional"`
	MarkMask uint32 `yaml:"markMask" valid:"optional"`
	NAT      string `yaml:"nat"      valid:"optional,in(src|dst|restore)"`
	AddrMin  string `yaml:"addrMin"  valid:"optional,ip"`
	AddrMax  string `yaml:"addrMax"  valid:"optional,ip"`
	PortMin  uint16 `yaml:"portMin"  valid:"optional"`
	PortMax  uint16 `yaml:"portMax"  valid:"optional"`
}

type Encap struct {
	Src     string    `yaml:"src"     valid:"optional,ip"`
	Dst     string    `yaml:"dst"     valid:"required,ip"`
	ID      *uint32   `yaml:"id"      valid:"optional"`
	DstPort uint16    `yaml:"dstPort" valid:"optional"`
	TOS     uint8     `yaml:"tos"     valid:"optional"`
	TTL     uint8     `yaml:"ttl"     valid:"optional"`
	NoCsum  bool      `yaml:"noCsum"  valid:"optional"`
	Geneve  []*Geneve `yaml:"geneve"  valid:"optional"`
	GBP     *uint32   `yaml:"gbp"     valid:"optional"`
}

// Validate checks the struct tags and that every rule names exactly one of
// a device or a shared block. govalidator does not descend into slices of
// pointers, so each rule and action is validated on its own.
func (rf *RuleFile) Validate() (bool, error) {
	if ok, err := govalidator.ValidateStruct(rf); !ok {
		return false, err
	}
	for i, r := range rf.Rules {
		if r == nil {
			return false, errors.Errorf("rule %d: empty", i)
		}
		if err := r.validate(); err != nil {
			return false, errors.Wrapf(err, "rule %d", i)
		}
	}
	return true, nil
}

func (r *Rule) validate() error {
	if _, err := govalidator.ValidateStruct(r); err != nil {
		return err
	}
	if (r.Device == "") == (r.Block == 0) {
		return errors.New("need exactly one of device and block")
	}
	if r.Match == nil {
		return errors.New("no match")
	}
	if err := r.Match.validate(); err != nil {
		return errors.Wrap(err, "match")
	}
	for j, a := range r.Actions {
		if a == nil {
			return errors.Errorf("action %d empty", j)
		}
		if err := a.validate(); err != nil {
			return errors.Wrapf(err, "action %d", j)
		}
	}
	return nil
}

func (m *Match) validate() error {
	if _, err := govalidator.ValidateStruct(m); err != nil {
		return err
	}
	if m.Vlan != nil {
		if _, err := govalidator.ValidateStruct(m.Vlan); err != nil {
			return errors.Wrap(err, "vlan")
		}
	}
	if m.MPLS != nil {
		if _, err := govalidator.ValidateStruct(m.MPLS); err != nil {
			return errors.Wrap(err, "mpls")
		}
	}
	if m.Tunnel != nil {
		if _, err := govalidator.ValidateStruct(m.Tunnel); err != nil {
			return errors.Wrap(err, "tunnel")
		}
		if err := validateGeneve(m.Tunnel.Geneve); err != nil {
			return errors.Wrap(err, "tunnel")
		}
	}
	return nil
}

func (a *Action) validate() error {
	if _, err := govalidator.ValidateStruct(a); err != nil {
		return err
	}
	if a.Set != nil {
		if _, err := govalidator.ValidateStruct(a.Set); err != nil {
			return errors.Wrap(err, "set")
		}
	}
	if a.CT != nil {
		if _, err := govalidator.ValidateStruct(a.CT); err != nil {
			return errors.Wrap(err, "ct")
		}
	}
	if a.Encap != nil {
		if _, err := govalidator.ValidateStruct(a.Encap); err != nil {
			return errors.Wrap(err, "encap")
		}
		if err := validateGeneve(a.Encap.Geneve); err != nil {
			return errors.Wrap(err, "encap")
		}
	}
	return nil
}

func validateGeneve(opts []*Geneve) error {
	for k, g := range opts {
		if g == nil {
			return errors.Errorf("geneve option %d empty", k)
		}
		if _, err := govalidator.ValidateStruct(g); err != nil {
			return errors.Wrapf(err, "geneve option %d", k)
		}
	}
	return nil
}
