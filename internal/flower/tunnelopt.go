package flower

import (
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink/nl"
)

// tunnelOptAttrs names the attributes of one option context; match and
// tunnel_key use the same layout under different numbers.
type tunnelOptAttrs struct {
	geneve, vxlan           int
	class, typ, data        int
	gbp                     int
	nestedFlag, strictVxlan bool
}

var (
	matchOptAttrs = tunnelOptAttrs{
		geneve:      TCA_FLOWER_KEY_ENC_OPTS_GENEVE,
		vxlan:       TCA_FLOWER_KEY_ENC_OPTS_VXLAN,
		class:       TCA_FLOWER_KEY_ENC_OPT_GENEVE_CLASS,
		typ:         TCA_FLOWER_KEY_ENC_OPT_GENEVE_TYPE,
		data:        TCA_FLOWER_KEY_ENC_OPT_GENEVE_DATA,
		gbp:         TCA_FLOWER_KEY_ENC_OPT_VXLAN_GBP,
		strictVxlan: true,
	}
	actionOptAttrs = tunnelOptAttrs{
		geneve:     TCA_TUNNEL_KEY_ENC_OPTS_GENEVE,
		vxlan:      TCA_TUNNEL_KEY_ENC_OPTS_VXLAN,
		class:      TCA_TUNNEL_KEY_ENC_OPT_GENEVE_CLASS,
		typ:        TCA_TUNNEL_KEY_ENC_OPT_GENEVE_TYPE,
		data:       TCA_TUNNEL_KEY_ENC_OPT_GENEVE_DATA,
		gbp:        TCA_TUNNEL_KEY_ENC_OPT_VXLAN_GBP,
		nestedFlag: true,
	}
)

// geneve option length is counted in 4 byte words in a 5 bit field
const maxGeneveData = 31 * 4

func hasTunnelOpts(geneve []GeneveOption, gbp GBP) bool {
	return len(geneve) > 0 || gbp.Present
}

func checkGeneveData(opts []GeneveOption) error {
	for i, o := range opts {
		if len(o.Data)%4 != 0 || len(o.Data) > maxGeneveData {
			return newError(KindUnsupported, "tunnel options",
				"geneve option %d: %d data bytes", i, len(o.Data))
		}
	}
	return nil
}

// encodeTunnelOpts writes one nest of type typ under parent holding the
// geneve options as one nest each, then the vxlan gbp nest.
func encodeTunnelOpts(parent *nl.RtAttr, typ int, ids tunnelOptAttrs, geneve []GeneveOption, gbp GBP) error {
	if err := checkGeneveData(geneve); err != nil {
		return err
	}
	var nest *nl.RtAttr
	if ids.nestedFlag && gbp.Present {
		nest = addNestedFlag(parent, typ)
	} else {
		nest = addNested(parent, typ)
	}
	for _, o := range geneve {
		g := addNested(nest, ids.geneve)
		addBE16(g, ids.class, o.Class)
		addU8(g, ids.typ, o.Type)
		addBytes(g, ids.data, o.Data)
	}
	if gbp.Present {
		v := addNestedFlag(nest, ids.vxlan)
		addU32(v, ids.gbp, gbp.raw())
	}
	return nil
}

// decodeTunnelOpts is the inverse of encodeTunnelOpts. Geneve attributes
// must come as class, type, data triples.
func decodeTunnelOpts(b []byte, ids tunnelOptAttrs) ([]GeneveOption, GBP, error) {
	const op = "tunnel options"
	var (
		geneve []GeneveOption
		gbp    GBP
	)
	outer, err := nl.ParseRouteAttr(b)
	if err != nil {
		return nil, gbp, wrapError(err, KindProtocol, op)
	}
	for _, a := range outer {
		switch int(a.Attr.Type & nlaTypeMask) {
		case ids.geneve:
			opts, err := decodeGeneve(a.Value, ids)
			if err != nil {
				return nil, gbp, err
			}
			geneve = append(geneve, opts...)
		case ids.vxlan:
			inner, err := nl.ParseRouteAttr(a.Value)
			if err != nil {
				return nil, gbp, wrapError(err, KindProtocol, op)
			}
			for _, v := range inner {
				switch int(v.Attr.Type & nlaTypeMask) {
				case ids.gbp:
					if len(v.Value) < 4 {
						return nil, gbp, newError(KindProtocol, op, "short vxlan gbp")
					}
					gbp = gbpFromRaw(nl.NativeEndian().Uint32(v.Value))
				default:
					if ids.strictVxlan {
						return nil, gbp, newError(KindInvariant, op,
							"unknown vxlan option %d", v.Attr.Type&nlaTypeMask)
					}
				}
			}
		}
	}
	return geneve, gbp, nil
}

func decodeGeneve(b []byte, ids tunnelOptAttrs) ([]GeneveOption, error) {
	const op = "geneve options"
	attrs, err := nl.ParseRouteAttr(b)
	if err != nil {
		return nil, wrapError(err, KindProtocol, op)
	}
	var (
		opts []GeneveOption
		last = -1
	)
	for _, a := range attrs {
		typ := int(a.Attr.Type & nlaTypeMask)
		switch typ {
		case ids.class:
			if last != -1 && last != ids.data {
				return nil, newError(KindProtocol, op, "class after attribute %d", last)
			}
			if len(a.Value) < 2 {
				return nil, newError(KindProtocol, op, "short class")
			}
			opts = append(opts, GeneveOption{Class: uint16(a.Value[0])<<8 | uint16(a.Value[1])})
		case ids.typ:
			if last != ids.class {
				return nil, newError(KindProtocol, op, "type without class")
			}
			if len(a.Value) < 1 {
				return nil, newError(KindProtocol, op, "short type")
			}
			opts[len(opts)-1].Type = a.Value[0]
		case ids.data:
			if last != ids.typ {
				return nil, newError(KindProtocol, op, "data without type")
			}
			if n := len(a.Value) &^ 3; n > 0 {
				opts[len(opts)-1].Data = append([]byte(nil), a.Value[:n]...)
			}
		default:
			return nil, newError(KindProtocol, op, "unknown attribute %d", typ)
		}
		last = typ
	}
	if last != ids.data {
		return nil, newError(KindProtocol, op, "option without data")
	}
	return opts, nil
}

// checkGeneveShape requires key and mask options to agree in count and in
// the length of every option.
func checkGeneveShape(key, mask []GeneveOption) error {
	if len(key) != len(mask) {
		return &Error{Kind: KindInvariant, Op: "tunnel options",
			Err: errors.Wrapf(ErrTunnelOptLength, "%d key options, %d mask options", len(key), len(mask))}
	}
	for i := range key {
		if len(key[i].Data) != len(mask[i].Data) {
			return &Error{Kind: KindInvariant, Op: "tunnel options",
				Err: errors.Wrapf(ErrTunnelOptLength, "option %d: key %d bytes, mask %d bytes",
					i, len(key[i].Data), len(mask[i].Data))}
		}
	}
	return nil
}
