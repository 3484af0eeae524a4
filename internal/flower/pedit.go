package flower

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"
	"github.com/vishvananda/netlink/nl"
)

// peditField places one rewritable MatchKey field inside a header.
type peditField struct {
	htype  uint16
	offset int
	size   int
	// the field sits this many bits above the word boundary
	shift uint
	view  func(k *MatchKey) []byte
	store func(k *MatchKey, b []byte)
}

func arrayField(htype uint16, offset int, f func(k *MatchKey) []byte) peditField {
	return peditField{
		htype:  htype,
		offset: offset,
		size:   len(f(&MatchKey{})),
		view:   f,
		store:  func(k *MatchKey, b []byte) { copy(f(k), b) },
	}
}

func u8Field(htype uint16, offset int, shift uint, f func(k *MatchKey) *uint8) peditField {
	return peditField{
		htype:  htype,
		offset: offset,
		size:   1,
		shift:  shift,
		view:   func(k *MatchKey) []byte { return []byte{*f(k)} },
		store:  func(k *MatchKey, b []byte) { *f(k) = b[0] },
	}
}

func u16Field(htype uint16, offset int, f func(k *MatchKey) *uint16) peditField {
	return peditField{
		htype:  htype,
		offset: offset,
		size:   2,
		view:   func(k *MatchKey) []byte { return be16Bytes(*f(k)) },
		store:  func(k *MatchKey, b []byte) { *f(k) = binary.BigEndian.Uint16(b) },
	}
}

var peditFields = []peditField{
	arrayField(TCA_PEDIT_KEY_EX_HDR_TYPE_IP4, 12, func(k *MatchKey) []byte { return k.IPv4.Src[:] }),
	arrayField(TCA_PEDIT_KEY_EX_HDR_TYPE_IP4, 16, func(k *MatchKey) []byte { return k.IPv4.Dst[:] }),
	u8Field(TCA_PEDIT_KEY_EX_HDR_TYPE_IP4, 8, 0, func(k *MatchKey) *uint8 { return &k.IPv4.RewriteTTL }),
	u8Field(TCA_PEDIT_KEY_EX_HDR_TYPE_IP4, 1, 0, func(k *MatchKey) *uint8 { return &k.IPv4.RewriteTOS }),

	u8Field(TCA_PEDIT_KEY_EX_HDR_TYPE_IP6, 7, 0, func(k *MatchKey) *uint8 { return &k.IPv6.RewriteHopLimit }),
	arrayField(TCA_PEDIT_KEY_EX_HDR_TYPE_IP6, 8, func(k *MatchKey) []byte { return k.IPv6.Src[:] }),
	arrayField(TCA_PEDIT_KEY_EX_HDR_TYPE_IP6, 24, func(k *MatchKey) []byte { return k.IPv6.Dst[:] }),
	u8Field(TCA_PEDIT_KEY_EX_HDR_TYPE_IP6, 0, 4, func(k *MatchKey) *uint8 { return &k.IPv6.RewriteTClass }),

	arrayField(TCA_PEDIT_KEY_EX_HDR_TYPE_ETH, 6, func(k *MatchKey) []byte { return k.SrcMAC[:] }),
	arrayField(TCA_PEDIT_KEY_EX_HDR_TYPE_ETH, 0, func(k *MatchKey) []byte { return k.DstMAC[:] }),
	u16Field(TCA_PEDIT_KEY_EX_HDR_TYPE_ETH, 12, func(k *MatchKey) *uint16 { return &k.EthType }),

	u16Field(TCA_PEDIT_KEY_EX_HDR_TYPE_TCP, 0, func(k *MatchKey) *uint16 { return &k.TCPSrc }),
	u16Field(TCA_PEDIT_KEY_EX_HDR_TYPE_TCP, 2, func(k *MatchKey) *uint16 { return &k.TCPDst }),

	u16Field(TCA_PEDIT_KEY_EX_HDR_TYPE_UDP, 0, func(k *MatchKey) *uint16 { return &k.UDPSrc }),
	u16Field(TCA_PEDIT_KEY_EX_HDR_TYPE_UDP, 2, func(k *MatchKey) *uint16 { return &k.UDPDst }),
}

const maxPeditKeys = 32

// peditKey is one 32 bit write. Set holds the bits that change, Val their
// new value; both are host values of the network order word.
type peditKey struct {
	htype uint16
	off   uint32
	set   uint32
	val   uint32
}

// packRewrite turns the fields selected by rw.Mask into word keys. Words
// of the same header and offset are merged so keys never overlap.
func packRewrite(rw *Rewrite) ([]peditKey, error) {
	var keys []peditKey
	for _, f := range peditFields {
		mb := f.view(&rw.Mask)
		if allZero(mb) {
			continue
		}
		kb := f.view(&rw.Key)

		start := f.offset &^ 3
		lead := f.offset - start
		words := (lead + f.size + 3) / 4
		kwin := make([]byte, 4*words)
		mwin := make([]byte, 4*words)
		copy(kwin[lead:], kb)
		copy(mwin[lead:], mb)

		for w := 0; w < words; w++ {
			set := binary.BigEndian.Uint32(mwin[4*w:]) >> f.shift
			if set == 0 {
				continue
			}
			val := binary.BigEndian.Uint32(kwin[4*w:]) >> f.shift & set
			off := uint32(start + 4*w)

			merged := false
			for i := range keys {
				if keys[i].htype == f.htype && keys[i].off == off {
					keys[i].val = keys[i].val&^set | val
					keys[i].set |= set
					merged = true
					break
				}
			}
			if merged {
				continue
			}
			if len(keys) == maxPeditKeys {
				return nil, newError(KindUnsupported, "rewrite", "more than %d pedit keys", maxPeditKeys)
			}
			keys = append(keys, peditKey{htype: f.htype, off: off, set: set, val: val})
		}
	}
	return keys, nil
}

// unpackRewrite maps word keys back onto the fields they overlap. Bits
// outside any known field are dropped.
func unpackRewrite(keys []peditKey) Rewrite {
	var rw Rewrite
	for _, key := range keys {
		for _, f := range peditFields {
			if f.htype != key.htype {
				continue
			}
			lo, hi := int(key.off), int(key.off)+4
			if hi <= f.offset || lo >= f.offset+f.size {
				continue
			}
			var mb, vb [4]byte
			binary.BigEndian.PutUint32(mb[:], key.set<<f.shift)
			binary.BigEndian.PutUint32(vb[:], key.val<<f.shift)

			kf := f.view(&rw.Key)
			mf := f.view(&rw.Mask)
			for b := 0; b < 4; b++ {
				pos := lo + b - f.offset
				if pos < 0 || pos >= f.size {
					continue
				}
				mf[pos] |= mb[b]
				kf[pos] = kf[pos]&^mb[b] | vb[b]&mb[b]
			}
			f.store(&rw.Key, kf)
			f.store(&rw.Mask, mf)
		}
	}
	return rw
}

// csumObligation returns the checksums a rewrite of header htype
// invalidates given the matched IP protocol. needProto reports that the
// match has to pin the IP protocol exactly.
func csumObligation(htype uint16, key, mask *MatchKey) (flags CsumFlags, needProto bool, err error) {
	switch htype {
	case TCA_PEDIT_KEY_EX_HDR_TYPE_ETH:
		return 0, false, nil
	case TCA_PEDIT_KEY_EX_HDR_TYPE_IP4:
		flags |= CsumIPv4Hdr
	case TCA_PEDIT_KEY_EX_HDR_TYPE_IP6, TCA_PEDIT_KEY_EX_HDR_TYPE_TCP, TCA_PEDIT_KEY_EX_HDR_TYPE_UDP:
	default:
		return 0, false, newError(KindUnsupported, "rewrite", "header type %d", htype)
	}

	if mask.IPProto == 0 {
		return 0, false, newError(KindUnsupported, "rewrite",
			"header type %d needs an ip_proto match", htype)
	}
	switch proto := layers.IPProtocol(key.IPProto & mask.IPProto); proto {
	case layers.IPProtocolTCP:
		flags |= CsumTCP
	case layers.IPProtocolUDP:
		flags |= CsumUDP
	case layers.IPProtocolICMPv4, layers.IPProtocolIGMP, layers.IPProtocolSCTP,
		layers.IPProtocolIPv4, layers.IPProtocolGRE:
	case layers.IPProtocolICMPv6:
		flags |= CsumICMP
	case layers.IPProtocolUDPLite:
		flags |= CsumUDPLite
	default:
		return 0, false, newError(KindUnsupported, "rewrite",
			"can't offload rewrite of IP/IPv6 with ip_proto %d", proto)
	}
	return flags, true, nil
}

// rewriteObligations folds csumObligation over every header in keys.
func rewriteObligations(keys []peditKey, key, mask *MatchKey) (CsumFlags, bool, error) {
	var (
		flags     CsumFlags
		needProto bool
	)
	for _, k := range keys {
		f, need, err := csumObligation(k.htype, key, mask)
		if err != nil {
			return 0, false, err
		}
		flags |= f
		needProto = needProto || need
	}
	return flags, needProto, nil
}

// encodePeditOptions writes the PARMS_EX and KEYS_EX attributes of one
// pedit action.
func encodePeditOptions(opts *nl.RtAttr, keys []peditKey, pc int32) {
	sel := tcPeditSel{Gen: tcGen{Action: pc}, NKeys: uint8(len(keys))}
	parms := marshalStruct(&sel)
	keysEx := addNested(opts, TCA_PEDIT_KEYS_EX)
	for _, k := range keys {
		wk := tcPeditKey{Off: k.off}
		binary.BigEndian.PutUint32(wk.Mask[:], ^k.set)
		binary.BigEndian.PutUint32(wk.Val[:], k.val)
		parms = append(parms, marshalStruct(&wk)...)

		ex := addNested(keysEx, TCA_PEDIT_KEY_EX)
		addU16(ex, TCA_PEDIT_KEY_EX_HTYPE, k.htype)
		addU16(ex, TCA_PEDIT_KEY_EX_CMD, TCA_PEDIT_KEY_EX_CMD_SET)
	}
	opts.AddRtAttr(TCA_PEDIT_PARMS_EX, parms)
}

// decodePeditOptions returns the keys of a pedit action and its control
// word. Keys without an extended header type are rejected.
func decodePeditOptions(r *attrReader) ([]peditKey, uint32, error) {
	const op = "pedit"
	if !r.has(TCA_PEDIT_PARMS_EX) {
		if r.has(TCA_PEDIT_PARMS) {
			return nil, 0, newError(KindUnsupported, op, "legacy pedit without extended keys")
		}
		return nil, 0, newError(KindProtocol, op, "missing pedit parameters")
	}
	raw := r.get(TCA_PEDIT_PARMS_EX, sizeofTcPeditSel)
	if r.err != nil {
		return nil, 0, r.err
	}
	var sel tcPeditSel
	unmarshalStruct(raw, &sel)
	n := int(sel.NKeys)
	if len(raw) < sizeofTcPeditSel+n*sizeofTcPeditKey {
		return nil, 0, newError(KindProtocol, op, "%d keys in %d bytes", n, len(raw))
	}

	var exs [][]byte
	if b := r.get(TCA_PEDIT_KEYS_EX, 0); b != nil {
		list, err := nl.ParseRouteAttr(b)
		if err != nil {
			return nil, 0, wrapError(err, KindProtocol, op)
		}
		for _, a := range list {
			if a.Attr.Type&nlaTypeMask != TCA_PEDIT_KEY_EX {
				return nil, 0, newError(KindUnsupported, op, "unknown extended key attribute %d", a.Attr.Type)
			}
			exs = append(exs, a.Value)
		}
	}
	if len(exs) < n {
		return nil, 0, newError(KindUnsupported, op, "%d keys but %d extended keys", n, len(exs))
	}

	keys := make([]peditKey, 0, n)
	for i := 0; i < n; i++ {
		var wk tcPeditKey
		unmarshalStruct(raw[sizeofTcPeditSel+i*sizeofTcPeditKey:], &wk)

		ex, err := newAttrReader(op, exs[i])
		if err != nil {
			return nil, 0, err
		}
		if !ex.has(TCA_PEDIT_KEY_EX_HTYPE) {
			return nil, 0, newError(KindUnsupported, op, "key %d without header type", i)
		}
		htype := ex.u16(TCA_PEDIT_KEY_EX_HTYPE)
		cmd := ex.u16(TCA_PEDIT_KEY_EX_CMD)
		if ex.err != nil {
			return nil, 0, ex.err
		}
		if cmd != TCA_PEDIT_KEY_EX_CMD_SET {
			return nil, 0, newError(KindUnsupported, op, "key %d: command %d", i, cmd)
		}
		if wk.At != 0 || wk.Offmask != 0 || wk.Shift != 0 {
			return nil, 0, newError(KindUnsupported, op, "key %d: indirect offset", i)
		}
		set := ^binary.BigEndian.Uint32(wk.Mask[:])
		keys = append(keys, peditKey{
			htype: htype,
			off:   wk.Off,
			set:   set,
			val:   binary.BigEndian.Uint32(wk.Val[:]) & set,
		})
	}
	return keys, uint32(sel.Gen.Action), nil
}
