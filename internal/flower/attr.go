package flower

import (
	"encoding/binary"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// attribute writers

func addU8(p *nl.RtAttr, typ int, v uint8) {
	p.AddRtAttr(typ, []byte{v})
}

func addU16(p *nl.RtAttr, typ int, v uint16) {
	b := make([]byte, 2)
	nl.NativeEndian().PutUint16(b, v)
	p.AddRtAttr(typ, b)
}

func addBE16(p *nl.RtAttr, typ int, v uint16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	p.AddRtAttr(typ, b)
}

func addU32(p *nl.RtAttr, typ int, v uint32) {
	b := make([]byte, 4)
	nl.NativeEndian().PutUint32(b, v)
	p.AddRtAttr(typ, b)
}

func addBE32(p *nl.RtAttr, typ int, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	p.AddRtAttr(typ, b)
}

func addBytes(p *nl.RtAttr, typ int, b []byte) {
	p.AddRtAttr(typ, append([]byte(nil), b...))
}

func addNested(p *nl.RtAttr, typ int) *nl.RtAttr {
	return p.AddRtAttr(typ, nil)
}

func addNestedFlag(p *nl.RtAttr, typ int) *nl.RtAttr {
	return p.AddRtAttr(typ|unix.NLA_F_NESTED, nil)
}

// addMasked writes key&mask and mask when mask has any bit set.
func addMasked(p *nl.RtAttr, keyType, maskType int, key, mask []byte) {
	if allZero(mask) {
		return
	}
	v := make([]byte, len(key))
	for i := range key {
		v[i] = key[i] & mask[i]
	}
	p.AddRtAttr(keyType, v)
	addBytes(p, maskType, mask)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func u8Bytes(v uint8) []byte { return []byte{v} }

func be16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func be32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	nl.NativeEndian().PutUint16(b, v)
	return b
}

func u32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	nl.NativeEndian().PutUint32(b, v)
	return b
}

// attrTable indexes a flat attribute list by type, flags stripped.
type attrTable map[uint16][]byte

func parseAttrTable(b []byte) (attrTable, error) {
	attrs, err := nl.ParseRouteAttr(b)
	if err != nil {
		return nil, err
	}
	t := make(attrTable, len(attrs))
	for _, a := range attrs {
		t[a.Attr.Type&nlaTypeMask] = a.Value
	}
	return t, nil
}

// attrReader reads typed values out of an attrTable. The first short
// attribute is kept in err and every later read returns zero.
type attrReader struct {
	op  string
	t   attrTable
	err error
}

func newAttrReader(op string, b []byte) (*attrReader, error) {
	t, err := parseAttrTable(b)
	if err != nil {
		return nil, wrapError(err, KindProtocol, op)
	}
	return &attrReader{op: op, t: t}, nil
}

func (r *attrReader) has(typ int) bool {
	_, ok := r.t[uint16(typ)]
	return ok
}

func (r *attrReader) get(typ, size int) []byte {
	if r.err != nil {
		return nil
	}
	v, ok := r.t[uint16(typ)]
	if !ok {
		return nil
	}
	if len(v) < size {
		r.err = newError(KindProtocol, r.op, "attribute %d: %d bytes, want %d", typ, len(v), size)
		return nil
	}
	return v
}

// require records a protocol error when typ is absent.
func (r *attrReader) require(types ...int) bool {
	if r.err != nil {
		return false
	}
	for _, typ := range types {
		if !r.has(typ) {
			r.err = newError(KindProtocol, r.op, "missing attribute %d", typ)
			return false
		}
	}
	return true
}

func (r *attrReader) u8(typ int) uint8 {
	if b := r.get(typ, 1); b != nil {
		return b[0]
	}
	return 0
}

func (r *attrReader) u16(typ int) uint16 {
	if b := r.get(typ, 2); b != nil {
		return nl.NativeEndian().Uint16(b)
	}
	return 0
}

func (r *attrReader) be16(typ int) uint16 {
	if b := r.get(typ, 2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *attrReader) u32(typ int) uint32 {
	if b := r.get(typ, 4); b != nil {
		return nl.NativeEndian().Uint32(b)
	}
	return 0
}

func (r *attrReader) be32(typ int) uint32 {
	if b := r.get(typ, 4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// bytesInto copies attribute typ into dst, which sets the required size.
func (r *attrReader) bytesInto(typ int, dst []byte) {
	if b := r.get(typ, len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *attrReader) bytes(typ int) []byte {
	if b := r.get(typ, 0); b != nil {
		return append([]byte(nil), b...)
	}
	return nil
}

func (r *attrReader) str(typ int) string {
	b := r.get(typ, 0)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (r *attrReader) structInto(typ int, v interface{}) bool {
	b := r.get(typ, 0)
	if b == nil {
		return false
	}
	if !unmarshalStruct(b, v) {
		r.err = newError(KindProtocol, r.op, "attribute %d: short struct of %d bytes", typ, len(b))
		return false
	}
	return true
}

// masked readers fill key and mask only when the mask attribute is present

func (r *attrReader) maskedU8(keyType, maskType int, k, m *uint8) {
	if r.has(maskType) {
		*k, *m = r.u8(keyType), r.u8(maskType)
	}
}

func (r *attrReader) maskedU16(keyType, maskType int, k, m *uint16) {
	if r.has(maskType) {
		*k, *m = r.u16(keyType), r.u16(maskType)
	}
}

func (r *attrReader) maskedBE16(keyType, maskType int, k, m *uint16) {
	if r.has(maskType) {
		*k, *m = r.be16(keyType), r.be16(maskType)
	}
}

func (r *attrReader) maskedU32(keyType, maskType int, k, m *uint32) {
	if r.has(maskType) {
		*k, *m = r.u32(keyType), r.u32(maskType)
	}
}

func (r *attrReader) maskedBE32(keyType, maskType int, k, m *uint32) {
	if r.has(maskType) {
		*k, *m = r.be32(keyType), r.be32(maskType)
	}
}

func (r *attrReader) maskedBytes(keyType, maskType int, k, m []byte) {
	if r.has(maskType) {
		r.bytesInto(keyType, k)
		r.bytesInto(maskType, m)
	}
}
