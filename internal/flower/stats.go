package flower

import (
	"time"

	"github.com/vishvananda/netlink/nl"
)

// decodeActStats reads the TCA_ACT_STATS nest of one action. PKT64
// overrides the packet count of the basic block right before it.
func decodeActStats(b []byte) (RuleStats, error) {
	const op = "action stats"
	var (
		s     RuleStats
		prev  uint16
		basic bool
	)
	attrs, err := nl.ParseRouteAttr(b)
	if err != nil {
		return s, wrapError(err, KindProtocol, op)
	}
	for _, a := range attrs {
		typ := a.Attr.Type & nlaTypeMask
		switch typ {
		case TCA_STATS_BASIC, TCA_STATS_BASIC_HW:
			var gb gnetStatsBasic
			if !unmarshalStruct(a.Value, &gb) {
				return s, newError(KindProtocol, op, "short basic stats")
			}
			cur := &s.HW
			if typ == TCA_STATS_BASIC {
				cur, basic = &s.SW, true
			}
			cur.Bytes, cur.Packets = gb.Bytes, uint64(gb.Packets)
		case TCA_STATS_PKT64:
			var cur *Stats
			switch prev {
			case TCA_STATS_BASIC:
				cur = &s.SW
			case TCA_STATS_BASIC_HW:
				cur = &s.HW
			default:
				return s, newError(KindProtocol, op, "packet count without basic stats")
			}
			if len(a.Value) < 8 {
				return s, newError(KindProtocol, op, "short packet count")
			}
			cur.Packets = nl.NativeEndian().Uint64(a.Value)
		case TCA_STATS_QUEUE:
			var q gnetStatsQueue
			if !unmarshalStruct(a.Value, &q) {
				return s, newError(KindProtocol, op, "short queue stats")
			}
			s.Drops = uint64(q.Drops)
		}
		prev = typ
	}
	if !basic {
		return s, newError(KindProtocol, op, "missing basic stats")
	}

	// software counters include what the hardware handled
	s.SW.Packets = subFloor(s.SW.Packets, s.HW.Packets)
	s.SW.Bytes = subFloor(s.SW.Bytes, s.HW.Bytes)
	return s, nil
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// merge keeps the largest counters of s and o.
func (s *RuleStats) merge(o RuleStats) {
	if o.SW.Packets > s.SW.Packets {
		s.SW = o.SW
	}
	if o.HW.Packets > s.HW.Packets {
		s.HW = o.HW
	}
	if o.Drops > s.Drops {
		s.Drops = o.Drops
	}
}

// lastUsed converts the tick based age of a tcf_t into a wall clock time.
// A rule that never saw a packet has a zero time.
func lastUsed(tm tcfT, now time.Time) time.Time {
	if tm.Lastuse == tm.Install {
		return time.Time{}
	}
	ms := int64(tm.Lastuse) * 1000 / clockTicks()
	return now.Add(-time.Duration(ms) * time.Millisecond)
}
