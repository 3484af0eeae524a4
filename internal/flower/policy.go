package flower

import (
	"strings"

	"github.com/pkg/errors"
)

// Policy selects where a rule may be installed.
type Policy uint8

const (
	PolicyNone Policy = iota
	PolicySkipSW
	PolicySkipHW
)

func (p Policy) String() string {
	switch p {
	case PolicySkipSW:
		return "skip_sw"
	case PolicySkipHW:
		return "skip_hw"
	default:
		return "none"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PolicyNone, nil
	case "skip_sw":
		return PolicySkipSW, nil
	case "skip_hw":
		return PolicySkipHW, nil
	default:
		return PolicyNone, errors.Errorf("unknown offload policy %q", s)
	}
}

// clsFlags is the TCA_FLOWER_FLAGS value for p.
func (p Policy) clsFlags() uint32 {
	switch p {
	case PolicySkipSW:
		return TCA_CLS_FLAGS_SKIP_SW
	case PolicySkipHW:
		return TCA_CLS_FLAGS_SKIP_HW
	default:
		return 0
	}
}

// actFlags is the TCA_ACT_FLAGS bitfield put on every native action.
var actFlags = nlaBitfield32{
	Value:    TCA_ACT_FLAGS_NO_PERCPU_STATS,
	Selector: TCA_ACT_FLAGS_NO_PERCPU_STATS,
}

// OffloadState reports where the kernel placed a rule.
type OffloadState uint8

const (
	OffloadUndefined OffloadState = iota
	OffloadInHW
	OffloadNotInHW
)

func (s OffloadState) String() string {
	switch s {
	case OffloadInHW:
		return "in_hw"
	case OffloadNotInHW:
		return "not_in_hw"
	default:
		return "undefined"
	}
}

func offloadStateFromFlags(flags uint32) OffloadState {
	switch {
	case flags&TCA_CLS_FLAGS_NOT_IN_HW != 0:
		return OffloadNotInHW
	case flags&TCA_CLS_FLAGS_IN_HW != 0:
		return OffloadInHW
	default:
		return OffloadUndefined
	}
}
