package forwarder

import (
	"github.com/pkg/errors"

	"github.com/free5gc/go-tcflower/internal/flower"
	"github.com/free5gc/go-tcflower/internal/logger"
	"github.com/free5gc/go-tcflower/pkg/factory"
)

// Entry is one rule read back from the kernel.
type Entry struct {
	ID     flower.RuleID
	Flower *flower.Flower
}

type Driver interface {
	Close()

	// Replace installs f at id and returns the id the kernel echoed,
	// with the handle it assigned.
	Replace(id flower.RuleID, f *flower.Flower) (flower.RuleID, error)
	Get(id flower.RuleID) (*flower.Flower, error)
	Delete(id flower.RuleID) error
	// Dump lists the rules of id's device or block and hook.
	Dump(id flower.RuleID, terse bool) ([]Entry, error)
	// DumpChains lists the chains of id's device or block and hook.
	DumpChains(id flower.RuleID) ([]uint32, error)
	// DumpPolicers lists the indexes of every police action.
	DumpPolicers() ([]uint32, error)

	AddQdisc(ifindex int, block uint32, clsact bool) error
	DelQdisc(ifindex int) error

	LinkIndex(name string) (int, error)
}

func NewDriver(cfg *factory.Config) (Driver, error) {
	cfgOffload := cfg.Offload
	if cfgOffload == nil {
		return nil, errors.Errorf("no offload config")
	}

	forwarder := cfgOffload.Forwarder
	if forwarder == "" {
		forwarder = factory.TcfDefaultForwarder
	}
	logger.MainLog.Infof("starting forwarder [%s]", forwarder)
	if forwarder == "tc" {
		driver, err := OpenTc(cfgOffload)
		if err != nil {
			return nil, errors.Wrap(err, "open tc")
		}
		return driver, nil
	}
	return nil, errors.Errorf("not support forwarder:%q", forwarder)
}
