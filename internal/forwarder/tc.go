package forwarder

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/free5gc/go-tcflower/internal/flower"
	"github.com/free5gc/go-tcflower/internal/logger"
	"github.com/free5gc/go-tcflower/pkg/factory"
)

var _ Driver = (*Tc)(nil)

// Tc drives flower filters over a Transport.
type Tc struct {
	tr     Transport
	codec  *flower.Codec
	verify bool
	log    *logrus.Entry

	mu sync.Mutex
	// latest last used time seen per rule
	lastUsed map[flower.RuleID]time.Time
}

func OpenTc(cfg *factory.Offload) (*Tc, error) {
	policy, err := flower.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	tr, err := OpenNetlinkTransport(cfg.Netns)
	if err != nil {
		return nil, err
	}
	return NewTc(tr, flower.NewCodec(flower.WithPolicy(policy)), cfg.Verify), nil
}

func NewTc(tr Transport, codec *flower.Codec, verify bool) *Tc {
	return &Tc{
		tr:       tr,
		codec:    codec,
		verify:   verify,
		log:      logger.FwderLog.WithField(logger.FieldCategory, "Tc"),
		lastUsed: make(map[flower.RuleID]time.Time),
	}
}

func (d *Tc) Close() {
	d.tr.Close()
}

func (d *Tc) LinkIndex(name string) (int, error) {
	return d.tr.LinkIndex(name)
}

func (d *Tc) Replace(id flower.RuleID, f *flower.Flower) (flower.RuleID, error) {
	req, err := d.codec.BuildReplace(id, f)
	if err != nil {
		return id, err
	}
	msgs, err := d.tr.Execute(req, unix.RTM_NEWTFILTER)
	countRequest("replace", err)
	if err != nil {
		return id, errors.Wrapf(err, "replace %s", id)
	}
	if len(msgs) == 0 {
		return id, errors.Errorf("replace %s: no echo", id)
	}

	got, installed, err := d.codec.ParseReply(msgs[0], false)
	if err != nil {
		return id, errors.Wrapf(err, "replace %s: echo", id)
	}
	d.log.Infof("installed %s", got)
	if d.verify {
		d.codec.Verify(got, f, installed)
	}
	return got, nil
}

func (d *Tc) Get(id flower.RuleID) (*flower.Flower, error) {
	msgs, err := d.tr.Execute(d.codec.BuildGet(id), unix.RTM_NEWTFILTER)
	countRequest("get", err)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", id)
	}
	if len(msgs) == 0 {
		return nil, errors.Errorf("get %s: no reply", id)
	}
	got, f, err := d.codec.ParseReply(msgs[0], false)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", id)
	}
	d.noteLastUsed(got, f)
	return f, nil
}

// Delete removes one rule; a rule that is already gone is not an error.
func (d *Tc) Delete(id flower.RuleID) error {
	_, err := d.tr.Execute(d.codec.BuildDelete(id), 0)
	countRequest("delete", err)

	d.mu.Lock()
	delete(d.lastUsed, id)
	d.mu.Unlock()

	if isGone(err) {
		d.log.Debugf("delete %s: %v", id, err)
		return nil
	}
	return errors.Wrapf(err, "delete %s", id)
}

// Dump skips placeholder replies without a handle and meter policers;
// rules that fail to parse are logged and left out.
func (d *Tc) Dump(id flower.RuleID, terse bool) ([]Entry, error) {
	msgs, err := d.tr.Execute(d.codec.BuildDump(id, terse), unix.RTM_NEWTFILTER)
	countRequest("dump", err)
	if err != nil {
		return nil, errors.Wrapf(err, "dump %s", id)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		got, f, err := d.codec.ParseReply(msg, terse)
		switch {
		case errors.Is(err, flower.ErrNoHandle), errors.Is(err, flower.ErrPolicerPriority):
			continue
		case err != nil:
			d.log.Warnf("dump %s: skip %s: %v", id, got, err)
			continue
		}
		d.noteLastUsed(got, f)
		rulePackets.WithLabelValues(got.String(), "sw").Set(float64(f.Stats.SW.Packets))
		rulePackets.WithLabelValues(got.String(), "hw").Set(float64(f.Stats.HW.Packets))
		entries = append(entries, Entry{ID: got, Flower: f})
	}
	return entries, nil
}

func (d *Tc) DumpChains(id flower.RuleID) ([]uint32, error) {
	msgs, err := d.tr.Execute(d.codec.BuildChainDump(id), unix.RTM_NEWCHAIN)
	countRequest("chain_dump", err)
	if err != nil {
		return nil, errors.Wrapf(err, "dump chains of %s", id)
	}
	chains := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		chain, err := d.codec.ParseChain(msg)
		if err != nil {
			d.log.Warnf("dump chains of %s: %v", id, err)
			continue
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// DumpPolicers reads back police actions; the kernel answers an action dump
// with the request type.
func (d *Tc) DumpPolicers() ([]uint32, error) {
	msgs, err := d.tr.Execute(d.codec.BuildPolicerDump(), unix.RTM_GETACTION)
	countRequest("policer_dump", err)
	if err != nil {
		return nil, errors.Wrap(err, "dump policers")
	}
	var indexes []uint32
	for _, msg := range msgs {
		got, err := d.codec.ParsePolicers(msg)
		if err != nil {
			d.log.Warnf("dump policers: %v", err)
			continue
		}
		indexes = append(indexes, got...)
	}
	return indexes, nil
}

func (d *Tc) AddQdisc(ifindex int, block uint32, clsact bool) error {
	_, err := d.tr.Execute(d.codec.BuildQdisc(true, ifindex, block, clsact), 0)
	countRequest("qdisc_add", err)
	if errors.Is(err, unix.EEXIST) {
		d.log.Debugf("qdisc on if%d exists", ifindex)
		return nil
	}
	return errors.Wrapf(err, "add qdisc on if%d", ifindex)
}

func (d *Tc) DelQdisc(ifindex int) error {
	_, err := d.tr.Execute(d.codec.BuildQdisc(false, ifindex, 0, false), 0)
	countRequest("qdisc_del", err)
	if isGone(err) {
		return nil
	}
	return errors.Wrapf(err, "delete qdisc on if%d", ifindex)
}

// noteLastUsed keeps the latest last used time of id across polls; the
// kernel reports it in ticks and rounding may move it backwards.
func (d *Tc) noteLastUsed(id flower.RuleID, f *flower.Flower) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.lastUsed[id]; ok && prev.After(f.LastUsed) {
		f.LastUsed = prev
		return
	}
	if !f.LastUsed.IsZero() {
		d.lastUsed[id] = f.LastUsed
	}
}

func isGone(err error) bool {
	return err != nil && (errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EINVAL))
}
