package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/free5gc/go-tcflower/internal/flower"
	"github.com/free5gc/go-tcflower/internal/forwarder"
	"github.com/free5gc/go-tcflower/internal/logger"
	"github.com/free5gc/go-tcflower/internal/watch"
	"github.com/free5gc/go-tcflower/pkg/factory"
)

func main() {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			logger.MainLog.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
	}()

	app := cli.NewApp()
	app.Name = "tcflower"
	app.Usage = "install and inspect tc flower classifier rules"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "log-level, l",
			Usage: "override the configured log level",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "encode",
			Usage:     "print the netlink requests of a rule file as hex",
			ArgsUsage: "RULES",
			Action:    encodeAction,
		},
		{
			Name:      "decode",
			Usage:     "parse filter messages given as hex, one per line",
			ArgsUsage: "[FILE]",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "terse", Usage: "messages carry statistics only"}},
			Action:    decodeAction,
		},
		{
			Name:      "install",
			Usage:     "install every rule of a rule file",
			ArgsUsage: "RULES",
			Action:    installAction,
		},
		{
			Name:   "get",
			Usage:  "show one rule",
			Flags:  ruleFlags(true),
			Action: getAction,
		},
		{
			Name:   "delete",
			Usage:  "delete one rule",
			Flags:  ruleFlags(true),
			Action: deleteAction,
		},
		{
			Name:   "dump",
			Usage:  "list the rules of a device or block",
			Flags:  append(ruleFlags(false), cli.BoolFlag{Name: "terse", Usage: "statistics only"}),
			Action: dumpAction,
		},
		{
			Name:   "chains",
			Usage:  "list the chains of a device or block",
			Flags:  ruleFlags(false),
			Action: chainsAction,
		},
		{
			Name:   "policers",
			Usage:  "list the indexes of police actions",
			Action: policersAction,
		},
		{
			Name:  "qdisc",
			Usage: "manage the qdisc rules attach to",
			Subcommands: []cli.Command{
				{
					Name:  "add",
					Usage: "add an ingress or clsact qdisc",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "device, d"},
						cli.UintFlag{Name: "block", Usage: "shared ingress block"},
						cli.BoolFlag{Name: "clsact", Usage: "clsact instead of ingress, needed for egress rules"},
					},
					Action: qdiscAddAction,
				},
				{
					Name:   "del",
					Usage:  "delete the qdisc",
					Flags:  []cli.Flag{cli.StringFlag{Name: "device, d"}},
					Action: qdiscDelAction,
				},
			},
		},
		{
			Name:      "watch",
			Usage:     "dump devices or blocks periodically and serve rule metrics",
			ArgsUsage: "DEVICE|block:N ...",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "interval", Value: watch.DefaultInterval},
				cli.StringFlag{Name: "hook", Value: "ingress"},
				cli.BoolFlag{Name: "terse", Usage: "statistics only"},
			},
			Action: watchAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.MainLog.Errorf("tcflower run error: %+v", err)
		os.Exit(1)
	}
}

func ruleFlags(one bool) []cli.Flag {
	flags := []cli.Flag{
		cli.StringFlag{Name: "device, d"},
		cli.UintFlag{Name: "block"},
		cli.StringFlag{Name: "hook", Value: "ingress"},
	}
	if one {
		flags = append(flags,
			cli.UintFlag{Name: "chain"},
			cli.UintFlag{Name: "prio"},
			cli.StringFlag{Name: "handle", Usage: "filter handle, decimal or 0x hex"},
		)
	}
	return flags
}

// loadConfig reads the config file, falling back to defaults when none is
// given, and applies the logger settings.
func loadConfig(c *cli.Context) (*factory.Config, error) {
	var cfg *factory.Config
	if path := c.GlobalString("config"); path != "" {
		var err error
		if cfg, err = factory.ReadConfig(path); err != nil {
			return nil, err
		}
	} else {
		cfg = factory.DefaultConfig()
	}

	level := cfg.Logger.Level
	if l := c.GlobalString("log-level"); l != "" {
		level = l
	}
	if !cfg.Logger.Enable {
		logger.Disable()
	} else if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLogLevel(lvl)
	} else {
		logger.MainLog.Warnf("log level %q: %v", level, err)
	}
	logger.SetReportCaller(cfg.Logger.ReportCaller)
	return cfg, nil
}

func openDriver(c *cli.Context) (*factory.Config, forwarder.Driver, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	driver, err := forwarder.NewDriver(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, driver, nil
}

// resolveLink accepts an ifindex as well as a device name.
func resolveLink(name string) (int, error) {
	if idx, err := strconv.Atoi(name); err == nil {
		return idx, nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, errors.Wrapf(err, "link %q", name)
	}
	return link.Attrs().Index, nil
}

func ruleIDFromFlags(c *cli.Context, links forwarder.LinkResolver) (flower.RuleID, error) {
	id := flower.RuleID{
		BlockID: uint32(c.Uint("block")),
		Chain:   uint32(c.Uint("chain")),
		Prio:    uint16(c.Uint("prio")),
	}
	switch c.String("hook") {
	case "ingress":
	case "egress":
		id.Hook = flower.HookEgress
	default:
		return id, errors.Errorf("unknown hook %q", c.String("hook"))
	}
	dev := c.String("device")
	if (dev == "") == (id.BlockID == 0) {
		return id, errors.New("need exactly one of --device and --block")
	}
	if dev != "" {
		idx, err := links(dev)
		if err != nil {
			return id, err
		}
		id.Ifindex = idx
	}
	if h := c.String("handle"); h != "" {
		v, err := strconv.ParseUint(h, 0, 32)
		if err != nil {
			return id, errors.Wrapf(err, "handle %q", h)
		}
		id.Handle = uint32(v)
	}
	return id, nil
}

func encodeAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rf, err := factory.ReadRuleFile(c.Args().First())
	if err != nil {
		return err
	}
	policy, err := flower.ParsePolicy(cfg.Offload.Policy)
	if err != nil {
		return err
	}
	codec := flower.NewCodec(flower.WithPolicy(policy))
	for _, r := range rf.Rules {
		id, f, err := forwarder.BuildRule(r, resolveLink)
		if err != nil {
			return err
		}
		req, err := codec.BuildReplace(id, f)
		if err != nil {
			return errors.Wrapf(err, "rule %q", r.Name)
		}
		fmt.Printf("# %s %s\n%s\n", r.Name, id, hex.EncodeToString(req.Serialize()))
	}
	return nil
}

// decodeAction reads filter messages as hex; a leading netlink header is
// skipped when present.
func decodeAction(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}
	var in io.Reader = os.Stdin
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open %q", path)
		}
		defer f.Close()
		in = f
	}

	codec := flower.NewCodec()
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msg, err := hex.DecodeString(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		if hasNlHeader(msg) {
			msg = msg[unix.SizeofNlMsghdr:]
		}
		id, f, err := codec.ParseReply(msg, c.Bool("terse"))
		if err != nil && !errors.Is(err, flower.ErrNoHandle) {
			fmt.Printf("line %d: %v\n", n, err)
			continue
		}
		if f == nil {
			fmt.Printf("line %d: %s: no handle\n", n, id)
			continue
		}
		printRule(id, f)
	}
	return sc.Err()
}

func hasNlHeader(b []byte) bool {
	if len(b) < unix.SizeofNlMsghdr {
		return false
	}
	l := nl.NativeEndian().Uint32(b[0:4])
	typ := nl.NativeEndian().Uint16(b[4:6])
	return int(l) == len(b) && typ >= unix.RTM_NEWTFILTER && typ <= unix.RTM_GETTFILTER
}

func printRule(id flower.RuleID, f *flower.Flower) {
	fmt.Printf("%s\n", id)
	fmt.Printf("  packets %d bytes %d (hw %d) drops %d", f.Stats.SW.Packets+f.Stats.HW.Packets,
		f.Stats.SW.Bytes+f.Stats.HW.Bytes, f.Stats.HW.Packets, f.Stats.Drops)
	if !f.LastUsed.IsZero() {
		fmt.Printf(" used %s ago", time.Since(f.LastUsed).Truncate(time.Millisecond))
	}
	if f.Offloaded == flower.OffloadInHW {
		fmt.Printf(" in_hw")
	}
	fmt.Println()
	if f.Actions == nil {
		return
	}
	fmt.Print(spew.Sdump(f.Key, f.Actions))
}

func installAction(c *cli.Context) error {
	rf, err := factory.ReadRuleFile(c.Args().First())
	if err != nil {
		return err
	}
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	for _, r := range rf.Rules {
		id, f, err := forwarder.BuildRule(r, driver.LinkIndex)
		if err != nil {
			return err
		}
		got, err := driver.Replace(id, f)
		if err != nil {
			return errors.Wrapf(err, "rule %q", r.Name)
		}
		fmt.Printf("%s: %s\n", r.Name, got)
	}
	return nil
}

func getAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	id, err := ruleIDFromFlags(c, driver.LinkIndex)
	if err != nil {
		return err
	}
	f, err := driver.Get(id)
	if err != nil {
		return err
	}
	printRule(id, f)
	return nil
}

func deleteAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	id, err := ruleIDFromFlags(c, driver.LinkIndex)
	if err != nil {
		return err
	}
	return driver.Delete(id)
}

func dumpAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	id, err := ruleIDFromFlags(c, driver.LinkIndex)
	if err != nil {
		return err
	}
	entries, err := driver.Dump(id, c.Bool("terse"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		printRule(e.ID, e.Flower)
	}
	return nil
}

func chainsAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	id, err := ruleIDFromFlags(c, driver.LinkIndex)
	if err != nil {
		return err
	}
	chains, err := driver.DumpChains(id)
	if err != nil {
		return err
	}
	for _, chain := range chains {
		fmt.Printf("chain %d\n", chain)
	}
	return nil
}

func policersAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	indexes, err := driver.DumpPolicers()
	if err != nil {
		return err
	}
	for _, index := range indexes {
		if flower.IsMeter(index) {
			fmt.Printf("police %#x meter %d\n", index, index-flower.MeterPoliceIDBase)
			continue
		}
		fmt.Printf("police %#x\n", index)
	}
	return nil
}

func qdiscAddAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	idx, err := driver.LinkIndex(c.String("device"))
	if err != nil {
		return err
	}
	return driver.AddQdisc(idx, uint32(c.Uint("block")), c.Bool("clsact"))
}

func qdiscDelAction(c *cli.Context) error {
	_, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	idx, err := driver.LinkIndex(c.String("device"))
	if err != nil {
		return err
	}
	return driver.DelQdisc(idx)
}

func watchAction(c *cli.Context) error {
	cfg, driver, err := openDriver(c)
	if err != nil {
		return err
	}
	defer driver.Close()

	var targets []flower.RuleID
	for _, arg := range c.Args() {
		var id flower.RuleID
		if c.String("hook") == "egress" {
			id.Hook = flower.HookEgress
		}
		if b, ok := strings.CutPrefix(arg, "block:"); ok {
			v, err := strconv.ParseUint(b, 10, 32)
			if err != nil {
				return errors.Wrapf(err, "block %q", b)
			}
			id.BlockID = uint32(v)
		} else if id.Ifindex, err = driver.LinkIndex(arg); err != nil {
			return err
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return errors.New("nothing to watch")
	}

	w := watch.NewWatcher(driver, targets,
		watch.WithInterval(c.Duration("interval")),
		watch.WithTerse(c.Bool("terse")),
		watch.WithListen(cfg.Offload.Metrics))
	var wg sync.WaitGroup
	w.Start(&wg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.MainLog.Infof("shutting down")
	w.Stop()
	wg.Wait()
	return nil
}
