package watch

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-tcflower/internal/flower"
	"github.com/free5gc/go-tcflower/internal/forwarder"
	"github.com/free5gc/go-tcflower/internal/logger"
)

const DefaultInterval = 5 * time.Second

var rulesSeen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tcflower",
	Subsystem: "watch",
	Name:      "rules",
	Help:      "Rules found at the last dump of a device or block.",
}, []string{"target"})

func init() {
	prometheus.MustRegister(rulesSeen)
}

// Watcher dumps a set of devices or blocks periodically, keeping the rule
// metrics current, and serves them over HTTP.
type Watcher struct {
	driver   forwarder.Driver
	targets  []flower.RuleID
	interval time.Duration
	terse    bool
	listen   string

	srv    *http.Server
	stopCh chan struct{}
	polled func(flower.RuleID, []forwarder.Entry)
	log    *logrus.Entry
}

type Option func(*Watcher)

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithTerse dumps statistics only.
func WithTerse(terse bool) Option {
	return func(w *Watcher) { w.terse = terse }
}

// WithListen serves /metrics on addr; nothing is served when addr is empty.
func WithListen(addr string) Option {
	return func(w *Watcher) { w.listen = addr }
}

// WithPolled is called with the entries of every successful dump.
func WithPolled(fn func(flower.RuleID, []forwarder.Entry)) Option {
	return func(w *Watcher) { w.polled = fn }
}

func NewWatcher(driver forwarder.Driver, targets []flower.RuleID, opts ...Option) *Watcher {
	w := &Watcher{
		driver:   driver,
		targets:  targets,
		interval: DefaultInterval,
		stopCh:   make(chan struct{}),
		log:      logger.WatchLog,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Watcher) Start(wg *sync.WaitGroup) {
	if w.listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		w.srv = &http.Server{Addr: w.listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		wg.Add(1)
		go w.serve(wg)
	}
	wg.Add(1)
	go w.main(wg)
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(ctx); err != nil {
			w.log.Warnf("metrics server shutdown: %v", err)
		}
	}
}

func (w *Watcher) serve(wg *sync.WaitGroup) {
	defer wg.Done()
	w.log.Infof("serving metrics on %s", w.listen)
	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		w.log.Errorf("metrics server: %+v", err)
	}
}

func (w *Watcher) main(wg *sync.WaitGroup) {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			w.log.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
		w.log.Infoln("watcher stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) poll() {
	for _, target := range w.targets {
		entries, err := w.driver.Dump(target, w.terse)
		if err != nil {
			w.log.Warnf("dump %s: %v", target, err)
			continue
		}
		rulesSeen.WithLabelValues(targetName(target)).Set(float64(len(entries)))
		w.log.Debugf("dump %s: %d rules", target, len(entries))
		if w.polled != nil {
			w.polled(target, entries)
		}
	}
}

func targetName(id flower.RuleID) string {
	dev := flower.RuleID{Hook: id.Hook, Ifindex: id.Ifindex, BlockID: id.BlockID}
	return dev.String()
}
