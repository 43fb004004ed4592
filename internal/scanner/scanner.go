// Package scanner continuously probes live routes from local and external
// origins, classifies severity, and feeds reports to the dashboard and the
// healing engine.
package scanner

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/metrics"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
	"github.com/patchbay-proxy/patchbay/internal/thoughts"
	"github.com/patchbay-proxy/patchbay/internal/tunnel"
)

// escalateAfter is how many consecutive err probes hand a route to the
// healing engine.
const escalateAfter = 3

// Options configures a Scanner.
type Options struct {
	Period         time.Duration
	Concurrency    int
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	LocalOrigin    string

	// OnEscalate is called when a route crosses the consecutive-err
	// threshold. May be nil.
	OnEscalate func(routePath string)
}

// Scanner is the cooperative periodic probe loop.
type Scanner struct {
	opts    Options
	reg     *registry.Registry
	tun     *tunnel.Resolver
	store   *ReportStore
	bus     *thoughts.Bus
	metrics *metrics.Metrics
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Report]

	mu            sync.Mutex
	consecErr     map[string]int
	tick          map[string]uint64
	tunnelOffline bool
}

// New creates a scanner over the live registry.
func New(opts Options, reg *registry.Registry, tun *tunnel.Resolver, store *ReportStore, bus *thoughts.Bus, m *metrics.Metrics) *Scanner {
	if opts.Period <= 0 {
		opts.Period = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 3 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	client := &http.Client{
		Timeout: opts.RequestTimeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
		// Redirects are recorded, not followed: the first response's
		// status is the probe result.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	breaker := gobreaker.NewCircuitBreaker[Report](gobreaker.Settings{
		Name:     "external-probe",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Scanner{
		opts:      opts,
		reg:       reg,
		tun:       tun,
		store:     store,
		bus:       bus,
		metrics:   m,
		client:    client,
		breaker:   breaker,
		consecErr: make(map[string]int),
		tick:      make(map[string]uint64),
	}
}

// Run executes scan cycles until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Period)
	defer ticker.Stop()

	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce probes every live route once, bounded by the configured
// concurrency. Routes currently in err are probed at half rate.
func (s *Scanner) ScanOnce(ctx context.Context) {
	routes := s.reg.Routes()
	s.store.Drop(func(path string) bool {
		_, ok := s.reg.Route(path)
		return ok
	})

	externalBase, tunnelUp := s.tun.PublicURL(ctx)
	s.noteTunnel(tunnelUp)

	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
	for _, rt := range routes {
		if s.skipThisTick(rt.Path) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rt snippet.Route) {
			defer wg.Done()
			defer func() { <-sem }()
			s.probeRoute(ctx, rt, externalBase, tunnelUp)
		}(rt)
	}
	wg.Wait()

	if err := s.store.Persist(); err != nil {
		logging.Warn("could not persist report index", zap.Error(err))
	}
}

// skipThisTick halves the probe rate for routes whose last local probe was
// err: they are probed at 2x the base period.
func (s *Scanner) skipThisTick(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick[path]++
	if s.consecErr[path] == 0 {
		return false
	}
	return s.tick[path]%2 == 0
}

func (s *Scanner) probeRoute(ctx context.Context, rt snippet.Route, externalBase string, tunnelUp bool) {
	local := s.probe(ctx, rt.Path, OriginLocal, probeURL(s.opts.LocalOrigin, rt.Path))
	s.record(local)
	s.trackEscalation(rt.Path, local.Severity)

	if !tunnelUp {
		return
	}
	report, err := s.breaker.Execute(func() (Report, error) {
		r := s.probe(ctx, rt.Path, OriginExternal, probeURL(externalBase, rt.Path))
		if r.StatusCode == 0 {
			return r, context.DeadlineExceeded
		}
		return r, nil
	})
	if err != nil && report.RoutePath == "" {
		// Breaker open: skip external probing this cycle.
		return
	}
	s.record(report)
}

func probeURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// probe issues a single GET without following redirects.
func (s *Scanner) probe(ctx context.Context, routePath string, origin Origin, url string) Report {
	report := Report{
		RoutePath: routePath,
		Origin:    origin,
		ProbedAt:  time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		report.Severity = SeverityWarn
		report.Error = err.Error()
		return report
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	report.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		report.StatusCode = 0
		report.Severity = Classify(0)
		report.Error = err.Error()
		s.observe(report, time.Since(start))
		return report
	}
	defer resp.Body.Close()

	report.StatusCode = resp.StatusCode
	report.Severity = Classify(resp.StatusCode)
	report.ContentType = resp.Header.Get("Content-Type")
	report.Location = resp.Header.Get("Location")
	report.BodySignature = sniffBody(resp.Body, report.ContentType)
	s.observe(report, time.Since(start))
	return report
}

func (s *Scanner) observe(r Report, latency time.Duration) {
	if s.metrics != nil {
		s.metrics.ProbesTotal.WithLabelValues(string(r.Origin), string(r.Severity)).Inc()
		s.metrics.ProbeLatency.WithLabelValues(string(r.Origin)).Observe(latency.Seconds())
	}
}

func (s *Scanner) record(r Report) {
	prev, had := s.store.Latest(r.RoutePath, r.Origin)
	s.store.Add(r)

	if had && prev.Severity != r.Severity && s.bus != nil {
		s.bus.Post(thoughts.KindInfo, r.RoutePath,
			"severity changed "+string(prev.Severity)+" -> "+string(r.Severity),
			map[string]any{"origin": r.Origin, "status": r.StatusCode},
		)
	}
}

// trackEscalation counts consecutive err probes on the local origin and
// hands the route to the healing engine on the third.
func (s *Scanner) trackEscalation(path string, sev Severity) {
	s.mu.Lock()
	if sev == SeverityErr {
		s.consecErr[path]++
	} else {
		s.consecErr[path] = 0
	}
	count := s.consecErr[path]
	s.mu.Unlock()

	if count == escalateAfter && s.opts.OnEscalate != nil {
		logging.Warn("route escalated to healer",
			zap.String("route", path),
			zap.Int("consecutive_err", count),
		)
		s.opts.OnEscalate(path)
	}
}

// ProbeNow issues immediate probes for one route from both origins, outside
// the periodic cycle. The external report is nil while the tunnel is offline.
func (s *Scanner) ProbeNow(ctx context.Context, routePath string) (Report, *Report) {
	local := s.probe(ctx, routePath, OriginLocal, probeURL(s.opts.LocalOrigin, routePath))
	s.record(local)

	externalBase, up := s.tun.PublicURL(ctx)
	if !up {
		return local, nil
	}
	external := s.probe(ctx, routePath, OriginExternal, probeURL(externalBase, routePath))
	s.record(external)
	return local, &external
}

// noteTunnel emits one thought per offline transition; probing simply skips
// the external origin while offline.
func (s *Scanner) noteTunnel(up bool) {
	s.mu.Lock()
	was := s.tunnelOffline
	s.tunnelOffline = !up
	s.mu.Unlock()

	if !up && !was && s.bus != nil {
		s.bus.Post(thoughts.KindInfo, "", "tunnel offline; external probes paused", nil)
	}
}

// sniffBody reads a small prefix and labels the payload so the healer can
// match content-type anomalies (e.g. HTML served for an asset path).
func sniffBody(body io.Reader, contentType string) string {
	buf := make([]byte, 512)
	n, _ := io.ReadFull(body, buf)
	head := strings.ToLower(strings.TrimSpace(string(buf[:n])))

	switch {
	case strings.HasPrefix(head, "<!doctype html"), strings.HasPrefix(head, "<html"):
		return "html"
	case strings.HasPrefix(head, "{"), strings.HasPrefix(head, "["):
		return "json"
	case strings.Contains(contentType, "javascript"):
		return "js"
	case strings.Contains(contentType, "css"):
		return "css"
	case head == "":
		return ""
	default:
		return "text"
	}
}
