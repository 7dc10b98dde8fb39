package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/backoff"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/visit"
)

// events is the ordered trace of calls made by the loop
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) count(ev string) int {
	n := 0
	for _, got := range e.all() {
		if got == ev {
			n++
		}
	}
	return n
}

type fakeVPN struct {
	ev       *events
	running  bool
	setup    func(n int) bool // nil means always succeed
	restart  func(n int) bool
	setups   int
	restarts int
}

func (v *fakeVPN) IsServiceRunning(ctx context.Context) bool { return v.running }

func (v *fakeVPN) Setup(ctx context.Context, account types.VPNAccount) bool {
	v.setups++
	v.ev.add("setup")
	ok := v.setup == nil || v.setup(v.setups)
	v.running = ok
	return ok
}

func (v *fakeVPN) Restart(ctx context.Context) bool {
	v.restarts++
	v.ev.add("restart")
	return v.restart == nil || v.restart(v.restarts)
}

func (v *fakeVPN) Teardown(ctx context.Context) {
	v.ev.add("teardown")
	v.running = false
}

func (v *fakeVPN) Bringup(ctx context.Context) {
	v.ev.add("bringup")
	v.running = true
}

type fakeCapture struct {
	ev       *events
	startErr error
}

func (c *fakeCapture) Start(ctx context.Context, ifaceHint string) error {
	c.ev.add("capture-start")
	return c.startErr
}

func (c *fakeCapture) Stop(ctx context.Context) []byte {
	c.ev.add("capture-stop")
	return []byte("pcap")
}

type fakeBrowser struct {
	ev       *events
	startErr error
	failURLs map[string]bool
}

func (b *fakeBrowser) StartBrowser(ctx context.Context, binaryPath string) (*visit.Session, error) {
	b.ev.add("browser-start")
	if b.startErr != nil {
		return nil, b.startErr
	}
	return visit.NewSession(nil, nil), nil
}

func (b *fakeBrowser) Visit(ctx context.Context, s *visit.Session, url string, timeout time.Duration) ([]byte, error) {
	b.ev.add("visit " + url)
	if b.failURLs[url] {
		return nil, errors.New("navigation failed")
	}
	return []byte("png:" + url), nil
}

type post struct {
	url  string
	png  string
	pcap string
}

type fakeCoord struct {
	ev          *events
	accountErrs int                // FetchAccount fails this many times first
	fetch       func(n int) string // answers the nth FetchWork
	accept      func(n int) bool   // answers the nth PostResult; nil accepts
	fetches     int
	accountReqs int
	posts       []post
}

func (c *fakeCoord) FetchAccount(ctx context.Context) (types.VPNAccount, error) {
	c.accountReqs++
	if c.accountReqs <= c.accountErrs {
		return types.VPNAccount{}, errors.New("connection refused")
	}
	return types.VPNAccount{AccountToken: "tok"}, nil
}

func (c *fakeCoord) FetchWork(ctx context.Context) string {
	c.fetches++
	c.ev.add("fetch")
	return c.fetch(c.fetches)
}

func (c *fakeCoord) PostResult(ctx context.Context, workURL string, png, pcap []byte) bool {
	c.posts = append(c.posts, post{workURL, string(png), string(pcap)})
	c.ev.add("post " + workURL)
	return c.accept == nil || c.accept(len(c.posts))
}

// queue serves urls in order, then cancels the loop
func queue(cancel context.CancelFunc, urls ...string) func(n int) string {
	return func(n int) string {
		if n > len(urls) {
			cancel()
			return ""
		}
		return urls[n-1]
	}
}

type sleeps struct {
	mu  sync.Mutex
	got []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.got...)
}

type harness struct {
	ev      *events
	vpn     *fakeVPN
	capture *fakeCapture
	browser *fakeBrowser
	coord   *fakeCoord
	sleeps  *sleeps
	cfg     Config
}

func newHarness() *harness {
	ev := &events{}
	h := &harness{
		ev:      ev,
		vpn:     &fakeVPN{ev: ev},
		capture: &fakeCapture{ev: ev},
		browser: &fakeBrowser{ev: ev},
		coord:   &fakeCoord{ev: ev},
		sleeps:  &sleeps{},
	}
	h.cfg = Config{
		Identity:         "0123456789abcdef",
		VPN:              h.vpn,
		Capture:          h.capture,
		Browser:          h.browser,
		Coordinator:      h.coord,
		BrowserBinary:    "/usr/bin/firefox",
		RestartThreshold: DefaultRestartThreshold,
		Backoff:          backoff.Constant(15 * time.Second),
		Sleep:            h.sleeps.sleep,
	}
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) *Loop {
	t.Helper()
	loop, err := NewLoop(h.cfg)
	require.NoError(t, err)

	err = loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.PhaseStopped, loop.Phase())
	return loop
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://site%d.example", i+1)
	}
	return out
}

func TestNewLoopValidation(t *testing.T) {
	h := newHarness()

	cfg := h.cfg
	cfg.VPN = nil
	_, err := NewLoop(cfg)
	assert.Error(t, err)

	cfg = h.cfg
	cfg.RestartThreshold = -1
	_, err = NewLoop(cfg)
	assert.Error(t, err)

	loop, err := NewLoop(h.cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultVisitTimeout, loop.visitTimeout)
	assert.Equal(t, DefaultMaxWorkAttempts, loop.maxWorkAttempts)
	assert.Equal(t, types.PhaseStopped, loop.Phase())
}

func TestEmptyFetchesReestablishVPN(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loop *Loop
	var atSecondSetup types.LoopState
	h.vpn.setup = func(n int) bool {
		if n == 2 {
			atSecondSetup = loop.State()
			cancel()
		}
		return true
	}
	h.coord.fetch = func(int) string { return "" }

	var err error
	loop, err = NewLoop(h.cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	assert.Equal(t, 2, h.vpn.setups)
	assert.Equal(t, 11, h.coord.fetches)
	assert.Equal(t, 1, h.ev.count("teardown"), "tunnel is torn down once after the first empty fetch")
	assert.Equal(t, []string{"setup", "fetch", "teardown", "fetch"}, h.ev.all()[:4])
	assert.Equal(t, 11, atSecondSetup.WorkAttempts)
	assert.False(t, atSecondSetup.TunnelEstablished)

	// no sleep after the eleventh fetch
	assert.Len(t, h.sleeps.all(), 10)

	// counters reset on re-establishment
	assert.Equal(t, types.LoopState{TunnelEstablished: true}, loop.State())
}

func TestBackoffDrawsWithinBounds(t *testing.T) {
	h := newHarness()
	h.cfg.Backoff = nil
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.vpn.setup = func(n int) bool {
		if n == 2 {
			cancel()
		}
		return true
	}
	h.coord.fetch = func(int) string { return "" }
	h.run(t, ctx)

	got := h.sleeps.all()
	require.Len(t, got, 10)
	for _, d := range got {
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 20*time.Second)
		assert.Zero(t, d%time.Second)
	}
}

func TestWorkResetsAttemptsAndBringsVPNUp(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	answers := []string{"", "", "https://a.example"}
	h.coord.fetch = queue(cancel, answers...)
	loop := h.run(t, ctx)

	assert.Equal(t, 1, h.ev.count("teardown"))
	assert.Equal(t, 1, h.ev.count("bringup"))
	assert.Equal(t, 0, loop.State().WorkAttempts)
	assert.Equal(t, 1, loop.State().WorkCount)
	assert.True(t, loop.State().TunnelEstablished)
}

func TestRestartThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		jobs      int
		restarts  int
	}{
		{"below threshold", 5, 5, 0},
		{"sixth job triggers restart", 5, 6, 1},
		{"restart resets count", 2, 7, 2},
		{"zero restarts after every job", 0, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.cfg.RestartThreshold = tt.threshold
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			h.coord.fetch = queue(cancel, urls(tt.jobs)...)
			loop := h.run(t, ctx)

			assert.Equal(t, tt.restarts, h.vpn.restarts)
			assert.Equal(t, tt.jobs-tt.restarts*(tt.threshold+1), loop.State().WorkCount)
		})
	}
}

func TestRestartHappensBeforeNextPoll(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	work := urls(6)
	h.coord.fetch = queue(cancel, work...)
	h.run(t, ctx)

	trace := h.ev.all()
	require.GreaterOrEqual(t, len(trace), 3)
	assert.Equal(t, []string{"post " + work[5], "restart", "fetch"}, trace[len(trace)-3:])
}

func TestRestartRetriedUntilSuccess(t *testing.T) {
	h := newHarness()
	h.cfg.RestartThreshold = 0
	h.vpn.restart = func(n int) bool { return n >= 3 }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.coord.fetch = queue(cancel, "https://a.example")
	loop := h.run(t, ctx)

	assert.Equal(t, 3, h.vpn.restarts)
	assert.Len(t, h.sleeps.all(), 2)
	assert.Equal(t, 0, loop.State().WorkCount)
}

func TestCaptureAndVisitPairing(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.browser.failURLs = map[string]bool{"https://bad.example": true}
	h.coord.fetch = queue(cancel, "https://a.example", "https://bad.example", "https://b.example")
	loop := h.run(t, ctx)

	assert.Equal(t, 3, h.ev.count("capture-start"))
	assert.Equal(t, 3, h.ev.count("capture-stop"))

	// each visit sits between one start and one stop
	var open bool
	for _, ev := range h.ev.all() {
		switch ev {
		case "capture-start":
			assert.False(t, open, "capture started twice")
			open = true
		case "capture-stop":
			assert.True(t, open, "capture stopped without start")
			open = false
		default:
			if strings.HasPrefix(ev, "visit ") {
				assert.True(t, open, "visit outside capture")
			}
		}
	}
	assert.False(t, open)

	// the failed visit is dropped
	require.Len(t, h.coord.posts, 2)
	assert.Equal(t, "https://a.example", h.coord.posts[0].url)
	assert.Equal(t, "https://b.example", h.coord.posts[1].url)
	assert.Equal(t, 2, loop.State().WorkCount)
}

func TestCaptureStartFailureStillVisits(t *testing.T) {
	h := newHarness()
	h.capture.startErr = errors.New("tshark not found")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.coord.fetch = queue(cancel, "https://a.example")
	h.run(t, ctx)

	assert.Equal(t, 1, h.ev.count("capture-stop"))
	assert.Len(t, h.coord.posts, 1)
}

func TestBrowserFailureSkipsItem(t *testing.T) {
	h := newHarness()
	h.browser.startErr = errors.New("geckodriver exited")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.coord.fetch = queue(cancel, "https://a.example", "https://b.example")
	loop := h.run(t, ctx)

	assert.Equal(t, 3, h.coord.fetches)
	assert.Equal(t, 2, h.ev.count("browser-start"))
	assert.Zero(t, h.ev.count("capture-start"))
	assert.Empty(t, h.coord.posts)
	assert.Empty(t, h.sleeps.all(), "skipped items are not followed by a backoff")
	assert.Equal(t, 0, loop.State().WorkCount)
}

func TestReportingRetriesUntilAccepted(t *testing.T) {
	h := newHarness()
	h.coord.accept = func(n int) bool { return n >= 3 }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.coord.fetch = queue(cancel, "https://a.example")
	loop := h.run(t, ctx)

	want := post{"https://a.example", "png:https://a.example", "pcap"}
	assert.Equal(t, []post{want, want, want}, h.coord.posts)
	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, h.sleeps.all())
	assert.Equal(t, 1, loop.State().WorkCount)
}

func TestAccountFetchFailureRetried(t *testing.T) {
	h := newHarness()
	h.coord.accountErrs = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.coord.fetch = queue(cancel)
	h.run(t, ctx)

	assert.Equal(t, 3, h.coord.accountReqs)
	assert.Equal(t, 1, h.vpn.setups)
	assert.Len(t, h.sleeps.all(), 2)
}

func TestSetupFailureRetried(t *testing.T) {
	h := newHarness()
	h.vpn.setup = func(n int) bool { return n > 1 }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.coord.fetch = queue(cancel)
	h.run(t, ctx)

	assert.Equal(t, 2, h.vpn.setups)
	assert.Equal(t, 2, h.coord.accountReqs, "a fresh account is fetched per attempt")
}

func TestCancelDuringBackoff(t *testing.T) {
	h := newHarness()
	h.cfg.Sleep = backoff.Sleep
	h.cfg.Backoff = backoff.Constant(time.Hour)
	h.coord.fetch = func(int) string { return "" }

	loop, err := NewLoop(h.cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// let the loop reach its first sleep
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.Equal(t, types.PhaseStopped, loop.Phase())
}
