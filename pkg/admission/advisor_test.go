package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"dlsched/pkg/dlentity"
	"dlsched/pkg/domain"
)

type fakeSource struct {
	value float32
	err   error
	calls int
}

func (f *fakeSource) QueryP95CPU(_ context.Context, _ string, _ bool) (float32, error) {
	f.calls++
	return f.value, f.err
}

type fakeResolver struct {
	id       string
	idErr    error
	ocpus    float64
	ocpusErr error
}

func (f fakeResolver) InstanceID(_ context.Context) (string, error) {
	return f.id, f.idErr
}

func (f fakeResolver) ShapeOCPUs(_ context.Context) (float64, error) {
	if f.ocpusErr != nil {
		return 0, f.ocpusErr
	}

	return f.ocpus, nil
}

type recordingObserver struct {
	p95      float64
	headroom float64
	observed int
}

func (r *recordingObserver) ObserveOCIP95(value float64, _ time.Time) {
	r.p95 = value
	r.observed++
}

func (r *recordingObserver) SetBandwidthHeadroom(headroom float64) {
	r.headroom = headroom
}

func newTestDomain(reserved float64) *domain.Domain {
	dom := domain.New(2)
	dom.AddBandwidth(dlentity.NewBandwidth(uint64(reserved*1000), 1000))
	return dom
}

func testDeps(src P95Source, resolver InstanceResolver, dom *domain.Domain) Deps {
	return Deps{
		Source:   src,
		Resolver: resolver,
		Domain:   dom,
		CPUs:     2,
		Logger:   zap.NewNop(),
	}
}

func TestNewValidation(t *testing.T) {
	dom := domain.New(1)
	src := &fakeSource{}
	resolver := fakeResolver{id: "ocid1.instance.oc1..test"}

	cases := []struct {
		name string
		deps Deps
	}{
		{name: "nil source", deps: Deps{Resolver: resolver, Domain: dom, CPUs: 1}},
		{name: "nil resolver", deps: Deps{Source: src, Domain: dom, CPUs: 1}},
		{name: "nil domain", deps: Deps{Source: src, Resolver: resolver, CPUs: 1}},
		{name: "zero cpus", deps: Deps{Source: src, Resolver: resolver, Domain: dom}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.deps, Config{}); err == nil {
				t.Fatal("invalid deps must be rejected")
			}
		})
	}
}

func TestProbePublishesHeadroom(t *testing.T) {
	// 0.8 CPUs reserved across 2 CPUs = 0.4 share; observed P95 0.25.
	dom := newTestDomain(0.8)
	src := &fakeSource{value: 0.25}
	obs := &recordingObserver{}

	deps := testDeps(src, fakeResolver{id: "ocid1.instance.oc1..test"}, dom)
	deps.Observer = obs

	adv, err := New(deps, Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	want := 1 - 0.4 - 0.25
	if got := adv.Headroom(); got < want-0.01 || got > want+0.01 {
		t.Fatalf("headroom = %f, want %f", got, want)
	}

	if obs.observed != 1 || obs.p95 != 0.25 {
		t.Fatalf("observer saw (%d, %f), want one observation of 0.25", obs.observed, obs.p95)
	}

	if adv.LastError() != nil {
		t.Fatalf("last error = %v, want nil after success", adv.LastError())
	}
}

func TestProbeScalesByShapeOCPUs(t *testing.T) {
	// 0.8 CPUs reserved on a 4-OCPU shape = 0.2 share, even though the
	// simulated CPU set is 2 wide.
	dom := newTestDomain(0.8)
	src := &fakeSource{value: 0.25}

	deps := testDeps(src, fakeResolver{id: "ocid1.instance.oc1..test", ocpus: 4}, dom)

	adv, err := New(deps, Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	want := 1 - 0.2 - 0.25
	if got := adv.Headroom(); got < want-0.01 || got > want+0.01 {
		t.Fatalf("headroom = %f, want the shape-scaled %f", got, want)
	}
}

func TestProbeFallsBackToConfiguredCPUs(t *testing.T) {
	dom := newTestDomain(0.8)
	src := &fakeSource{value: 0.25}

	deps := testDeps(src, fakeResolver{
		id:       "ocid1.instance.oc1..test",
		ocpusErr: errors.New("imds unreachable"),
	}, dom)

	adv, err := New(deps, Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	// Shape lookup failed: the 2-CPU fallback gives a 0.4 share.
	want := 1 - 0.4 - 0.25
	if got := adv.Headroom(); got < want-0.01 || got > want+0.01 {
		t.Fatalf("headroom = %f, want the fallback %f", got, want)
	}
}

func TestProbeConsultsHostLoad(t *testing.T) {
	dom := newTestDomain(0.5)
	src := &fakeSource{value: 0.1}

	consulted := false
	deps := testDeps(src, fakeResolver{id: "ocid1.instance.oc1..test"}, dom)
	deps.HostLoad = func() (float64, bool) {
		consulted = true
		return 0.42, true
	}

	adv, err := New(deps, Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	if !consulted {
		t.Fatal("a successful probe must consult the local host-load estimate")
	}
}

func TestProbeRecordsFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("monitoring down")}

	adv, err := New(testDeps(src, fakeResolver{id: "ocid1.instance.oc1..test"}, newTestDomain(0.5)),
		Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err == nil {
		t.Fatal("probe must surface the source failure")
	}

	if adv.LastError() == nil {
		t.Fatal("failure must be recorded")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSource{err: errors.New("monitoring down")}

	adv, err := New(testDeps(src, fakeResolver{id: "ocid1.instance.oc1..test"}, newTestDomain(0.5)),
		Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < breakerConsecutiveFailures; i++ {
		_ = adv.Probe(ctx)
	}

	callsBefore := src.calls
	_ = adv.Probe(ctx)

	if src.calls != callsBefore {
		t.Fatalf("open breaker must short-circuit the source, saw %d extra calls", src.calls-callsBefore)
	}
}

func TestResolverFailureSkipsQuery(t *testing.T) {
	src := &fakeSource{value: 0.1}

	adv, err := New(testDeps(src, fakeResolver{idErr: errors.New("imds unreachable")}, newTestDomain(0.5)),
		Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err == nil {
		t.Fatal("resolver failure must fail the probe")
	}

	if src.calls != 0 {
		t.Fatal("the monitoring source must not be queried without an instance OCID")
	}
}

// httpSource adapts a plain HTTP endpoint serving {"value": x} into a
// P95Source, standing in for the Monitoring API in integration tests.
type httpSource struct {
	endpoint string
	client   *http.Client
}

func (h *httpSource) QueryP95CPU(ctx context.Context, instanceOCID string, _ bool) (float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, http.NoBody)
	if err != nil {
		return 0, err
	}

	q := req.URL.Query()
	q.Set("resource", instanceOCID)
	req.URL.RawQuery = q.Encode()

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.New("monitoring: unexpected status")
	}

	var payload struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}

	return float32(payload.Value), nil
}

func TestAdvisorAgainstFakeMonitoringServer(t *testing.T) {
	var observedResource string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observedResource = r.URL.Query().Get("resource")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]float64{"value": 0.35})
	}))
	t.Cleanup(server.Close)

	src := &httpSource{endpoint: server.URL, client: server.Client()}
	obs := &recordingObserver{}

	deps := testDeps(src, fakeResolver{id: "ocid1.instance.oc1..itest"}, newTestDomain(0.6))
	deps.Observer = obs

	adv, err := New(deps, Config{Interval: time.Minute})
	if err != nil {
		t.Fatalf("new advisor: %v", err)
	}

	if err := adv.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	if observedResource != "ocid1.instance.oc1..itest" {
		t.Fatalf("resource = %q, want the resolved instance OCID", observedResource)
	}

	if obs.p95 != float64(float32(0.35)) {
		t.Fatalf("observed p95 = %f, want 0.35", obs.p95)
	}
}
