package oci //nolint:testpackage // tests exercise the unexported summarizer seam

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/monitoring"
)

var errMonitoringDown = errors.New("monitoring down")

// summarizePage is one canned response, optionally chaining to the next.
type summarizePage struct {
	points   []datapoint
	nextPage string
}

type datapoint struct {
	at    time.Time
	value float64
}

type fakeSummarizer struct {
	pages    []summarizePage
	err      error
	requests []monitoring.SummarizeMetricsDataRequest
	tokens   []*string
}

func (f *fakeSummarizer) SummarizeMetricsData(
	_ context.Context,
	request monitoring.SummarizeMetricsDataRequest,
	page *string,
) (monitoring.SummarizeMetricsDataResponse, *string, error) {
	f.requests = append(f.requests, request)
	f.tokens = append(f.tokens, page)

	if f.err != nil {
		return monitoring.SummarizeMetricsDataResponse{}, nil, f.err
	}

	index := len(f.tokens) - 1
	if index >= len(f.pages) {
		return monitoring.SummarizeMetricsDataResponse{}, nil, nil
	}

	current := f.pages[index]

	stream := monitoring.MetricData{}
	for i := range current.points {
		point := current.points[i]
		value := point.value
		stream.AggregatedDatapoints = append(stream.AggregatedDatapoints,
			monitoring.AggregatedDatapoint{
				Timestamp: &common.SDKTime{Time: point.at},
				Value:     &value,
			})
	}

	var response monitoring.SummarizeMetricsDataResponse
	response.Items = []monitoring.MetricData{stream}

	var next *string
	if current.nextPage != "" {
		next = &current.nextPage
	}

	return response, next, nil
}

var fixedNow = time.Date(2026, time.July, 1, 12, 0, 0, 0, time.UTC)

func newFixedClient(t *testing.T, svc *fakeSummarizer) *Client {
	t.Helper()

	client, err := newClient(svc, "ocid1.compartment.oc1..test", func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	return client
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := newClient(nil, "ocid1.compartment.oc1..x", nil); err == nil {
		t.Fatal("a nil summarizer must be rejected")
	}

	if _, err := newClient(&fakeSummarizer{}, "  ", nil); err == nil {
		t.Fatal("a blank compartment must be rejected")
	}

	if _, err := NewInstancePrincipalClient(""); err == nil {
		t.Fatal("a blank compartment must be rejected before touching the SDK")
	}
}

func TestQueryP95CPUValidatesInstance(t *testing.T) {
	t.Parallel()

	client := newFixedClient(t, &fakeSummarizer{})

	if _, err := client.QueryP95CPU(context.Background(), "", false); err == nil {
		t.Fatal("a blank instance OCID must be rejected")
	}

	var nilClient *Client
	if _, err := nilClient.QueryP95CPU(context.Background(), "ocid1.instance.oc1..x", false); err == nil {
		t.Fatal("a nil receiver must be rejected")
	}
}

func TestQueryP95CPUPicksNewestAcrossPages(t *testing.T) {
	t.Parallel()

	svc := &fakeSummarizer{pages: []summarizePage{
		{
			points: []datapoint{
				{at: fixedNow.Add(-3 * time.Hour), value: 0.40},
				{at: fixedNow.Add(-1 * time.Hour), value: 0.55},
			},
			nextPage: "page-2",
		},
		{
			points: []datapoint{
				{at: fixedNow.Add(-30 * time.Minute), value: 0.25},
				{at: fixedNow.Add(-2 * time.Hour), value: 0.90},
			},
		},
	}}

	client := newFixedClient(t, svc)

	got, err := client.QueryP95CPU(context.Background(), "ocid1.instance.oc1..test", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != float32(0.25) {
		t.Fatalf("value = %f, want the newest datapoint 0.25", got)
	}

	if len(svc.tokens) != 2 || svc.tokens[0] != nil || svc.tokens[1] == nil || *svc.tokens[1] != "page-2" {
		t.Fatalf("pagination tokens = %v, want nil then page-2", svc.tokens)
	}
}

func TestQueryP95CPUNoDatapoints(t *testing.T) {
	t.Parallel()

	client := newFixedClient(t, &fakeSummarizer{pages: []summarizePage{{}}})

	_, err := client.QueryP95CPU(context.Background(), "ocid1.instance.oc1..test", false)
	if !errors.Is(err, ErrNoMetricsData) {
		t.Fatalf("error = %v, want ErrNoMetricsData", err)
	}
}

func TestQueryP95CPUWrapsServiceErrors(t *testing.T) {
	t.Parallel()

	client := newFixedClient(t, &fakeSummarizer{err: errMonitoringDown})

	_, err := client.QueryP95CPU(context.Background(), "ocid1.instance.oc1..test", false)
	if !errors.Is(err, errMonitoringDown) {
		t.Fatalf("error = %v, want the service failure wrapped", err)
	}
}

func TestQueryP95CPUWindow(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		last7d       bool
		wantLookback time.Duration
	}{
		{name: "default 24h", last7d: false, wantLookback: 24 * time.Hour},
		{name: "seven day maximum", last7d: true, wantLookback: 7 * 24 * time.Hour},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeSummarizer{pages: []summarizePage{{
				points: []datapoint{{at: fixedNow.Add(-time.Minute), value: 0.5}},
			}}}
			client := newFixedClient(t, svc)

			_, err := client.QueryP95CPU(context.Background(), "ocid1.instance.oc1..test", tc.last7d)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			details := svc.requests[0].SummarizeMetricsDataDetails
			start := details.StartTime.Time
			end := details.EndTime.Time

			if !end.Equal(fixedNow) {
				t.Fatalf("end = %v, want the fixed clock", end)
			}

			if got := end.Sub(start); got != tc.wantLookback {
				t.Fatalf("lookback = %v, want %v", got, tc.wantLookback)
			}
		})
	}
}

func TestQueryP95CPUQueryShape(t *testing.T) {
	t.Parallel()

	svc := &fakeSummarizer{pages: []summarizePage{{
		points: []datapoint{{at: fixedNow.Add(-time.Minute), value: 0.5}},
	}}}
	client := newFixedClient(t, svc)

	_, err := client.QueryP95CPU(context.Background(), `ocid1.instance.oc1.."quoted"`, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	details := svc.requests[0].SummarizeMetricsDataDetails
	if *details.Namespace != "oci_computeagent" {
		t.Fatalf("namespace = %q, want the compute agent namespace", *details.Namespace)
	}

	query := *details.Query
	if !strings.Contains(query, `percentile(0.95)`) {
		t.Fatalf("query %q must request the 95th percentile", query)
	}

	if !strings.Contains(query, `\"quoted\"`) {
		t.Fatalf("query %q must escape quotes in the resource ID", query)
	}

	if got := *svc.requests[0].CompartmentId; got != "ocid1.compartment.oc1..test" {
		t.Fatalf("compartment = %q, want the client's", got)
	}
}

func TestTrimPageToken(t *testing.T) {
	t.Parallel()

	if trimPageToken(nil) != nil {
		t.Fatal("nil token must stay nil")
	}

	blank := "   "
	if trimPageToken(&blank) != nil {
		t.Fatal("whitespace token must collapse to nil")
	}

	padded := "  tok  "
	got := trimPageToken(&padded)
	if got == nil || *got != "tok" {
		t.Fatal("padded token must be trimmed")
	}
}
