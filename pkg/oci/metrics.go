// Package oci queries tenancy Monitoring for the historical CPU utilisation
// the bandwidth advisor compares deadline reservations against.
package oci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/common/auth"
	"github.com/oracle/oci-go-sdk/v65/monitoring"
)

const (
	computeAgentNamespace = "oci_computeagent"
	p95QueryTemplate      = `CpuUtilization[1m]{resourceId = "%s"}.percentile(0.95)`

	// The Monitoring API serves one-minute resolution for at most the
	// trailing seven days; wider windows must be clamped.
	maxLookback     = 7 * 24 * time.Hour
	defaultLookback = 24 * time.Hour
)

var (
	// ErrNoMetricsData indicates the Monitoring service returned no
	// CpuUtilization datapoints for the requested window. The advisor treats
	// this as "no history yet" rather than a failure of the host.
	ErrNoMetricsData = errors.New("oci: cpu utilization metrics unavailable")

	errNoCompartment = errors.New("oci: compartment ID is required")
	errNoSummarizer  = errors.New("oci: monitoring summarizer is required")
	errNoInstance    = errors.New("oci: instance OCID is required")
	errNilClient     = errors.New("oci: metrics client receiver is nil")
)

// summarizer is the one Monitoring call the advisor needs, with explicit
// pagination (the generated SDK client does not expose the page token for
// SummarizeMetricsData).
type summarizer interface {
	SummarizeMetricsData(
		ctx context.Context,
		request monitoring.SummarizeMetricsDataRequest,
		page *string,
	) (monitoring.SummarizeMetricsDataResponse, *string, error)
}

// Client answers P95 utilisation queries for compute instances in one
// compartment.
type Client struct {
	svc           summarizer
	compartmentID string
	now           func() time.Time
}

// NewInstancePrincipalClient constructs a Client authenticated as the
// running instance. The compartment OCID scopes every Monitoring query.
func NewInstancePrincipalClient(compartmentID string) (*Client, error) {
	if strings.TrimSpace(compartmentID) == "" {
		return nil, errNoCompartment
	}

	provider, err := auth.InstancePrincipalConfigurationProvider()
	if err != nil {
		return nil, fmt.Errorf("build instance principal provider: %w", err)
	}

	svc, err := monitoring.NewMonitoringClientWithConfigurationProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("create monitoring client: %w", err)
	}

	return newClient(&pagedMonitoringCaller{svc: &svc}, compartmentID, time.Now)
}

func newClient(svc summarizer, compartmentID string, now func() time.Time) (*Client, error) {
	if svc == nil {
		return nil, errNoSummarizer
	}

	if strings.TrimSpace(compartmentID) == "" {
		return nil, errNoCompartment
	}

	if now == nil {
		now = time.Now
	}

	return &Client{svc: svc, compartmentID: compartmentID, now: now}, nil
}

// QueryP95CPU returns the newest P95 CpuUtilization datapoint for the given
// instance. last7d widens the lookback from 24 hours to the API's seven-day
// maximum. ErrNoMetricsData is returned when the window holds no datapoints.
func (c *Client) QueryP95CPU(ctx context.Context, instanceOCID string, last7d bool) (float32, error) {
	if c == nil {
		return 0, errNilClient
	}

	if instanceOCID == "" {
		return 0, errNoInstance
	}

	request := c.buildRequest(instanceOCID, last7d)

	var (
		page   *string
		newest time.Time
		value  float32
		found  bool
	)

	for {
		response, next, err := c.svc.SummarizeMetricsData(ctx, request, page)
		if err != nil {
			return 0, fmt.Errorf("summarize metrics: %w", err)
		}

		for _, stream := range response.Items {
			for _, datapoint := range stream.AggregatedDatapoints {
				if datapoint.Value == nil || datapoint.Timestamp == nil {
					continue
				}

				if !found || datapoint.Timestamp.Time.After(newest) {
					newest = datapoint.Timestamp.Time
					value = float32(*datapoint.Value)
					found = true
				}
			}
		}

		page = trimPageToken(next)
		if page == nil {
			break
		}
	}

	if !found {
		return 0, ErrNoMetricsData
	}

	return value, nil
}

// buildRequest assembles the SummarizeMetricsData call for one instance over
// the clamped lookback window ending now.
func (c *Client) buildRequest(instanceOCID string, last7d bool) monitoring.SummarizeMetricsDataRequest {
	end := c.now().UTC().Truncate(time.Second)

	lookback := defaultLookback
	if last7d {
		lookback = maxLookback
	}

	if lookback > maxLookback {
		lookback = maxLookback
	}

	namespace := computeAgentNamespace
	query := fmt.Sprintf(p95QueryTemplate, strings.ReplaceAll(instanceOCID, `"`, `\"`))

	return monitoring.SummarizeMetricsDataRequest{
		CompartmentId: &c.compartmentID,
		SummarizeMetricsDataDetails: monitoring.SummarizeMetricsDataDetails{
			Namespace: &namespace,
			Query:     &query,
			StartTime: &common.SDKTime{Time: end.Add(-lookback)},
			EndTime:   &common.SDKTime{Time: end},
		},
	}
}

func trimPageToken(token *string) *string {
	if token == nil {
		return nil
	}

	if trimmed := strings.TrimSpace(*token); trimmed != "" {
		return &trimmed
	}

	return nil
}

// pagedMonitoringCaller drives the SDK's raw transport so the Opc-Next-Page
// header can be threaded back in as a query parameter.
type pagedMonitoringCaller struct {
	svc *monitoring.MonitoringClient
}

const summarizeAPIReference = "https://docs.oracle.com/iaas/api/#/en/monitoring/20180401/MetricData/SummarizeMetricsData"

func (p *pagedMonitoringCaller) SummarizeMetricsData(
	ctx context.Context,
	request monitoring.SummarizeMetricsDataRequest,
	page *string,
) (monitoring.SummarizeMetricsDataResponse, *string, error) {
	response := monitoring.SummarizeMetricsDataResponse{}

	httpRequest, err := request.HTTPRequest(http.MethodPost, "/metrics/actions/summarizeMetricsData", nil, nil)
	if err != nil {
		return response, nil, fmt.Errorf("build summarize request: %w", err)
	}

	if trimmed := trimPageToken(page); trimmed != nil {
		values := httpRequest.URL.Query()
		values.Set("page", *trimmed)
		httpRequest.URL.RawQuery = values.Encode()
	}

	httpResponse, err := p.svc.Call(ctx, &httpRequest)
	if httpResponse != nil {
		defer common.CloseBodyIfValid(httpResponse)
	}

	response.RawResponse = httpResponse

	if err != nil {
		wrapped := common.PostProcessServiceError(err, "Monitoring", "SummarizeMetricsData", summarizeAPIReference)

		return response, nil, fmt.Errorf("execute summarize metrics request: %w", wrapped)
	}

	if err := common.UnmarshalResponse(httpResponse, &response); err != nil {
		return response, nil, fmt.Errorf("decode summarize metrics response: %w", err)
	}

	nextPage := httpResponse.Header.Get("Opc-Next-Page")

	return response, trimPageToken(&nextPage), nil
}
