package oci

import "context"

// MetricsClient exposes the minimum surface area of the OCI Monitoring API
// required by the bandwidth advisor. *Client satisfies it.
type MetricsClient interface {
	QueryP95CPU(ctx context.Context, instanceOCID string, last7d bool) (float32, error)
}
