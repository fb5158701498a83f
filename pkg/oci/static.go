package oci

import "context"

// NewStaticMetricsClient returns a MetricsClient that always reports the
// provided utilisation ratio, for wiring the advisor without tenancy access.
//
//nolint:ireturn // callers depend on the interface for substitution
func NewStaticMetricsClient(value float32) MetricsClient {
	return &staticMetricsClient{value: value}
}

type staticMetricsClient struct {
	value float32
}

func (c *staticMetricsClient) QueryP95CPU(context.Context, string, bool) (float32, error) {
	return c.value, nil
}
