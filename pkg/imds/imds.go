// Package imds reads instance identity from the OCI Instance Metadata
// Service (IMDSv2). The bandwidth advisor uses it three ways: the instance
// OCID keys the Monitoring utilisation query, the compartment OCID scopes
// that query when the configuration leaves it blank, and the shape's OCPU
// count converts the domain's reserved deadline bandwidth into a share of
// the machine it actually runs on.
package imds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is the metadata surface the advisor consumes.
type Client interface {
	// InstanceID returns the OCID of the running instance.
	InstanceID(ctx context.Context) (string, error)
	// Region returns the region of the running instance: its canonical name
	// when the metadata carries one, otherwise the short region code.
	Region(ctx context.Context) (string, error)
	// CompartmentID returns the compartment OCID the instance lives in.
	CompartmentID(ctx context.Context) (string, error)
	// ShapeOCPUs returns the OCPU count of the instance's compute shape.
	ShapeOCPUs(ctx context.Context) (float64, error)
}

// DefaultEndpoint is the link-local IMDSv2 base URL.
const DefaultEndpoint = "http://169.254.169.254/opc/v2"

const (
	instanceDocumentPath = "/instance/"
	fetchTimeout         = 2 * time.Second
	responseLimit        = 1 << 20
)

var (
	errUnexpectedStatus = errors.New("imds: unexpected status code")
	errMissingField     = errors.New("imds: instance document field missing")
)

// instanceDocument is the subset of the /instance/ payload the advisor
// needs. One fetch answers every Client query.
type instanceDocument struct {
	ID                  string `json:"id"`
	Region              string `json:"region"`
	CanonicalRegionName string `json:"canonicalRegionName"`
	CompartmentID       string `json:"compartmentId"`
	ShapeConfig         struct {
		OCPUs float64 `json:"ocpus"`
	} `json:"shapeConfig"`
}

// HTTPClient answers metadata queries from a single cached fetch of the
// instance document. The document is immutable for the lifetime of an
// instance, so the cache never expires; a failed fetch is retried on the
// next query.
type HTTPClient struct {
	http    *http.Client
	baseURL string

	mu  sync.Mutex
	doc *instanceDocument
}

// NewHTTPClient constructs a document-cached IMDS client. A nil httpClient
// uses a private instance with a timeout suited to link-local access; an
// empty baseURL uses DefaultEndpoint.
func NewHTTPClient(httpClient *http.Client, baseURL string) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}

	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultEndpoint
	}

	return &HTTPClient{http: httpClient, baseURL: trimmed}
}

// InstanceID implements Client.
func (c *HTTPClient) InstanceID(ctx context.Context) (string, error) {
	doc, err := c.document(ctx)
	if err != nil {
		return "", err
	}

	if doc.ID == "" {
		return "", fmt.Errorf("%w: id", errMissingField)
	}

	return doc.ID, nil
}

// Region implements Client, preferring the canonical region name over the
// short region code older images report.
func (c *HTTPClient) Region(ctx context.Context) (string, error) {
	doc, err := c.document(ctx)
	if err != nil {
		return "", err
	}

	if name := strings.TrimSpace(doc.CanonicalRegionName); name != "" {
		return name, nil
	}

	if region := strings.TrimSpace(doc.Region); region != "" {
		return region, nil
	}

	return "", fmt.Errorf("%w: region", errMissingField)
}

// CompartmentID implements Client.
func (c *HTTPClient) CompartmentID(ctx context.Context) (string, error) {
	doc, err := c.document(ctx)
	if err != nil {
		return "", err
	}

	if doc.CompartmentID == "" {
		return "", fmt.Errorf("%w: compartmentId", errMissingField)
	}

	return doc.CompartmentID, nil
}

// ShapeOCPUs implements Client.
func (c *HTTPClient) ShapeOCPUs(ctx context.Context) (float64, error) {
	doc, err := c.document(ctx)
	if err != nil {
		return 0, err
	}

	if doc.ShapeConfig.OCPUs <= 0 {
		return 0, fmt.Errorf("%w: shapeConfig.ocpus", errMissingField)
	}

	return doc.ShapeConfig.OCPUs, nil
}

// document returns the cached instance document, fetching it on first use.
func (c *HTTPClient) document(ctx context.Context) (*instanceDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc != nil {
		return c.doc, nil
	}

	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}

	c.doc = doc

	return doc, nil
}

func (c *HTTPClient) fetchDocument(ctx context.Context) (*instanceDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+instanceDocumentPath, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build instance document request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer Oracle")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch instance document: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, fmt.Errorf("read instance document: %w", err)
	}

	var doc instanceDocument

	err = json.Unmarshal(payload, &doc)
	if err != nil {
		return nil, fmt.Errorf("decode instance document: %w", err)
	}

	return &doc, nil
}
