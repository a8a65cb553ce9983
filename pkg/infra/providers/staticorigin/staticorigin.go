package staticorigin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/edgeward/edgeward/pkg/infra/httpx"
	"github.com/edgeward/edgeward/pkg/providerpool"
)

// Settings for a direct-origin provider: the fallback backend used when
// no CDN endpoint should (or can) serve the request.
type Settings struct {
	BaseURL   string `mapstructure:"base_url"`
	ProbePath string `mapstructure:"probe_path"`
}

// Provider fetches straight from the origin. It has no purge API, so
// Invalidate is a successful no-op: the origin always serves fresh
// content.
type Provider struct {
	name     string
	region   string
	settings Settings
	client   httpx.Client
}

func NewProvider(name, region string, settings Settings, client httpx.Client) (*Provider, error) {
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("static_origin provider %q requires base_url", name)
	}
	if settings.ProbePath == "" {
		settings.ProbePath = "/"
	}
	return &Provider{
		name:     name,
		region:   region,
		settings: settings,
		client:   client,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Region() string {
	return p.region
}

func (p *Provider) Execute(ctx context.Context, req *providerpool.Request) (*providerpool.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.settings.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", p.name, err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("origin returned status %d", httpResp.StatusCode)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for key := range httpResp.Header {
		headers[key] = httpResp.Header.Get(key)
	}
	return &providerpool.Response{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

func (p *Provider) HealthProbe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, p.settings.BaseURL+p.settings.ProbePath, nil)
	if err != nil {
		return err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("origin probe returned status %d", httpResp.StatusCode)
	}
	return nil
}

func (p *Provider) Invalidate(ctx context.Context, paths []string) error {
	return nil
}
