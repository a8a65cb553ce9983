package httpcdn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/infra/httpx"
	"github.com/edgeward/edgeward/pkg/providerpool"
)

const (
	defaultProbePath          = "/__health"
	defaultPurgePath          = "/purge"
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerMaxFailures = 5
)

// Settings holds the per-provider fields decoded from configuration.
// Credentials are opaque to the pool.
type Settings struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	ProbePath string `mapstructure:"probe_path"`
	PurgePath string `mapstructure:"purge_path"`
}

// Provider fronts one HTTP CDN endpoint. Outbound calls go through a
// circuit breaker so a dead endpoint stops consuming connection slots
// between health probes.
type Provider struct {
	name     string
	region   string
	settings Settings
	client   httpx.Client
	breaker  httpx.CircuitBreaker
	logger   *logrus.Logger
}

func NewProvider(name, region string, settings Settings, client httpx.Client, logger *logrus.Logger) (*Provider, error) {
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("http_cdn provider %q requires base_url", name)
	}
	if settings.ProbePath == "" {
		settings.ProbePath = defaultProbePath
	}
	if settings.PurgePath == "" {
		settings.PurgePath = defaultPurgePath
	}
	return &Provider{
		name:     name,
		region:   region,
		settings: settings,
		client:   client,
		breaker:  httpx.NewCircuitBreaker(name, defaultBreakerTimeout, defaultBreakerMaxFailures),
		logger:   logger,
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
	p.authorize(httpReq)

	var resp *providerpool.Response
	err = p.breaker.Execute(func() error {
		httpResp, doErr := p.client.Do(httpReq)
		if doErr != nil {
			return doErr
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, readErr := io.ReadAll(httpResp.Body)
		if readErr != nil {
			return fmt.Errorf("failed to read response body: %w", readErr)
		}
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("upstream returned status %d", httpResp.StatusCode)
		}

		headers := make(map[string]string, len(httpResp.Header))
		for key := range httpResp.Header {
			headers[key] = httpResp.Header.Get(key)
		}
		resp = &providerpool.Response{
			StatusCode: httpResp.StatusCode,
			Headers:    headers,
			Body:       body,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Provider) HealthProbe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.BaseURL+p.settings.ProbePath, nil)
	if err != nil {
		return err
	}
	p.authorize(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("health probe returned status %d", httpResp.StatusCode)
	}
	return nil
}

func (p *Provider) Invalidate(ctx context.Context, paths []string) error {
	payload, err := json.Marshal(map[string][]string{"paths": paths})
	if err != nil {
		return fmt.Errorf("failed to marshal purge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.BaseURL+p.settings.PurgePath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("purge returned status %d", httpResp.StatusCode)
	}

	p.logger.WithFields(logrus.Fields{
		"provider": p.name,
		"paths":    len(paths),
	}).Debug("cdn purge accepted")
	return nil
}

func (p *Provider) authorize(req *http.Request) {
	if p.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.settings.APIKey)
	}
}
