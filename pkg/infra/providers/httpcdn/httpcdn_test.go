package httpcdn_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/pkg/infra/httpx/mocks"
	"github.com/edgeward/edgeward/pkg/infra/providers/httpcdn"
	"github.com/edgeward/edgeward/pkg/providerpool"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newTestProvider(t *testing.T, client *mocks.MockHTTPClient) *httpcdn.Provider {
	t.Helper()
	provider, err := httpcdn.NewProvider("cdn-eu", "eu", httpcdn.Settings{
		BaseURL: "https://cdn.example.com",
		APIKey:  "secret",
	}, client, testLogger())
	require.NoError(t, err)
	return provider
}

func TestProvider_RequiresBaseURL(t *testing.T) {
	_, err := httpcdn.NewProvider("cdn-eu", "eu", httpcdn.Settings{}, &mocks.MockHTTPClient{}, testLogger())
	assert.Error(t, err)
}

func TestProvider_ExecuteReturnsUpstreamResponse(t *testing.T) {
	client := new(mocks.MockHTTPClient)
	provider := newTestProvider(t, client)

	client.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.Method == http.MethodGet &&
			req.URL.String() == "https://cdn.example.com/assets/logo.png" &&
			req.Header.Get("Authorization") == "Bearer secret"
	})).Return(newResponse(http.StatusOK, "image-bytes"), nil)

	resp, err := provider.Execute(context.Background(), &providerpool.Request{Path: "/assets/logo.png"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image-bytes", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Headers["Content-Type"])
	client.AssertExpectations(t)
}

func TestProvider_ExecuteTreatsServerErrorsAsFailures(t *testing.T) {
	client := new(mocks.MockHTTPClient)
	provider := newTestProvider(t, client)

	client.On("Do", mock.Anything).Return(newResponse(http.StatusBadGateway, "bad gateway"), nil)

	_, err := provider.Execute(context.Background(), &providerpool.Request{Path: "/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestProvider_ExecutePassesThroughClientErrors(t *testing.T) {
	client := new(mocks.MockHTTPClient)
	provider := newTestProvider(t, client)

	// 4xx is the upstream's answer, not a provider failure.
	client.On("Do", mock.Anything).Return(newResponse(http.StatusNotFound, "not found"), nil)

	resp, err := provider.Execute(context.Background(), &providerpool.Request{Path: "/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProvider_HealthProbe(t *testing.T) {
	client := new(mocks.MockHTTPClient)
	provider := newTestProvider(t, client)

	client.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.Path == "/__health"
	})).Return(newResponse(http.StatusNoContent, ""), nil).Once()

	require.NoError(t, provider.HealthProbe(context.Background()))

	client.On("Do", mock.Anything).Return(newResponse(http.StatusServiceUnavailable, ""), nil).Once()
	assert.Error(t, provider.HealthProbe(context.Background()))
}

func TestProvider_InvalidateSendsPurgePayload(t *testing.T) {
	client := new(mocks.MockHTTPClient)
	provider := newTestProvider(t, client)

	client.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		if req.Method != http.MethodPost || req.URL.Path != "/purge" {
			return false
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return false
		}
		var payload map[string][]string
		if err := json.Unmarshal(body, &payload); err != nil {
			return false
		}
		return len(payload["paths"]) == 2
	})).Return(newResponse(http.StatusAccepted, ""), nil)

	require.NoError(t, provider.Invalidate(context.Background(), []string{"/a", "/b"}))
	client.AssertExpectations(t)
}

func TestProvider_InvalidateRejectedByUpstream(t *testing.T) {
	client := new(mocks.MockHTTPClient)
	provider := newTestProvider(t, client)

	client.On("Do", mock.Anything).Return(newResponse(http.StatusForbidden, ""), nil)

	assert.Error(t, provider.Invalidate(context.Background(), []string{"/a"}))
}
