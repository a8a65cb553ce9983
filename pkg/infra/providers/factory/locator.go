package factory

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/config"
	"github.com/edgeward/edgeward/pkg/infra/httpx"
	"github.com/edgeward/edgeward/pkg/infra/providers/httpcdn"
	"github.com/edgeward/edgeward/pkg/infra/providers/staticorigin"
	"github.com/edgeward/edgeward/pkg/providerpool"
)

const (
	ProviderHTTPCDN      = "http_cdn"
	ProviderStaticOrigin = "static_origin"
)

// ProviderLocator builds concrete providers from configuration. The set
// of provider types is closed; unknown types are configuration errors.
//
//go:generate mockery --name=ProviderLocator --dir=. --output=./mocks --filename=provider_locator_mock.go --case=underscore --with-expecter
type ProviderLocator interface {
	Build(cfg config.ProviderConfig) (providerpool.Provider, error)
}

type providerLocator struct {
	httpClient httpx.Client
	logger     *logrus.Logger
}

func NewProviderLocator(httpClient httpx.Client, logger *logrus.Logger) ProviderLocator {
	return &providerLocator{
		httpClient: httpClient,
		logger:     logger,
	}
}

func (f *providerLocator) Build(cfg config.ProviderConfig) (providerpool.Provider, error) {
	switch cfg.Type {
	case ProviderHTTPCDN:
		var settings httpcdn.Settings
		if err := mapstructure.Decode(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("invalid settings for provider %q: %w", cfg.Name, err)
		}
		return httpcdn.NewProvider(cfg.Name, cfg.Region, settings, f.httpClient, f.logger)
	case ProviderStaticOrigin:
		var settings staticorigin.Settings
		if err := mapstructure.Decode(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("invalid settings for provider %q: %w", cfg.Name, err)
		}
		return staticorigin.NewProvider(cfg.Name, cfg.Region, settings, f.httpClient)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}
