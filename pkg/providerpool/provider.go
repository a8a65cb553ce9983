package providerpool

import "context"

// Request is the provider-agnostic operation payload. Concrete providers
// translate it to their own wire format.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Provider is one interchangeable backend endpoint. Implementations are
// registered at startup from configuration and must be safe for
// concurrent use.
//
//go:generate mockery --name=Provider --dir=. --output=./mocks --filename=provider_mock.go --case=underscore --with-expecter
type Provider interface {
	Name() string
	Region() string
	Execute(ctx context.Context, req *Request) (*Response, error)
	HealthProbe(ctx context.Context) error
	Invalidate(ctx context.Context, paths []string) error
}
