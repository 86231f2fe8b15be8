package embed

import "net/http"

// config holds shared configuration for producer constructors.
type config struct {
	name       string
	dim        int
	seed       int64
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option configures an embedding producer.
type Option func(*config)

// WithName sets the producer's name component, which becomes part of its
// identity. Producers with different names never share cached vectors.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithDim sets the output vector dimensionality.
func WithDim(dim int) Option {
	return func(c *config) { c.dim = dim }
}

// WithSeed sets the seed for deterministically generated weights.
func WithSeed(seed int64) Option {
	return func(c *config) { c.seed = seed }
}

// WithModel sets the remote embedding model name.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the remote API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client for remote producers.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}
