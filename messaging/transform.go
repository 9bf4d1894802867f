package messaging

import (
	"fmt"
	"log/slog"
	"sync"
)

// Transformer rewrites a failed payload before it is retried. It receives
// the payload and the handler error that triggered the retry and returns
// the corrected payload.
type Transformer func(payload []byte, cause error) ([]byte, error)

// IdentityTransformer returns the payload unchanged.
func IdentityTransformer(payload []byte, cause error) ([]byte, error) {
	return payload, nil
}

// TransformationRegistry maps an error class to a corrective transformer
// applied before a retry. Lookup is by exact class match with an optional
// default fallback. A transformer that fails (or panics) never breaks the
// retry flow: the original payload is retried unmodified.
type TransformationRegistry struct {
	mu           sync.RWMutex
	transformers map[string]Transformer
	fallback     Transformer
	logger       *slog.Logger
}

// TransformationRegistryOption configures the registry.
type TransformationRegistryOption func(*TransformationRegistry)

// WithDefaultTransformer sets the fallback used when no class matches.
func WithDefaultTransformer(t Transformer) TransformationRegistryOption {
	return func(r *TransformationRegistry) {
		r.fallback = t
	}
}

// WithTransformLogger sets the logger.
func WithTransformLogger(logger *slog.Logger) TransformationRegistryOption {
	return func(r *TransformationRegistry) {
		r.logger = logger
	}
}

// NewTransformationRegistry creates an empty registry.
func NewTransformationRegistry(options ...TransformationRegistryOption) *TransformationRegistry {
	r := &TransformationRegistry{
		transformers: make(map[string]Transformer),
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register binds a transformer to an error class, replacing any previous
// binding. Registration happens at startup; lookups take the read lock only.
func (r *TransformationRegistry) Register(errorClass string, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[errorClass] = t
}

// Apply runs the transformer registered for errorClass against payload.
// It returns the transformed payload, or the original payload when no
// transformer matches or the transformer fails.
func (r *TransformationRegistry) Apply(errorClass string, payload []byte, cause error) []byte {
	r.mu.RLock()
	t, ok := r.transformers[errorClass]
	if !ok {
		t = r.fallback
	}
	r.mu.RUnlock()

	if t == nil {
		return payload
	}

	transformed, err := safeTransform(t, payload, cause)
	if err != nil {
		r.logger.Warn("payload transformation failed, retrying original payload",
			"errorClass", errorClass,
			"error", err,
		)
		return payload
	}
	return transformed
}

// safeTransform converts a transformer panic into an error.
func safeTransform(t Transformer, payload []byte, cause error) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transformer panic: %v", rec)
		}
	}()
	return t(payload, cause)
}
