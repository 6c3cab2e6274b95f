// Package intercept serves the embedded runtime's requests to the reserved
// local authority from local sources. Requests elsewhere pass through to the
// runtime's normal network handling.
package intercept

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"ragbridge/internal/assets"
	"ragbridge/internal/metrics"
)

// Resolver opens resource identifiers.
type Resolver interface {
	Resolve(id assets.Identifier) (io.ReadCloser, assets.Source, error)
}

// Response is a fabricated reply for an intercepted request. Body is streamed
// from its source; whoever transmits the response must close it.
type Response struct {
	StatusCode  int
	Reason      string
	ContentType assets.ContentType
	Header      http.Header
	Body        io.ReadCloser
	Identifier  assets.Identifier
	Source      assets.Source
}

// Interceptor decides, per request, between a local response and pass-through.
type Interceptor struct {
	authority *url.URL
	resolver  Resolver
	logger    *zap.Logger
}

// New creates an interceptor for the given local authority, e.g. "http://localhost/".
func New(authority string, resolver Resolver, logger *zap.Logger) (*Interceptor, error) {
	u, err := url.Parse(authority)
	if err != nil {
		return nil, fmt.Errorf("parse local authority %q: %w", authority, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("local authority %q needs scheme and host", authority)
	}
	if resolver == nil {
		return nil, errors.New("intercept: nil resolver")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{authority: u, resolver: resolver, logger: logger}, nil
}

// Authority returns the reserved local authority.
func (i *Interceptor) Authority() *url.URL {
	u := *i.authority
	return &u
}

// URLFor returns the local-authority URL addressing id.
func (i *Interceptor) URLFor(id assets.Identifier) string {
	return i.authority.ResolveReference(&url.URL{Path: string(id)}).String()
}

// Eligible reports whether u is addressed to the local authority.
func (i *Interceptor) Eligible(u *url.URL) bool {
	_, ok := assets.FromURL(u, i.authority)
	return ok
}

// Intercept returns a local response for u, or ok=false to let the request
// pass through. It never panics; every failure is logged and degrades to
// pass-through.
func (i *Interceptor) Intercept(u *url.URL) (resp *Response, ok bool) {
	id, eligible := assets.FromURL(u, i.authority)
	if !eligible {
		metrics.InterceptTotal.WithLabelValues(metrics.OutcomePass).Inc()
		return nil, false
	}
	return i.Respond(id)
}

// Respond resolves id and frames it as a 200 response.
func (i *Interceptor) Respond(id assets.Identifier) (resp *Response, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("panic while handling web resource request",
				zap.String("id", string(id)), zap.Any("panic", r))
			metrics.InterceptTotal.WithLabelValues(metrics.OutcomeError).Inc()
			resp, ok = nil, false
		}
	}()

	body, source, err := i.resolver.Resolve(id)
	if err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			i.logger.Warn("resource not available locally",
				zap.String("id", string(id)), zap.String("source", string(source)), zap.Error(err))
			metrics.InterceptTotal.WithLabelValues(metrics.OutcomeMiss).Inc()
		} else {
			i.logger.Error("error handling web resource request",
				zap.String("id", string(id)), zap.String("source", string(source)), zap.Error(err))
			metrics.InterceptTotal.WithLabelValues(metrics.OutcomeError).Inc()
		}
		return nil, false
	}
	if body == nil {
		i.logger.Warn("resolver returned no stream", zap.String("id", string(id)))
		metrics.InterceptTotal.WithLabelValues(metrics.OutcomeMiss).Inc()
		return nil, false
	}

	ct := assets.Classify(id)
	header := make(http.Header)
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Content-Type", ct.Header())

	metrics.InterceptTotal.WithLabelValues(metrics.OutcomeServed).Inc()
	i.logger.Debug("serving local resource",
		zap.String("id", string(id)),
		zap.String("source", string(source)),
		zap.String("content_type", ct.MIMEType))

	return &Response{
		StatusCode:  http.StatusOK,
		Reason:      "OK",
		ContentType: ct,
		Header:      header,
		Body:        &countingBody{ReadCloser: body, source: source},
		Identifier:  id,
		Source:      source,
	}, true
}

// countingBody feeds served bytes into metrics as they are read.
type countingBody struct {
	io.ReadCloser
	source assets.Source
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		metrics.InterceptBytes.WithLabelValues(string(b.source)).Add(float64(n))
	}
	return n, err
}
