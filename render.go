// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spassr

import (
	"context"
	"iter"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// DefaultErrorMarker is spliced into a response body in place of the missing
// rendered markup when rendering fails after the response has been committed.
const DefaultErrorMarker = "<!-- render failed -->"

// DefaultChunkBuffer is the number of rendered chunks that may be waiting for
// the client connection before rendering has to wait too.
const DefaultChunkBuffer = 16

// RenderRequest describes what to render: the request URI as received, its
// cleaned path, and its query parameters (first value of each).
type RenderRequest struct {
	URL   string
	Path  string
	Query map[string]string
}

// NewRenderRequest returns the RenderRequest for the specified HTTP request.
func NewRenderRequest(r *http.Request) RenderRequest {
	query := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	return RenderRequest{
		URL:   r.URL.RequestURI(),
		Path:  r.URL.Path,
		Query: query,
	}
}

// Renderer renders the document body for a request as a lazy sequence of
// HTML chunks. The sequence is finite and ranged over only once; a non-nil
// error ends it. Render gets called concurrently for different requests. A
// chunk must not be changed after it has been yielded.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) iter.Seq2[[]byte, error]
}

// RenderFunc adapts an ordinary function to a Renderer.
type RenderFunc func(ctx context.Context, req RenderRequest) iter.Seq2[[]byte, error]

// Render implements Renderer.
func (f RenderFunc) Render(ctx context.Context, req RenderRequest) iter.Seq2[[]byte, error] {
	return f(ctx, req)
}

// Bridge streams server-rendered documents: the shell prefix, the chunks of
// the Renderer as they get produced on the Executor, and the shell suffix.
type Bridge struct {
	shell       *Shell
	renderer    Renderer
	exec        Executor
	errorMarker []byte
	chunkBuffer int
	log         *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

// BridgeOption sets optional properties at the time of creating a Bridge.
type BridgeOption func(*Bridge)

// WithErrorMarker sets the markup sent in place of failed rendering.
func WithErrorMarker(marker string) BridgeOption {
	return func(b *Bridge) {
		b.errorMarker = []byte(marker)
	}
}

// WithChunkBuffer sets the number of rendered chunks allowed to wait for the
// client; negative values are ignored.
func WithChunkBuffer(n int) BridgeOption {
	return func(b *Bridge) {
		if n >= 0 {
			b.chunkBuffer = n
		}
	}
}

// WithBridgeLogger sets the logger for reporting failed renders.
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = log
	}
}

// WithBridgeMetrics sets the metrics to record renders with.
func WithBridgeMetrics(m *Metrics) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithTracerProvider sets the provider of the tracer for render spans,
// instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) BridgeOption {
	return func(b *Bridge) {
		b.tracer = newTracer(tp)
	}
}

// NewBridge returns a Bridge rendering with r on exec, wrapping the results
// into the specified shell. A nil exec means GoExecutor.
func NewBridge(shell *Shell, r Renderer, exec Executor, opts ...BridgeOption) *Bridge {
	if exec == nil {
		exec = GoExecutor{}
	}
	b := &Bridge{
		shell:       shell,
		renderer:    r,
		exec:        exec,
		errorMarker: []byte(DefaultErrorMarker),
		chunkBuffer: DefaultChunkBuffer,
		log:         slog.Default(),
		tracer:      newTracer(nil),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ServeHTTP streams the rendered document for r, flushing every chunk as soon
// as it is available. HEAD requests get the headers only.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.serve(w, r, b.shell)
}

// serve streams the rendered document for r wrapped into the specified shell.
func (b *Bridge) serve(w http.ResponseWriter, r *http.Request, shell *Shell) {
	b.metrics.request(DispatchRender)
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	rc := http.NewResponseController(w)
	for chunk := range b.stream(r.Context(), shell, NewRenderRequest(r)) {
		if _, err := w.Write(chunk); err != nil {
			b.log.Debug("client gone while streaming",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			return
		}
		// Writers that cannot flush simply get their chunks later.
		_ = rc.Flush()
	}
}

// Stream returns the rendered document for req as a sequence of chunks: the
// shell prefix, the rendered chunks in production order, and the shell suffix.
// Nothing gets rendered before the sequence is ranged over, and it can be
// ranged over only once; any further attempts yield nothing. Leaving the range
// loop early, as well as cancelling ctx, stops rendering.
func (b *Bridge) Stream(ctx context.Context, req RenderRequest) iter.Seq[[]byte] {
	return b.stream(ctx, b.shell, req)
}

func (b *Bridge) stream(ctx context.Context, shell *Shell, req RenderRequest) iter.Seq[[]byte] {
	return singleUse(concat(
		once(shell.Prefix()),
		b.rendered(ctx, req),
		once(shell.Suffix()),
	))
}
