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
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// once returns a sequence yielding only the specified chunk.
func once(chunk []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		yield(chunk)
	}
}

// concat returns the sequences one after another, starting each sequence only
// after the previous one has been exhausted.
func concat(seqs ...iter.Seq[[]byte]) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, seq := range seqs {
			for chunk := range seq {
				if !yield(chunk) {
					return
				}
			}
		}
	}
}

// singleUse returns a sequence that yields the chunks of seq only the first
// time it is ranged over.
func singleUse(seq iter.Seq[[]byte]) iter.Seq[[]byte] {
	var used atomic.Bool
	return func(yield func([]byte) bool) {
		if used.Swap(true) {
			return
		}
		seq(yield)
	}
}

// rendered returns the sequence of chunks rendered for req. Ranging over it
// submits a render task to the Bridge's executor and then passes on the
// chunks as the task hands them over. When the range loop ends, for whatever
// reason, the task's context gets cancelled so the task winds down instead of
// waiting for a consumer that's gone.
func (b *Bridge) rendered(ctx context.Context, req RenderRequest) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		// Once scheduled, the render task owns the span and ends it.
		ctx, span := b.tracer.Start(ctx, "render",
			trace.WithAttributes(attribute.String("spassr.path", req.Path)))

		chunks := make(chan []byte, b.chunkBuffer)
		err := b.exec.Execute(func() { b.render(ctx, req, chunks) })
		if err != nil {
			b.log.Warn("cannot schedule render",
				slog.String("path", req.Path),
				slog.String("error", err.Error()))
			b.metrics.failure(FailureSchedule)
			span.RecordError(err)
			span.SetStatus(codes.Error, "schedule")
			span.End()
			yield(b.errorMarker)
			return
		}

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				b.metrics.chunk()
				if !yield(chunk) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// render is the task run on the executor: it ranges over the Renderer's
// sequence and sends copies of the chunks into the chunks channel, closing
// the channel when done. Failures, including panics, end rendering with the
// error marker. The task returns as soon as ctx gets cancelled.
func (b *Bridge) render(ctx context.Context, req RenderRequest, chunks chan<- []byte) {
	defer close(chunks)
	span := trace.SpanFromContext(ctx)
	defer span.End()
	if ctx.Err() != nil {
		// The request was gone already while the task was still queued.
		b.metrics.cancelled()
		return
	}
	start := time.Now()
	defer func() { b.metrics.rendered(time.Since(start)) }()

	sent := 0
	defer func() { span.SetAttributes(attribute.Int("spassr.chunks", sent)) }()
	send := func(chunk []byte) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	counted := false
	cancelled := func() {
		if !counted {
			counted = true
			b.metrics.cancelled()
		}
	}
	// A renderer yielding again after being told to stop panics only after
	// the error marker has already been sent.
	failed := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ctx.Err() != nil {
			// A renderer that keeps yielding after the client is gone.
			b.log.Debug("renderer ignored cancellation",
				slog.String("path", req.Path),
				slog.Any("panic", r))
			cancelled()
			return
		}
		b.log.Error("renderer panicked",
			slog.String("path", req.Path),
			slog.Any("panic", r))
		b.metrics.failure(FailurePanic)
		span.RecordError(fmt.Errorf("renderer panicked: %v", r))
		span.SetStatus(codes.Error, "panic")
		if !failed {
			send(b.errorMarker)
		}
	}()

	for chunk, err := range b.renderer.Render(ctx, req) {
		if err != nil {
			if ctx.Err() != nil {
				cancelled()
				return
			}
			b.log.Warn("rendering failed",
				slog.String("path", req.Path),
				slog.String("error", err.Error()))
			b.metrics.failure(FailureRender)
			span.RecordError(err)
			span.SetStatus(codes.Error, "render")
			failed = true
			send(b.errorMarker)
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if !send(bytes.Clone(chunk)) {
			cancelled()
			return
		}
		sent++
	}
}
