// Copyright 2023, 2024 Harald Albrecht.
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

/*
Package httptest wraps the standard library's httptest.ResponseRecorder in order
to fail any test doing superfluous response.WriteHeader calls, and to record
the body chunks as they got flushed.
*/
package httptest

import (
	"bytes"
	stdhttptest "net/http/httptest"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// WrappedResponseRecorder wraps httptest.ResponseRecorder in order to fail
// tests doing superfluous WriteHeader calls, and to record flushed chunks.
type WrappedResponseRecorder struct {
	*stdhttptest.ResponseRecorder
	wroteHeader bool

	mu      sync.Mutex
	pending bytes.Buffer
	chunks  [][]byte
}

// NewRecorder returns a new test response recorder detecting superfluous
// WriteHeader calls.
func NewRecorder() *WrappedResponseRecorder {
	return &WrappedResponseRecorder{
		ResponseRecorder: stdhttptest.NewRecorder(),
	}
}

// WriteHeader implements http.ResponseWriter, failing tests that do superfluous
// WriteHeader calls.
func (w *WrappedResponseRecorder) WriteHeader(code int) {
	GinkgoHelper()
	Expect(w.wroteHeader).To(BeFalse(), "superfluous response.WriteHeader call")
	w.wroteHeader = true
	w.ResponseRecorder.WriteHeader(code)
}

// Write implements http.ResponseWriter, additionally keeping the written
// data until the next Flush.
func (w *WrappedResponseRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true // as an implicit WriteHeader(http.StatusOK).
	w.mu.Lock()
	w.pending.Write(b)
	w.mu.Unlock()
	return w.ResponseRecorder.Write(b)
}

// Flush implements http.Flusher, recording the data written since the last
// Flush as a chunk.
func (w *WrappedResponseRecorder) Flush() {
	w.mu.Lock()
	if w.pending.Len() > 0 {
		w.chunks = append(w.chunks, bytes.Clone(w.pending.Bytes()))
		w.pending.Reset()
	}
	w.mu.Unlock()
	w.ResponseRecorder.Flush()
}

// Chunks returns the flushed chunks so far.
func (w *WrappedResponseRecorder) Chunks() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.chunks...)
}
