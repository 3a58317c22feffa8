// Copyright 2022, 2024 Harald Albrecht.
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
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
)

// ForwardedPrefixHeader, if present, specifies the prefix that need to be
// preprended to the request's URI path in order to learn the original path
// when hitting the path rewriting proxy.
const ForwardedPrefixHeader = "X-Forwarded-Prefix"

// ForwardedUriHeader, if present, specifies the original URI (or sometimes only
// the original URI path) of a request when hitting the first path rewriting
// proxy.
const ForwardedUriHeader = "X-Forwarded-Uri"

// SPAHandler implements an http.Handler that serves static assets whenever the
// request path names a regular file, and otherwise streams a server-rendered
// document. Directories are never served, not even through an index file: the
// shell file only ever gets served wrapped around rendered markup, so that the
// renderer always sees the original request path for client-side routing.
type SPAHandler struct {
	fs         fs.FS         // the FS to serve static resources from.
	shell      *Shell        // the split index/shell file.
	bridge     *Bridge       // renders and streams everything not found in fs.
	rebase     bool          // rewrite the shell's base element per request?
	rewriter   ShellRewriter // optional user function to rewrite the shell.
	exec       Executor
	log        *slog.Logger
	metrics    *Metrics
	bridgeOpts []BridgeOption
}

// NewSPAHandler returns a new HTTP handler serving static resources from the
// specified fs, and otherwise rendering with r into the specified shell.
//
// In order to serve the static resources from a directory on the OS file
// system, use os.DirFS:
//
//	dist := os.DirFS("/opt/data/myspa")
//	shell, err := LoadShell(dist, "index.html", DefaultMarker)
//	...
//	h := NewSPAHandler(dist, shell, myRenderer, WithExecutor(NewPool()))
func NewSPAHandler(fs fs.FS, shell *Shell, r Renderer, opts ...SPAHandlerOption) *SPAHandler {
	h := &SPAHandler{
		fs:    fs,
		shell: shell,
		exec:  GoExecutor{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	bopts := append([]BridgeOption{
		WithBridgeLogger(h.log),
		WithBridgeMetrics(h.metrics),
	}, h.bridgeOpts...)
	h.bridge = NewBridge(shell, r, h.exec, bopts...)
	return h
}

// SPAHandlerOption sets optional properties at the time of creating an
// SPAHandler.
type SPAHandlerOption func(*SPAHandler)

// WithExecutor sets the Executor to render on; it defaults to GoExecutor.
func WithExecutor(exec Executor) SPAHandlerOption {
	return func(h *SPAHandler) {
		if exec != nil {
			h.exec = exec
		}
	}
}

// WithBaseRewriting rewrites the shell's HTML base element for each rendered
// document to the base path the client sees, based on forwarding proxy
// headers.
func WithBaseRewriting() SPAHandlerOption {
	return func(h *SPAHandler) {
		h.rebase = true
	}
}

// ShellRewriter rewrites (parts) of the shell's prefix and suffix to be
// delivered to a requesting client around the rendered markup, after the base
// element has been updated. It can be optionally activated using the
// WithShellRewriter option when creating a new SPAHandler.
type ShellRewriter func(r *http.Request, prefix, suffix string) (string, string)

// WithShellRewriter sets the specified ShellRewriter that gets called before
// streaming a rendered document to requesting clients, allowing for
// application-specific changes to the shell.
func WithShellRewriter(rewriter ShellRewriter) SPAHandlerOption {
	return func(h *SPAHandler) {
		h.rewriter = rewriter
	}
}

// WithLogger sets the logger, also passing it on to rendering.
func WithLogger(log *slog.Logger) SPAHandlerOption {
	return func(h *SPAHandler) {
		h.log = log
	}
}

// WithMetrics sets the metrics, also passing them on to rendering.
func WithMetrics(m *Metrics) SPAHandlerOption {
	return func(h *SPAHandler) {
		h.metrics = m
	}
}

// WithBridgeOptions passes the specified options on when creating the
// rendering Bridge, taking precedence over the handler's own logger and
// metrics.
func WithBridgeOptions(opts ...BridgeOption) SPAHandlerOption {
	return func(h *SPAHandler) {
		h.bridgeOpts = append(h.bridgeOpts, opts...)
	}
}

// ServeHTTP either serves a static resource when the request path names a
// regular file, or otherwise streams a rendered document. This behavior is
// required for SPAs with client-side DOM routers, as otherwise bookmarking
// (router) links or reloading an SPA with the current route other than "/"
// would fail.
func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Get the absolute and also cleaned path to the requested resource in order
	// to prevent parent directory traversal outside the static assets
	// directory. Slapping "/" ensures that path.Clean does NOT to use the
	// current working dir for resolving the request path ... whichever current
	// working directory it might be at the moment is.
	r.URL.Path = path.Clean("/" + r.URL.Path)
	if h.serveStaticAsset(w, r) {
		return
	}
	shell := h.shell
	if h.rebase {
		shell = shell.Rebase(h.basename(r))
	}
	if h.rewriter != nil {
		prefix, suffix := h.rewriter(r, string(shell.Prefix()), string(shell.Suffix()))
		shell = &Shell{prefix: []byte(prefix), suffix: []byte(suffix)}
	}
	h.bridge.serve(w, r, shell)
}

// serveStaticAsset tries to serve a static asset specified in uripath from the
// SPAHandler's fs and returning true if successful. If no such static asset
// exists, nothing is served and false is returned instead.
//
// IMPORTANT: the passed r.URL.Path must have already been sanitized.
func (h *SPAHandler) serveStaticAsset(w http.ResponseWriter, r *http.Request) bool {
	name := r.URL.Path[1:] // ...fs.FS uses unrooted paths.
	if name == "" {
		return false // hitting root is always a case for rendering.
	}
	if !fs.ValidPath(name) {
		return false
	}
	f, err := h.fs.Open(name)
	if err != nil {
		return h.staticError(w, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return h.staticError(w, err)
	}
	if !info.Mode().IsRegular() {
		return false
	}
	h.metrics.request(DispatchStatic)
	if content, ok := f.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), content)
		return true
	}
	// Not all fs.FS implementations hand out seekable files, so there's
	// neither range support nor content sniffing for them.
	if ctype := mime.TypeByExtension(path.Ext(name)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, f)
	}
	return true
}

// staticError reports whether the specified error while looking up a static
// asset has been answered. Missing assets aren't answered, as they are a case
// for rendering instead; this includes paths below a regular file, such as
// "/style.css/some/route". Any other error gets normalized (or rather,
// sanitized) and sent back to the client.
func (h *SPAHandler) staticError(w http.ResponseWriter, err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return false
	}
	h.log.Warn("cannot serve static asset", slog.String("error", err.Error()))
	NormalizedHttpError(w, err)
	return true
}

// originalReqPath returns the (hopefully) original path when hitting the first
// proxy in a chain, based on what has been passed down to us. If no suitable
// forwarding information is present, the original -- and already sanitized --
// request URL path.
func (h *SPAHandler) originalReqPath(r *http.Request) string {
	// Was the request path rewritten? Then the original request path was the
	// forwarded prefix, followed by the remaining part we now see in the
	// request.
	if fwprefix := r.Header.Get(ForwardedPrefixHeader); fwprefix != "" {
		fwprefix = path.Clean("/" + fwprefix)
		return path.Join(fwprefix, r.URL.Path)
	}
	// Was the original HTTP request URL passed upon us? There seem to be
	// different interpretations with some proxy implementations only passing
	// the request path, but not the full original URI to us...
	if fwurl := r.Header.Get(ForwardedUriHeader); fwurl != "" {
		if strings.HasPrefix(fwurl, "/") {
			return path.Clean(fwurl)
		}
		if u, err := url.Parse(fwurl); err == nil {
			return path.Clean("/" + u.Path)
		}
	}
	return r.URL.Path
}

// basename returns the URI request path base based on the given request, by
// consulting proxy headers when available. Rewriting forwarding proxies need to
// preserve the original client-side request URI path for this to work; if
// deriving the base name is impossible, the base is taken to be "/" from the
// clients' perspective.
func (h *SPAHandler) basename(r *http.Request) string {
	reqPath := r.URL.Path
	originalReqPath := h.originalReqPath(r)
	var base string
	if strings.HasSuffix(reqPath, "/") && !strings.HasSuffix(originalReqPath, "/") {
		// take care of the situation where the reverse proxy redirects from
		// /foo to /foo/ and then rewrites the path to /.
		originalReqPath += "/"
	}
	// If the request path we see is a proper suffix of the original request
	// path, take only the common base part (~prefix).
	if strings.HasSuffix(originalReqPath, reqPath) {
		base = originalReqPath[:len(originalReqPath)-len(reqPath)]
	}
	// Ensure that the base path always ends with a "/", as otherwise browsers
	// clip off the final element that once was a proper directory name.
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}
