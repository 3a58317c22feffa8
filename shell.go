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
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMarker is the injection marker used when none is configured. The
// rendered document body gets spliced in directly after it.
const DefaultMarker = "<body>"

// ErrInvalidShell is the root of all errors about unusable shell files.
var ErrInvalidShell = errors.New("invalid shell")

var (
	// ErrMarkerMissing reports a shell without any injection marker.
	ErrMarkerMissing = fmt.Errorf("%w: injection marker not found", ErrInvalidShell)
	// ErrMarkerAmbiguous reports a shell with more than one injection marker.
	ErrMarkerAmbiguous = fmt.Errorf("%w: injection marker found more than once", ErrInvalidShell)
	// ErrEmptyMarker reports an empty injection marker.
	ErrEmptyMarker = fmt.Errorf("%w: empty injection marker", ErrInvalidShell)
	// ErrShellEncoding reports a shell that isn't valid UTF-8.
	ErrShellEncoding = fmt.Errorf("%w: not UTF-8 encoded", ErrInvalidShell)
)

// baseRe matches the base element in index.html in order to allow us to
// dynamically rewrite the base the SPA is served from.
//
// Please note: "*?" instead of "*" ensures that our irregular expression
// doesn't get too greedy, gobbling much more than it should until the last(!)
// empty element.
var baseRe = regexp.MustCompile(`(<base href=").*?("\s*/>)`)

// Shell is the HTML template of an SPA, split into the part up to and
// including the injection marker, and the remaining part following it. A Shell
// never changes after creation, so the same Shell can be handed to any number
// of concurrent requests.
type Shell struct {
	prefix []byte
	suffix []byte
}

// SplitShell splits the specified HTML document at the injection marker,
// which must occur exactly once. The marker itself becomes the tail of the
// prefix, so prefix and suffix together reproduce the document byte for byte.
func SplitShell(html []byte, marker string) (*Shell, error) {
	if marker == "" {
		return nil, ErrEmptyMarker
	}
	if !utf8.Valid(html) {
		return nil, ErrShellEncoding
	}
	switch bytes.Count(html, []byte(marker)) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrMarkerMissing, marker)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %q", ErrMarkerAmbiguous, marker)
	}
	split := bytes.Index(html, []byte(marker)) + len(marker)
	return &Shell{
		prefix: bytes.Clone(html[:split]),
		suffix: bytes.Clone(html[split:]),
	}, nil
}

// LoadShell reads the named shell file from fsys and splits it at the
// injection marker.
func LoadShell(fsys fs.FS, name string, marker string) (*Shell, error) {
	html, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("cannot read shell %q: %w", name, err)
	}
	shell, err := SplitShell(html, marker)
	if err != nil {
		return nil, fmt.Errorf("cannot use shell %q: %w", name, err)
	}
	return shell, nil
}

// Prefix returns the shell contents up to and including the injection
// marker. The returned slice is shared and must not be modified.
func (s *Shell) Prefix() []byte { return s.prefix }

// Suffix returns the shell contents following the injection marker. The
// returned slice is shared and must not be modified.
func (s *Shell) Suffix() []byte { return s.suffix }

// Rebase returns a Shell with the href of its HTML base element replaced by
// the specified base path. The base element lives in the document head, so
// only the prefix is ever touched; the receiver stays unchanged. If there is
// no base element, the receiver is returned as is.
func (s *Shell) Rebase(base string) *Shell {
	if !baseRe.Match(s.prefix) {
		return s
	}
	// Sanitize the base path so it cannot interfere with our regexp
	// replacement operations where we need to use "$1" and "$2" back
	// references. As this ain't VMS (shudder), we don't need "$" in SPA paths
	// anyway.
	base = strings.ReplaceAll(base, "$", "")
	return &Shell{
		prefix: baseRe.ReplaceAll(s.prefix, []byte("${1}"+base+"${2}")),
		suffix: s.suffix,
	}
}
