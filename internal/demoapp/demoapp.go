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

/*
Package demoapp is a tiny stand-in for a real SPA component tree, rendering a
home page and a "my" page, so that the spassr command has something to serve
out of the box.
*/
package demoapp

import (
	"context"
	"html"
	"iter"
	"slices"
	"strings"

	"github.com/thediveo/spassr"
)

// Route paths known to the demo application.
const (
	HomePath = "/"
	MyPath   = "/my"
)

// Render implements spassr.RenderFunc, yielding the navigation, the page
// contents and the footer as separate chunks.
func Render(ctx context.Context, req spassr.RenderRequest) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !yield([]byte(nav), nil) {
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if !yield([]byte(page(req)), nil) {
			return
		}
		yield([]byte(`<footer>rendered on the server</footer>`), nil)
	}
}

const nav = `<nav><a href="/">Home</a> <a href="/my">My</a></nav>`

// page returns the markup of the routed page.
func page(req spassr.RenderRequest) string {
	switch req.Path {
	case HomePath:
		return `<main><h1>Home</h1></main>`
	case MyPath:
		var b strings.Builder
		b.WriteString(`<main><h1>My</h1><dl>`)
		keys := make([]string, 0, len(req.Query))
		for key := range req.Query {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			b.WriteString("<dt>" + html.EscapeString(key) + "</dt>")
			b.WriteString("<dd>" + html.EscapeString(req.Query[key]) + "</dd>")
		}
		b.WriteString(`</dl></main>`)
		return b.String()
	default:
		return `<main><h1>Not Found</h1><p>` + html.EscapeString(req.Path) + `</p></main>`
	}
}
