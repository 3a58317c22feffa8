/*
Package spassr serves "Single Page Applications" (SPAs) with server-side
rendering, streaming the rendered documents to clients while they are still
being produced.

The SPAHandler type implements http.Handler to serve the SPA's static resources
from any resource provider implementing the fs.FS interface. Any request path
that doesn't name a regular file gets a rendered document instead: the SPA's
index.html acts as the shell, split once at startup into the part up to the
injection marker (usually "<body>") and the rest. The Bridge then streams the
shell's prefix, the chunks of HTML from a Renderer as they get produced, and
finally the shell's suffix.

Rendering runs on an Executor. The dedicated Pool executor keeps rendering on a
small, fixed set of workers, separate from the goroutines net/http handles
connections on; GoExecutor simply runs each render on its own goroutine.
*/
package spassr
