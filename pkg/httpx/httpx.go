// Package httpx defines a transport-neutral handler shape so the same
// handler can be mounted on net/http (ops listener) and fasthttp (probe
// sidecar) without duplicating logic.
package httpx

import (
	"context"
	"io"
	"net/http"
)

// Request carries the pieces of an incoming request that handlers need.
// Cancellation and deadlines flow through Ctx.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Header     http.Header
	Body       io.ReadCloser
	RemoteAddr string
	// Raw is the underlying transport object (*http.Request or
	// *fasthttp.RequestCtx) for the rare handler that needs it.
	Raw any
}

// ResponseWriter is the minimal write surface adapters must provide.
// Headers set after the first Write are ignored, as with net/http.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// HandlerFunc is the handler signature shared by all adapters.
type HandlerFunc func(w ResponseWriter, r *Request)
