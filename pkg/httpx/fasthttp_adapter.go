package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/valyala/fasthttp"
)

// FastHTTPAdapter mounts a HandlerFunc as a fasthttp.RequestHandler.
// The request body is snapshotted since fasthttp reuses its buffers.
func FastHTTPAdapter(h HandlerFunc) fasthttp.RequestHandler {
	return func(fctx *fasthttp.RequestCtx) {
		cctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hdr := make(http.Header)
		fctx.Request.Header.VisitAll(func(k, v []byte) {
			hdr.Add(string(k), string(v))
		})

		body := append([]byte(nil), fctx.PostBody()...)
		req := &Request{
			Ctx:        cctx,
			Method:     string(fctx.Method()),
			Path:       string(fctx.Path()),
			Header:     hdr,
			Body:       io.NopCloser(bytes.NewReader(body)),
			RemoteAddr: fctx.RemoteAddr().String(),
			Raw:        fctx,
		}

		rw := &fastResponseWriter{fctx: fctx, header: make(http.Header)}
		h(rw, req)
		_ = req.Body.Close()
		if !rw.wrote {
			rw.WriteHeader(http.StatusOK)
		}
	}
}

type fastResponseWriter struct {
	fctx   *fasthttp.RequestCtx
	header http.Header
	wrote  bool
}

func (f *fastResponseWriter) Header() http.Header { return f.header }

func (f *fastResponseWriter) WriteHeader(status int) {
	if f.wrote {
		return
	}
	f.wrote = true
	for k, vals := range f.header {
		for _, v := range vals {
			f.fctx.Response.Header.Add(k, v)
		}
	}
	f.fctx.SetStatusCode(status)
}

func (f *fastResponseWriter) Write(b []byte) (int, error) {
	if !f.wrote {
		f.WriteHeader(http.StatusOK)
	}
	return f.fctx.Write(b)
}
