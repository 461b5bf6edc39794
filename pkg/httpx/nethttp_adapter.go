package httpx

import "net/http"

// NetHTTPAdapter mounts a HandlerFunc on a net/http mux or router.
func NetHTTPAdapter(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &Request{
			Ctx:        r.Context(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Header:     r.Header.Clone(),
			Body:       r.Body,
			RemoteAddr: r.RemoteAddr,
			Raw:        r,
		}
		rw := &netResponseWriter{w: w, header: w.Header().Clone()}
		h(rw, req)
		if req.Body != nil {
			_ = req.Body.Close()
		}
	})
}

type netResponseWriter struct {
	w      http.ResponseWriter
	header http.Header
	wrote  bool
}

func (n *netResponseWriter) Header() http.Header { return n.header }

func (n *netResponseWriter) WriteHeader(status int) {
	if n.wrote {
		return
	}
	n.wrote = true
	dst := n.w.Header()
	for k, vals := range n.header {
		dst[k] = append([]string(nil), vals...)
	}
	n.w.WriteHeader(status)
}

func (n *netResponseWriter) Write(b []byte) (int, error) {
	if !n.wrote {
		n.WriteHeader(http.StatusOK)
	}
	return n.w.Write(b)
}
