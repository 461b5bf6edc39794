package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"

	"condenser/pkg/api"
	"condenser/pkg/httpx"
)

// probe is a tiny healthcheck client for the ops listener, suitable for
// container HEALTHCHECK directives. With -listen it instead serves the
// shared health handler over fasthttp, useful as a sidecar liveness
// endpoint when the main ops server is not exposed.
func main() {
	var (
		target  = flag.String("target", "http://127.0.0.1:8090/healthz", "URL to probe")
		timeout = flag.Duration("timeout", 2*time.Second, "probe timeout")
		listen  = flag.String("listen", "", "serve /healthz on this address instead of probing")
		ver     = flag.String("version", "dev", "version string to report in listen mode")
	)
	flag.Parse()

	if *listen != "" {
		serve(*listen, *ver)
		return
	}

	code, body, err := probe(*target, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe %s: %v\n", *target, err)
		os.Exit(1)
	}
	if code != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "probe %s: status %d: %s\n", *target, code, body)
		os.Exit(1)
	}
	fmt.Printf("%s\n", body)
}

func probe(target string, timeout time.Duration) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)

	client := &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout}
	if err := client.DoTimeout(req, resp, timeout); err != nil {
		return 0, nil, err
	}
	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}

func serve(addr, version string) {
	health := httpx.FastHTTPAdapter(api.Healthz(version))
	h := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz":
			health(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("probe listening on %s\n", addr)
	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "condenser-probe",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(addr); err != nil {
		fmt.Fprintf(os.Stderr, "probe server exit: %v\n", err)
		os.Exit(1)
	}
}
