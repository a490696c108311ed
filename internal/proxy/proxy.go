// Package proxy forwards requests to the Anthropic API, injecting the
// selected account's bearer token and streaming SSE responses through.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ccproxy-go/ccproxy/internal/rotation"
)

const oauthBetaHeader = "oauth-2025-04-20"

// Headers that must not be forwarded between hops.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder is the terminal handler: it relays the (possibly re-played)
// request to the upstream API. Account selection arrives via the request
// context; without one the request passes through with its own auth headers.
type Forwarder struct {
	upstream   *url.URL
	client     *http.Client
	apiVersion string
}

// New builds a forwarder for the given upstream base URL.
func New(upstreamURL string, client *http.Client, apiVersion string) (*Forwarder, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	return &Forwarder{upstream: u, client: client, apiVersion: apiVersion}, nil
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *f.upstream
	target.Path = singleJoin(f.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	copyHeaders(upReq.Header, r.Header)
	upReq.Header.Del("Host")
	upReq.Header.Del(rotation.AccountHeader)

	if sel, ok := rotation.SelectionFrom(r.Context()); ok {
		upReq.Header.Set("Authorization", "Bearer "+sel.AccessToken)
		upReq.Header.Del("X-Api-Key")
		if upReq.Header.Get("anthropic-version") == "" {
			upReq.Header.Set("anthropic-version", f.apiVersion)
		}
		// OAuth bearer tokens are only accepted with the oauth beta flag.
		if beta := upReq.Header.Get("anthropic-beta"); beta == "" {
			upReq.Header.Set("anthropic-beta", oauthBetaHeader)
		} else if !strings.Contains(beta, oauthBetaHeader) {
			upReq.Header.Set("anthropic-beta", oauthBetaHeader+","+beta)
		}
	}

	resp, err := f.client.Do(upReq)
	if err != nil {
		slog.Error("upstream request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		streamSSE(w, resp.Body)
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("response copy interrupted", "error", err)
	}
}

// streamSSE relays an event stream line by line, flushing at each blank line
// so events reach the client as they complete.
func streamSSE(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		w.Write(line)
		w.Write([]byte("\n"))
		if len(line) == 0 && flusher != nil {
			flusher.Flush()
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("stream interrupted", "error", err)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":%q,"message":%q}}`, errType, message)
}
