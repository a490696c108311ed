package rotation

import (
	"bytes"
	"net/http"
)

// maxCapture bounds how much of an error body is retained for inspection.
const maxCapture = 64 * 1024

// bufferingWriter sits between the forwarder and the real response writer.
// With retry429 set, a 429 status switches it into suppress mode: nothing
// reaches the client and the middleware retries on another account. Any
// other status streams through; 401/403 bodies are additionally teed into a
// capture buffer so the auth error message can be recorded. Streaming
// responses commit on their first write and are never retried.
type bufferingWriter struct {
	rw          http.ResponseWriter
	retry429    bool
	onRateLimit func(http.Header)

	header      http.Header
	wroteHeader bool
	status      int
	suppressed  bool
	capturing   bool
	captured    bytes.Buffer
}

func newBufferingWriter(rw http.ResponseWriter, retry429 bool, onRateLimit func(http.Header)) *bufferingWriter {
	return &bufferingWriter{
		rw:          rw,
		retry429:    retry429,
		onRateLimit: onRateLimit,
		header:      make(http.Header),
	}
}

// Header returns a staged header map. It is copied to the real writer only
// when the response actually flushes, so suppressed attempts leave no trace.
func (b *bufferingWriter) Header() http.Header {
	return b.header
}

func (b *bufferingWriter) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status

	if status == http.StatusTooManyRequests {
		if b.retry429 {
			b.suppressed = true
			return
		}
		// Forwarded 429: the account must be marked before any byte of the
		// response reaches the client.
		if b.onRateLimit != nil {
			b.onRateLimit(b.header)
		}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		b.capturing = true
	}

	dst := b.rw.Header()
	for k, vv := range b.header {
		dst[k] = vv
	}
	b.rw.WriteHeader(status)
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	if b.suppressed {
		if b.captured.Len() < maxCapture {
			b.captured.Write(p)
		}
		return len(p), nil
	}
	if b.capturing && b.captured.Len() < maxCapture {
		b.captured.Write(p)
	}
	return b.rw.Write(p)
}

// Flush passes through for live streams; suppressed responses have nothing
// to flush.
func (b *bufferingWriter) Flush() {
	if b.suppressed {
		return
	}
	if f, ok := b.rw.(http.Flusher); ok {
		f.Flush()
	}
}
