package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/anonymize"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
	"github.com/tternquist/doh-sni-proxy/internal/requestlog"
)

const defaultBackendPort = "443"

var (
	// ErrNotAllowed marks requests for hosts outside the allow-list.
	ErrNotAllowed      = errors.New("host is not on the allow-list")
	errEmptyResolution = errors.New("resolver returned no addresses")
)

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := config.NormalizeHost(r.Host)
	entry := requestlog.Entry{
		ClientIP: anonymize.IP(clientIP(r.RemoteAddr), p.opts.AnonymizeClientIP),
		Host:     host,
		Method:   r.Method,
		Path:     r.URL.RequestURI(),
		Protocol: r.Proto,
	}

	status, err := p.forward(w, r, host, &entry)
	if err != nil {
		entry.Error = err.Error()
		if status >= 500 {
			p.logger.Warn("proxy request failed", "host", host, "path", r.URL.Path, "status", status, "err", err)
		} else {
			p.logger.Debug("proxy request rejected", "host", host, "status", status)
		}
	}

	elapsed := time.Since(start)
	entry.Status = status
	entry.DurationMS = float64(elapsed.Microseconds()) / 1000
	metrics.RecordProxyRequest(strconv.Itoa(status), elapsed)
	metrics.RecordProxyBytes("upload", entry.BytesIn)
	metrics.RecordProxyBytes("download", entry.BytesOut)
	if p.access != nil {
		entry.Timestamp = requestlog.FormatTimestamp(start)
		p.access.Write(entry)
	}
}

// forward handles one request and returns the status sent to the client.
// Errors before the upstream response is mirrored are answered here.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, host string, entry *requestlog.Entry) (int, error) {
	if !p.allowed[host] {
		http.Error(w, "Not Found", http.StatusNotFound)
		return http.StatusNotFound, fmt.Errorf("%w: %q", ErrNotAllowed, host)
	}

	addrs, err := p.resolver.Resolve(r.Context(), host)
	if err == nil && len(addrs) == 0 {
		err = errEmptyResolution
	}
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway, fmt.Errorf("resolve %s: %w", host, err)
	}

	backend := addrs[0]
	sni := p.opts.CustomSNIs[host]
	if sni == "" {
		sni = backend
	}
	entry.BackendIP = backend
	entry.SNI = sni

	body := &countingBody{ReadCloser: r.Body}
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL = &url.URL{
		Scheme:   "https",
		Host:     net.JoinHostPort(backend, requestPort(r.Host)),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	outReq.Host = r.Host
	outReq.Body = http.NoBody
	if r.Body != nil && r.Body != http.NoBody {
		outReq.Body = body
	}
	outReq.Header = r.Header.Clone()
	removeHopHeaders(outReq.Header)

	resp, err := p.transports.get(sni).RoundTrip(outReq)
	entry.BytesIn = body.n.Load()
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway, fmt.Errorf("forward to %s (sni %s): %w", backend, sni, err)
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	for k := range resp.Trailer {
		dst.Add("Trailer", k)
	}
	w.WriteHeader(resp.StatusCode)

	n, copyErr := copyResponse(w, resp.Body)
	entry.BytesOut = n
	entry.BytesIn = body.n.Load()
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	if copyErr != nil {
		return resp.StatusCode, fmt.Errorf("stream response from %s: %w", backend, copyErr)
	}
	return resp.StatusCode, nil
}

// requestPort returns the port named in the Host header, defaulting to 443.
func requestPort(hostHeader string) string {
	if _, port, err := net.SplitHostPort(hostHeader); err == nil && port != "" {
		return port
	}
	return defaultBackendPort
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
