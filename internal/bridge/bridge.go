// Package bridge runs the local signed proxy. Callers that cannot perform
// SigV4 themselves POST to /proxy with a target-url header; the bridge signs
// the request and relays the upstream response verbatim.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lakecraft/lakeagent/internal/signing"
)

const defaultTimeout = 15 * time.Second

// headerTargetURL names the upstream to forward to. Requests without it get
// the liveness response.
const headerTargetURL = "target-url"

// Config configures the bridge listener.
type Config struct {
	Port    int
	Service string
	Region  string
	// Timeout bounds each outbound call including response body read.
	Timeout time.Duration
}

// Bridge is the signing proxy. One instance serves any number of concurrent
// requests; each runs on its own goroutine with an independent deadline.
type Bridge struct {
	cfg    Config
	signer *signing.Signer
	client *http.Client
	logger *slog.Logger
	srv    *http.Server
}

// New builds a Bridge. The signer must be non-nil.
func New(cfg Config, signer *signing.Signer, logger *slog.Logger) *Bridge {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Service == "" {
		cfg.Service = "execute-api"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		signer: signer,
		client: &http.Client{},
		logger: logger.With("component", "bridge"),
	}
}

// Handler returns the bridge routes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/proxy", b.handleProxy)
	return mux
}

// Start begins serving and blocks until the listener fails or ctx is
// cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.srv = &http.Server{
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(b.cfg.Port)),
		Handler: b.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.srv.ListenAndServe()
	}()
	b.logger.Info("bridge listening", "addr", b.srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (b *Bridge) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get(headerTargetURL)
	if target == "" {
		// Liveness probe.
		writeJSON(w, http.StatusOK, map[string]string{"text": "Listener listening"})
		return
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		proxyRequests.WithLabelValues(outcomeRejected).Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("Invalid target-url %q: absolute http(s) URL required", target),
		})
		return
	}

	// The whole body is needed before signing: the payload hash is part of
	// the canonical request.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		proxyRequests.WithLabelValues(outcomeError).Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Error reading request body: " + err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), b.cfg.Timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, parsed.String(), bytes.NewReader(body))
	if err != nil {
		proxyRequests.WithLabelValues(outcomeError).Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Error building upstream request: " + err.Error(),
		})
		return
	}
	copyForwardHeaders(out.Header, r.Header)
	out.Host = parsed.Host

	if err := b.signer.SignHTTP(ctx, out, body, b.cfg.Service, b.cfg.Region); err != nil {
		proxyRequests.WithLabelValues(outcomeError).Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Error signing request: " + err.Error(),
		})
		return
	}

	resp, err := b.client.Do(out)
	if err != nil {
		b.respondUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		b.respondUpstreamError(w, err)
		return
	}

	proxyRequests.WithLabelValues(outcomeForwarded).Inc()
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		b.logger.Warn("write response", "error", err)
	}
}

// respondUpstreamError maps outbound failures: deadline expiry becomes a
// 504, everything else a 500 carrying the connection error.
func (b *Bridge) respondUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		proxyRequests.WithLabelValues(outcomeTimeout).Inc()
		b.logger.Warn("upstream timeout", "timeout", b.cfg.Timeout)
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": "Gateway Timeout - request took too long to complete",
		})
		return
	}
	proxyRequests.WithLabelValues(outcomeError).Inc()
	b.logger.Warn("upstream error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "Error connecting to target server: " + err.Error(),
	})
}

// copyForwardHeaders copies inbound headers onto the upstream request,
// dropping the routing header itself, hop-by-hop headers, and fields the
// transport recomputes.
func copyForwardHeaders(dst, src http.Header) {
	skip := map[string]bool{
		"Host":              true,
		"Content-Length":    true,
		"Connection":        true,
		"Keep-Alive":        true,
		"Proxy-Connection":  true,
		"Transfer-Encoding": true,
		"Upgrade":           true,
	}
	skip[http.CanonicalHeaderKey(headerTargetURL)] = true
	for name, values := range src {
		if skip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
