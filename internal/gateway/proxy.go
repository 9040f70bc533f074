package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/tlsutil"
	"github.com/mroger/tom/types"
)

// hopByHopHeaders are stripped before forwarding, per §4.2.2's proxy rules.
var hopByHopHeaders = []string{"Host", "Content-Length", "Transfer-Encoding", "Content-Encoding"}

// proxyTimeout is the upstream round-trip budget; a request exceeding it
// surfaces as 504, per §4.2.2.
const proxyTimeout = 30 * time.Second

// MemoryProxy forwards /memory[/*] to the per-user mem0 service, per §4.2.2.
// Grounded on the teacher's tlsutil.SecureHTTPClient for the outbound
// transport; the proxying logic itself (header stripping, status passthrough,
// 503/504 mapping) has no teacher analogue and is written directly from the
// spec's proxy rules table.
type MemoryProxy struct {
	baseURLTemplate string
	client          *http.Client
	logger          *zap.Logger
}

// NewMemoryProxy builds a proxy that targets fmt.Sprintf(baseURLTemplate, username).
func NewMemoryProxy(baseURLTemplate string, logger *zap.Logger) *MemoryProxy {
	return &MemoryProxy{
		baseURLTemplate: baseURLTemplate,
		client:          tlsutil.SecureHTTPClient(proxyTimeout),
		logger:          logger,
	}
}

// ServeHTTP proxies r to the authenticated user's memory service, preserving
// the subpath after the mount point stripped by the caller's mux.
func (p *MemoryProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username, _ := types.Username(r.Context())
	base := fmt.Sprintf(p.baseURLTemplate, username)

	target, err := url.Parse(base + r.URL.Path)
	if err != nil {
		http.Error(w, `{"error":"bad upstream target"}`, http.StatusInternalServerError)
		return
	}
	target.RawQuery = r.URL.RawQuery

	p.forward(w, r, target.String())
}

// forward implements the proxy body for /memory: strip hop-by-hop
// headers, forward method/headers/query/body, surface upstream status
// verbatim, map connection failure to 503 and timeout to 504.
func (p *MemoryProxy) forward(w http.ResponseWriter, r *http.Request, target string) {
	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		http.Error(w, `{"error":"bad upstream request"}`, http.StatusInternalServerError)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			http.Error(w, `{"error":"upstream timeout"}`, http.StatusGatewayTimeout)
			return
		}
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	skip := map[string]bool{}
	for _, h := range hopByHopHeaders {
		skip[strings.ToLower(h)] = true
	}
	for k, vv := range src {
		if skip[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
