// Package upstream forwards allowed requests to the climate-risk API.
package upstream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/DukeRupert/riskquota/internal/auth"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/handler"
)

// Headers the upstream API reads the caller from.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

var errUpstream = errors.New("upstream request failed")

// NewProxy returns a reverse proxy to rawURL. The caller's identity is
// passed in headers and the bearer token is not forwarded.
func NewProxy(rawURL string, timeout time.Duration, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q must be http or https", rawURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(HeaderUserID)
			pr.Out.Header.Del(HeaderUserEmail)
			if id := auth.GetIdentity(pr.In.Context()); id != nil {
				pr.Out.Header.Set(HeaderUserID, id.UserID.String())
				if id.Email != "" {
					pr.Out.Header.Set(HeaderUserEmail, id.Email)
				}
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			handler.ErrorResponse(w, r, logger, domain.Unavailable(errors.Join(errUpstream, err), "upstream.proxy", "The risk service is temporarily unavailable"))
		},
	}, nil
}
