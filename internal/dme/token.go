package dme

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ChuLiYu/edge-session/internal/edgeerr"
)

// tokenParam is the query parameter carrying the verify-location token.
const tokenParam = "dt-id"

// FetchVerifyToken performs the one-time redirect exchange against the
// token server. The token is read from the redirect Location, which is
// never followed.
func FetchVerifyToken(ctx context.Context, client *http.Client, tokenServerURI string) (string, error) {
	const op = "dme.FetchVerifyToken"
	if tokenServerURI == "" {
		return "", edgeerr.Configuration(op, "token server URI is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenServerURI, nil)
	if err != nil {
		return "", edgeerr.Configuration(op, "bad token server URI: %v", err)
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", edgeerr.Wrap(edgeerr.KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", edgeerr.Wrap(edgeerr.KindTransport, op, fmt.Errorf("expected redirect, got %s", resp.Status))
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", edgeerr.Wrap(edgeerr.KindTransport, op, fmt.Errorf("redirect without Location header"))
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", edgeerr.Wrap(edgeerr.KindTransport, op, fmt.Errorf("parse redirect: %w", err))
	}
	token := u.Query().Get(tokenParam)
	if token == "" {
		return "", edgeerr.Wrap(edgeerr.KindTransport, op, fmt.Errorf("redirect carries no %s", tokenParam))
	}
	return token, nil
}
