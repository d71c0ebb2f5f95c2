// Package github ingests issues from the GitHub REST API.
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/version"
)

// ClientConfig selects the API endpoint and credentials
type ClientConfig struct {
	Token string
	// BaseURL overrides https://api.github.com/, e.g. for GitHub Enterprise
	BaseURL string
}

// NewClient creates an API client. Without a token requests are anonymous
// and subject to the much lower unauthenticated rate limit.
func NewClient(ctx context.Context, cfg ClientConfig) (*github.Client, error) {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	client.UserAgent = version.UserAgent()

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid github base url %q", cfg.BaseURL)
		}
		client.BaseURL = u
	}
	return client, nil
}
