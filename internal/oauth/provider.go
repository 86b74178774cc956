// Package oauth drives the authorization-code exchange with a single
// external identity provider and resolves the result to a local account.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrInvalidState means the callback state did not match a stored
	// value. This is the CSRF check; the flow aborts and no tokens are
	// ever issued.
	ErrInvalidState = errors.New("oauth: invalid state")

	// ErrProviderUnavailable means the provider could not be reached even
	// after the internal retry.
	ErrProviderUnavailable = errors.New("oauth: provider unavailable")

	// ErrFederationRejected means the provider answered with an error;
	// the caller is never downgraded to anonymous access.
	ErrFederationRejected = errors.New("oauth: federation rejected")
)

// Config describes the provider endpoints and client credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// Profile is the subset of the provider's userinfo response we consume.
type Profile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Provider wraps the oauth2 client configuration for the one configured
// identity provider.
type Provider struct {
	conf        *oauth2.Config
	userInfoURL string
	retryDelay  time.Duration
}

// NewProvider validates the config and builds a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("oauth: client credentials are required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("oauth: provider endpoints are required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("oauth: redirect url is required")
	}
	return &Provider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL: cfg.UserInfoURL,
		retryDelay:  500 * time.Millisecond,
	}, nil
}

// AuthCodeURL builds the provider authorization URL carrying the state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.conf.AuthCodeURL(state)
}

// Exchange swaps the authorization code for a provider token. A transient
// network failure is retried once with backoff before surfacing as
// ErrProviderUnavailable; a provider error response is never retried.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.conf.Exchange(ctx, code)
	if err == nil {
		return token, nil
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrFederationRejected, retrieveErr.Response.StatusCode)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	case <-time.After(p.retryDelay):
	}
	token, err = p.conf.Exchange(ctx, code)
	if err == nil {
		return token, nil
	}
	if errors.As(err, &retrieveErr) {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrFederationRejected, retrieveErr.Response.StatusCode)
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// FetchProfile calls the provider's userinfo endpoint with the exchanged
// token, with the same retry-once policy as Exchange.
func (p *Provider) FetchProfile(ctx context.Context, token *oauth2.Token) (Profile, error) {
	profile, err := p.fetchProfileOnce(ctx, token)
	if err == nil || errors.Is(err, ErrFederationRejected) {
		return profile, err
	}

	select {
	case <-ctx.Done():
		return Profile{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	case <-time.After(p.retryDelay):
	}
	profile, err = p.fetchProfileOnce(ctx, token)
	if err == nil || errors.Is(err, ErrFederationRejected) {
		return profile, err
	}
	return Profile{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func (p *Provider) fetchProfileOnce(ctx context.Context, token *oauth2.Token) (Profile, error) {
	client := p.conf.Client(ctx, token)
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("%w: userinfo returned %d: %s", ErrFederationRejected, resp.StatusCode, body)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("%w: decode userinfo: %v", ErrFederationRejected, err)
	}
	if profile.Subject == "" {
		return Profile{}, fmt.Errorf("%w: userinfo response missing subject", ErrFederationRejected)
	}
	return profile, nil
}
