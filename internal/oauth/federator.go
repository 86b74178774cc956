package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskflow.io/internal/auth"
	"taskflow.io/internal/ids"
)

const (
	defaultStateTTL = 10 * time.Minute

	// callbackTimeout bounds the provider exchange and profile fetch once
	// the callback is detached from the request context.
	callbackTimeout = 30 * time.Second
)

// Federator runs the two-phase federation flow and hands the result to the
// token service. Federation only establishes trust; the session afterwards
// is identical to password login.
type Federator struct {
	provider *Provider
	states   StateStore
	store    auth.Store
	tokens   *auth.Service
	stateTTL time.Duration
	now      func() time.Time
}

// FederatorOption configures a Federator.
type FederatorOption func(*Federator)

// WithStateTTL overrides how long a pending flow may take.
func WithStateTTL(ttl time.Duration) FederatorOption {
	return func(f *Federator) {
		if ttl > 0 {
			f.stateTTL = ttl
		}
	}
}

// WithFederatorClock overrides the time source for tests.
func WithFederatorClock(fn func() time.Time) FederatorOption {
	return func(f *Federator) {
		if fn != nil {
			f.now = fn
		}
	}
}

// NewFederator wires the provider, state store, credential store and token
// service together.
func NewFederator(provider *Provider, states StateStore, store auth.Store, tokens *auth.Service, opts ...FederatorOption) (*Federator, error) {
	if provider == nil || states == nil || store == nil || tokens == nil {
		return nil, errors.New("oauth: provider, state store, store and token service are required")
	}
	f := &Federator{
		provider: provider,
		states:   states,
		store:    store,
		tokens:   tokens,
		stateTTL: defaultStateTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Start generates a single-use state, stores it, and returns the provider
// authorization URL to redirect the caller to.
func (f *Federator) Start(ctx context.Context) (string, error) {
	state, err := NewState()
	if err != nil {
		return "", err
	}
	if err := f.states.Put(ctx, state, f.stateTTL); err != nil {
		return "", err
	}
	return f.provider.AuthCodeURL(state), nil
}

// Callback validates the returned state, exchanges the code, resolves the
// provider profile to a local user, and issues the standard token pair.
// Any state mismatch aborts with ErrInvalidState before a single provider
// call is made.
func (f *Federator) Callback(ctx context.Context, code, returnedState string) (auth.TokenPair, auth.Principal, error) {
	// A caller hanging up mid-callback must not abandon the in-flight
	// provider exchange or leave the flow half-committed. Detach from the
	// request context and bound the whole callback server-side instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()

	ok, err := f.states.Take(ctx, returnedState)
	if err != nil {
		// State store trouble fails closed: without the CSRF check we
		// cannot trust the callback.
		return auth.TokenPair{}, auth.Principal{}, fmt.Errorf("%w: state store: %v", ErrInvalidState, err)
	}
	if !ok {
		return auth.TokenPair{}, auth.Principal{}, ErrInvalidState
	}
	if strings.TrimSpace(code) == "" {
		return auth.TokenPair{}, auth.Principal{}, ErrFederationRejected
	}

	token, err := f.provider.Exchange(ctx, code)
	if err != nil {
		return auth.TokenPair{}, auth.Principal{}, err
	}
	profile, err := f.provider.FetchProfile(ctx, token)
	if err != nil {
		return auth.TokenPair{}, auth.Principal{}, err
	}

	user, err := f.resolveUser(ctx, profile)
	if err != nil {
		return auth.TokenPair{}, auth.Principal{}, err
	}
	if user.Status != auth.StatusActive {
		return auth.TokenPair{}, auth.Principal{}, auth.ErrInvalidCredentials
	}

	pair, err := f.tokens.IssuePair(ctx, user, auth.MethodFederated)
	if err != nil {
		return auth.TokenPair{}, auth.Principal{}, err
	}
	principal := f.tokens.PrincipalForUser(user)
	principal.Method = auth.MethodFederated
	return pair, principal, nil
}

// resolveUser finds the local account for a provider profile, matching by
// federated subject first, then by verified email, creating a new
// lowest-privilege account when neither matches.
func (f *Federator) resolveUser(ctx context.Context, profile Profile) (*auth.User, error) {
	users := f.store.Users()

	user, err := users.FindByFederatedID(ctx, profile.Subject)
	switch {
	case err == nil:
		return f.refreshProfile(ctx, user, profile)
	case !errors.Is(err, auth.ErrNotFound):
		return nil, err
	}

	if profile.Email != "" && profile.EmailVerified {
		user, err = users.FindByEmail(ctx, auth.NormalizeEmail(profile.Email))
		switch {
		case err == nil:
			// First federated login for an existing password account;
			// refreshProfile links the subject so future logins match
			// directly.
			return f.refreshProfile(ctx, user, profile)
		case !errors.Is(err, auth.ErrNotFound):
			return nil, err
		}
	}

	now := f.now().UTC()
	user = &auth.User{
		ID:          ids.New(),
		Email:       auth.NormalizeEmail(profile.Email),
		Name:        profile.Name,
		Role:        auth.RoleViewer,
		Status:      auth.StatusActive,
		FederatedID: profile.Subject,
		PictureURL:  profile.Picture,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if user.Email == "" {
		return nil, fmt.Errorf("%w: userinfo response missing email", ErrFederationRejected)
	}
	if user.Name == "" {
		user.Name = user.Email
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (f *Federator) refreshProfile(ctx context.Context, user *auth.User, profile Profile) (*auth.User, error) {
	changed := false
	if profile.Name != "" && profile.Name != user.Name {
		user.Name = profile.Name
		changed = true
	}
	if profile.Picture != "" && profile.Picture != user.PictureURL {
		user.PictureURL = profile.Picture
		changed = true
	}
	if user.FederatedID != profile.Subject {
		user.FederatedID = profile.Subject
		changed = true
	}
	if changed {
		user.UpdatedAt = f.now().UTC()
		if err := f.store.Users().Update(ctx, user); err != nil {
			return nil, err
		}
	}
	return user, nil
}
