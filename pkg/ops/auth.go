package ops

import (
	"context"
	"log/slog"

	"github.com/optibridge/go-companion/pkg/store"
)

// Authenticator runs a remote call under the credential-fallback contract
// shared by every mutating operation: try the preferred token, and if the
// preferred token was the scraped one, retry exactly once with the stored
// one. The reverse direction never happens; a user-supplied token is
// authoritative when the user enabled it.
type Authenticator struct {
	tokens   store.TokenStore
	features store.FeatureStore
	log      *slog.Logger
}

// NewAuthenticator wires the fallback logic to its stores. A nil logger
// falls back to slog.Default.
func NewAuthenticator(tokens store.TokenStore, features store.FeatureStore, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{tokens: tokens, features: features, log: log}
}

// Do invokes fn with the preferred token and applies the scraped-to-stored
// fallback on failure. It returns the token that succeeded so callers can
// reuse it for the write steps that follow without re-running resolution.
func (a *Authenticator) Do(ctx context.Context, fn func(ctx context.Context, token string) error) (string, error) {
	creds, err := a.tokens.Resolve(ctx)
	if err != nil {
		return "", err
	}

	prefs, err := a.features.Get(ctx)
	if err != nil {
		return "", err
	}

	token, source := pickToken(creds, prefs.PrioritizeScrape)

	if err := fn(ctx, token); err != nil {
		if source == SourceScraped && creds.Stored != "" {
			a.log.Debug("scraped authorization failed, retrying with stored token", "error", err)
			if retryErr := fn(ctx, creds.Stored); retryErr == nil {
				return creds.Stored, nil
			} else {
				return "", &AuthInvalidError{Source: SourceStored, Err: retryErr}
			}
		}
		return "", &AuthInvalidError{Source: source, Err: err}
	}
	return token, nil
}

// pickToken chooses which credential to try first. The scraped token is
// only preferred when the user opted in and one was actually captured.
func pickToken(creds store.Credentials, prioritizeScrape bool) (string, string) {
	if prioritizeScrape && creds.Scraped != "" {
		return creds.Scraped, SourceScraped
	}
	if creds.Stored != "" {
		return creds.Stored, SourceStored
	}
	return creds.Scraped, SourceScraped
}
