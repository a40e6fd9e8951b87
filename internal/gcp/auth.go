package gcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrUnauthenticated is returned for a missing or invalid bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenVerifier verifies Firebase Authentication ID tokens.
type TokenVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewTokenVerifier discovers the Firebase issuer of the project. The token
// audience must be the project id.
func NewTokenVerifier(ctx context.Context, projectID string) (*TokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, "https://securetoken.google.com/"+projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to discover token issuer: %w", err)
	}
	return &TokenVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: projectID}),
	}, nil
}

// VerifyRequest checks the Authorization header and returns the token subject.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrUnauthenticated
	}
	token, err := v.verifier.Verify(r.Context(), strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return token.Subject, nil
}
