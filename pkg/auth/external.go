package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ExternalIssuers maps an issuer name (as configured per-user in UserConfig.
// ExternalIssuer) to the userinfo endpoint that resolves a bearer token to
// an identity. This is the narrow slice of an OAuth2 login flow this proxy
// actually needs: auth_type=external never runs a redirect
// login, it only validates a token the client already obtained elsewhere.
type ExternalIssuers map[string]string

// NewOAuth2TokenVerifier builds an ExternalVerifier that treats the
// PasswordMessage payload as an OAuth2 bearer access token, wraps it in an
// oauth2.StaticTokenSource, and resolves the caller's username from the issuer's userinfo endpoint.
func NewOAuth2TokenVerifier(issuers ExternalIssuers, usernameField string) ExternalVerifier {
	if usernameField == "" {
		usernameField = "email"
	}
	return func(ctx context.Context, issuer, token string) (string, error) {
		endpoint, ok := issuers[issuer]
		if !ok {
			return "", fmt.Errorf("auth: unknown external issuer %q", issuer)
		}

		ctx, cancel := context.WithTimeout(ctx, externalHTTPTimeout)
		defer cancel()

		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		client := oauth2.NewClient(ctx, src)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("auth: external issuer %q unreachable: %w", issuer, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("auth: external issuer %q rejected token: status %d", issuer, resp.StatusCode)
		}

		var claims map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			return "", fmt.Errorf("auth: malformed userinfo response from %q: %w", issuer, err)
		}
		username, ok := claims[usernameField].(string)
		if !ok || username == "" {
			return "", fmt.Errorf("auth: external issuer %q userinfo missing %q claim", issuer, usernameField)
		}
		return username, nil
	}
}

// externalHTTPTimeout bounds how long a userinfo round trip may take before
// the auth attempt fails; bearer validation must not stall a client's whole
// connection setup.
const externalHTTPTimeout = 5 * time.Second
