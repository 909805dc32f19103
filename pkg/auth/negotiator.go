package auth

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/internal/errors"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// Transport is the minimal read/write/flush surface Negotiator needs; a
// bufio.Reader+bufio.Writer pair over the accepted net.Conn satisfies it.
type Transport struct {
	R io.Reader
	W interface {
		io.Writer
		Flush() error
	}
}

func (t Transport) send(f wire.Frame) error {
	if err := wire.WriteFrame(t.W, f); err != nil {
		return err
	}
	return t.W.Flush()
}

// ExternalVerifier validates a bearer token presented for AuthType
// "external" (spec.md C10's external-auth hook) and returns the
// authenticated username, or an error if the token is invalid.
type ExternalVerifier func(ctx context.Context, issuer, token string) (username string, err error)

// Negotiator runs the server side of the client-authentication handshake
// (spec.md C10): it inspects the configured AuthType for the connecting
// user and challenges them with the matching PostgreSQL wire mechanism.
// Grounded on db-bouncer's relayAuth dispatch-by-method shape.
type Negotiator struct {
	store    Store
	limiter  *RateLimiter
	external ExternalVerifier
	logger   *zap.Logger
}

func NewNegotiator(store Store, limiter *RateLimiter, external ExternalVerifier, logger *zap.Logger) *Negotiator {
	return &Negotiator{store: store, limiter: limiter, external: external, logger: logger}
}

// Authenticate challenges the client per its configured AuthType and
// returns the matched UserConfig on success. remoteAddr is used only for
// rate limiting.
func (n *Negotiator) Authenticate(ctx context.Context, startup wire.StartupMessage, t Transport, remoteAddr string) (UserConfig, error) {
	username := startup.Parameters["user"]
	database := startup.Parameters["database"]
	if database == "" {
		database = username
	}

	if n.limiter != nil && !n.limiter.Allow(remoteAddr) {
		n.reject(t, "too many authentication attempts, try again later")
		return UserConfig{}, errors.New(errors.KindAuth, "rate limited: "+remoteAddr)
	}

	user, ok := n.store.Lookup(username)
	if !ok {
		n.reject(t, fmt.Sprintf("role %q does not exist", username))
		return UserConfig{}, ErrUnknownUser
	}
	if user.Database != "" && user.Database != database {
		n.reject(t, fmt.Sprintf("database %q is not accessible to role %q", database, username))
		return UserConfig{}, errors.New(errors.KindAuth, "database not permitted for user")
	}

	var err error
	switch user.AuthType {
	case "trust", "":
		// no challenge
	case "cleartext":
		err = n.cleartext(user, t)
	case "md5":
		err = n.md5(user, t)
	case "scram-sha-256":
		err = n.scram(user, t)
	case "external":
		err = n.externalAuth(ctx, user, t)
	default:
		err = errors.New(errors.KindAuth, "unsupported auth_type "+user.AuthType)
	}
	if err != nil {
		n.logger.Warn("authentication failed", zap.String("user", username), zap.String("remote", remoteAddr), zap.Error(err))
		n.reject(t, "password authentication failed for user \""+username+"\"")
		return UserConfig{}, err
	}

	if err := t.send(wire.BuildAuthenticationOK()); err != nil {
		return UserConfig{}, err
	}
	return user, nil
}

func (n *Negotiator) cleartext(user UserConfig, t Transport) error {
	if err := t.send(wire.BuildAuthenticationCleartextPassword()); err != nil {
		return err
	}
	f, err := wire.ReadFrame(t.R)
	if err != nil {
		return err
	}
	password, err := wire.ParsePasswordMessage(f)
	if err != nil {
		return err
	}
	if err := VerifyCleartext(user.PasswordHash, password); err != nil {
		return errors.New(errors.KindAuth, "invalid password")
	}
	return nil
}

func (n *Negotiator) md5(user UserConfig, t Transport) error {
	salt, err := randomSalt()
	if err != nil {
		return err
	}
	if err := t.send(wire.BuildAuthenticationMD5Password(salt)); err != nil {
		return err
	}
	f, err := wire.ReadFrame(t.R)
	if err != nil {
		return err
	}
	received, err := wire.ParsePasswordMessage(f)
	if err != nil {
		return err
	}
	if received != md5Challenge(user.MD5Secret, salt) {
		return errors.New(errors.KindAuth, "invalid password")
	}
	return nil
}

func (n *Negotiator) scram(user UserConfig, t Transport) error {
	if user.Scram == nil {
		return errors.New(errors.KindAuth, "no SCRAM verifier configured for user")
	}
	if err := t.send(wire.BuildAuthenticationSASL([]string{"SCRAM-SHA-256"})); err != nil {
		return err
	}

	f, err := wire.ReadFrame(t.R)
	if err != nil {
		return err
	}
	mechanism, clientFirst, err := wire.ParseSASLInitialResponse(f)
	if err != nil {
		return err
	}
	if mechanism != "SCRAM-SHA-256" {
		return errors.New(errors.KindAuth, "unsupported SASL mechanism "+mechanism)
	}

	hs, serverFirst, err := newScramServerHandshake(*user.Scram, clientFirst)
	if err != nil {
		return err
	}
	if err := t.send(wire.BuildAuthenticationSASLContinue([]byte(serverFirst))); err != nil {
		return err
	}

	f, err = wire.ReadFrame(t.R)
	if err != nil {
		return err
	}
	clientFinal := wire.ParseSASLResponse(f)
	serverFinal, err := hs.verify(string(clientFinal))
	if err != nil {
		return err
	}
	return t.send(wire.BuildAuthenticationSASLFinal([]byte(serverFinal)))
}

func (n *Negotiator) externalAuth(ctx context.Context, user UserConfig, t Transport) error {
	if n.external == nil {
		return errors.New(errors.KindAuth, "auth_type=external configured with no verifier wired")
	}
	if err := t.send(wire.BuildAuthenticationCleartextPassword()); err != nil {
		return err
	}
	f, err := wire.ReadFrame(t.R)
	if err != nil {
		return err
	}
	token, err := wire.ParsePasswordMessage(f)
	if err != nil {
		return err
	}
	resolved, err := n.external(ctx, user.ExternalIssuer, token)
	if err != nil {
		return err
	}
	if resolved != user.Username {
		return errors.New(errors.KindAuth, "external token resolved to a different user")
	}
	return nil
}

func (n *Negotiator) reject(t Transport, message string) {
	fields := wire.NewErrorFields("FATAL", errors.SQLStateInvalidPassword, message)
	t.send(wire.BuildErrorResponse(fields))
}
