package auth

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"

	"github.com/shardproxy/shardproxy/pkg/server"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// BackendAuthenticator implements server.Authenticator: it drives the
// client side of the startup/auth handshake against a real PostgreSQL
// backend, using whichever mechanism that backend challenges with
// (AuthenticationOK/Cleartext/MD5/SASL), then reads ParameterStatus,
// BackendKeyData and ReadyForQuery before handing the connection back.
type BackendAuthenticator struct{}

func NewBackendAuthenticator() *BackendAuthenticator { return &BackendAuthenticator{} }

func (BackendAuthenticator) Authenticate(ctx context.Context, conn net.Conn, creds server.Credentials) (map[string]string, int32, int32, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	startup := wire.BuildStartupMessage(wire.StartupMessage{
		ProtocolVersion: wire.ProtocolVersion3,
		Parameters: map[string]string{
			"user":     creds.User,
			"database": creds.Database,
		},
	})
	if err := wire.WriteFrame(w, startup); err != nil {
		return nil, 0, 0, err
	}
	if err := w.Flush(); err != nil {
		return nil, 0, 0, err
	}

	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return nil, 0, 0, err
		}
		switch f.Type {
		case wire.TagErrorResponse:
			fields, _ := wire.ParseErrorResponse(f)
			msg, _ := fields.Get(wire.FieldMessage)
			return nil, 0, 0, fmt.Errorf("auth: backend rejected startup: %s", msg)

		case wire.TagAuthentication:
			kind, body, err := wire.AuthenticationKind(f)
			if err != nil {
				return nil, 0, 0, err
			}
			switch kind {
			case wire.AuthOK:
				return drainStartupTail(r, f)
			case wire.AuthCleartextPassword:
				if err := sendFrame(w, wire.BuildPasswordMessage(creds.Password)); err != nil {
					return nil, 0, 0, err
				}
			case wire.AuthMD5Password:
				var salt [4]byte
				copy(salt[:], body)
				inner := md5InnerDigest(creds.Password, creds.User)
				if err := sendFrame(w, wire.BuildPasswordMessage(md5Challenge(inner, salt))); err != nil {
					return nil, 0, 0, err
				}
			case wire.AuthSASL:
				if err := scramRoundtrip(r, w, creds); err != nil {
					return nil, 0, 0, err
				}
			default:
				return nil, 0, 0, fmt.Errorf("auth: unsupported backend auth request %d", kind)
			}

		default:
			return nil, 0, 0, fmt.Errorf("auth: unexpected frame %q before AuthenticationOK", f.Type)
		}
	}
}

func sendFrame(w *bufio.Writer, f wire.Frame) error {
	if err := wire.WriteFrame(w, f); err != nil {
		return err
	}
	return w.Flush()
}

// scramRoundtrip drives the SCRAM-SHA-256 exchange as the client, given the
// AuthenticationSASL challenge has already been read.
func scramRoundtrip(r *bufio.Reader, w *bufio.Writer, creds server.Credentials) error {
	hs, clientFirst, err := newScramClientHandshake(creds.User, creds.Password)
	if err != nil {
		return err
	}
	if err := sendFrame(w, wire.BuildSASLInitialResponse("SCRAM-SHA-256", clientFirst)); err != nil {
		return err
	}

	f, err := wire.ReadFrame(r)
	if err != nil {
		return err
	}
	kind, body, err := wire.AuthenticationKind(f)
	if err != nil {
		return err
	}
	if kind != wire.AuthSASLContinue {
		return fmt.Errorf("auth: expected AuthenticationSASLContinue, got kind %d", kind)
	}

	clientFinal, expectedSig, err := hs.next(string(body))
	if err != nil {
		return err
	}
	if err := sendFrame(w, wire.BuildSASLResponse(clientFinal)); err != nil {
		return err
	}

	f, err = wire.ReadFrame(r)
	if err != nil {
		return err
	}
	kind, body, err = wire.AuthenticationKind(f)
	if err != nil {
		return err
	}
	if kind != wire.AuthSASLFinal {
		return fmt.Errorf("auth: expected AuthenticationSASLFinal, got kind %d", kind)
	}
	if string(body) != "v="+b64(expectedSig) {
		return fmt.Errorf("auth: backend SCRAM server signature mismatch")
	}
	return nil
}

// drainStartupTail reads ParameterStatus/BackendKeyData messages until
// ReadyForQuery, starting from a frame already read (the AuthenticationOK
// that ended the auth phase).
func drainStartupTail(r *bufio.Reader, first wire.Frame) (map[string]string, int32, int32, error) {
	params := map[string]string{}
	var pid, secret int32
	f := first
	for {
		switch f.Type {
		case wire.TagParameterStatus:
			name, value, err := wire.ParseParameterStatus(f)
			if err != nil {
				return nil, 0, 0, err
			}
			params[name] = value
		case wire.TagBackendKeyData:
			p, s, err := wire.ParseBackendKeyData(f)
			if err != nil {
				return nil, 0, 0, err
			}
			pid, secret = p, s
		case wire.TagReadyForQuery:
			return params, pid, secret, nil
		case wire.TagErrorResponse:
			fields, _ := wire.ParseErrorResponse(f)
			msg, _ := fields.Get(wire.FieldMessage)
			return nil, 0, 0, fmt.Errorf("auth: backend error after auth: %s", msg)
		case wire.TagNoticeResponse:
			// ignored
		}
		var err error
		f, err = wire.ReadFrame(r)
		if err != nil {
			return nil, 0, 0, err
		}
	}
}
