package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramIterations matches the default postgres chooses for SCRAM-SHA-256
// verifiers (see pg_authid.rolpassword).
const ScramIterations = 4096

const scramKeyLen = sha256.Size

// ScramVerifier is the server-side credential for one user: the pieces a
// verifier needs without ever storing the plaintext password, per RFC 5802.
type ScramVerifier struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewScramVerifier derives a verifier from a plaintext password, the way
// postgres does at CREATE/ALTER ROLE time.
func NewScramVerifier(password string) (ScramVerifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return ScramVerifier{}, err
	}
	salted := saltPassword(password, salt, ScramIterations)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))
	return ScramVerifier{Salt: salt, Iterations: ScramIterations, StoredKey: storedKey[:], ServerKey: serverKey}, nil
}

func saltPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, scramKeyLen, sha256.New)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// scramServerHandshake runs the SCRAM-SHA-256 exchange from the server side
// (spec.md C10: authenticating an inbound client). clientFirst is the bare
// message from SASLInitialResponse (no gs2 header interpretation needed
// beyond locating "n=" and "r="); the caller carries the server-first and
// client-final messages over its own wire I/O, and verify checks the
// client-final message.
type scramServerHandshake struct {
	verifier    ScramVerifier
	clientNonce string
	serverNonce string
	clientFirst string
	serverFirst string
}

func newScramServerHandshake(verifier ScramVerifier, clientFirst []byte) (*scramServerHandshake, string, error) {
	bare, clientNonce, err := parseClientFirst(string(clientFirst))
	if err != nil {
		return nil, "", err
	}
	serverNonceRaw := make([]byte, 18)
	if _, err := rand.Read(serverNonceRaw); err != nil {
		return nil, "", err
	}
	serverNonce := clientNonce + base64.RawStdEncoding.EncodeToString(serverNonceRaw)
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce,
		base64.StdEncoding.EncodeToString(verifier.Salt), verifier.Iterations)

	h := &scramServerHandshake{
		verifier:    verifier,
		clientNonce: clientNonce,
		serverNonce: serverNonce,
		clientFirst: bare,
		serverFirst: serverFirst,
	}
	return h, serverFirst, nil
}

// verify checks the client's final message and returns the server-final
// message ("v=...") to send back, or an error if the proof doesn't match.
func (h *scramServerHandshake) verify(clientFinal string) (string, error) {
	withoutProof, proofB64, err := splitClientFinal(clientFinal)
	if err != nil {
		return "", err
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil || len(proof) != scramKeyLen {
		return "", fmt.Errorf("auth: malformed SCRAM client proof")
	}

	authMessage := h.clientFirst + "," + h.serverFirst + "," + withoutProof
	clientSignature := hmacSHA256(h.verifier.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)
	storedKey := sha256.Sum256(clientKey)
	if subtle.ConstantTimeCompare(storedKey[:], h.verifier.StoredKey) != 1 {
		return "", fmt.Errorf("auth: SCRAM proof mismatch")
	}

	serverSignature := hmacSHA256(h.verifier.ServerKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

func parseClientFirst(msg string) (bare string, nonce string, err error) {
	// Strip the gs2 header ("n,," or "y,," or "p=...,,"), leaving the bare
	// message the RFC's AuthMessage is built from.
	idx := strings.Index(msg, "n=")
	if idx < 0 {
		return "", "", fmt.Errorf("auth: malformed SCRAM client-first-message")
	}
	bare = msg[idx:]
	for _, part := range strings.Split(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			return bare, part[2:], nil
		}
	}
	return "", "", fmt.Errorf("auth: SCRAM client-first-message missing nonce")
}

func splitClientFinal(msg string) (withoutProof string, proof string, err error) {
	parts := strings.Split(msg, ",")
	var kept []string
	for _, p := range parts {
		if strings.HasPrefix(p, "p=") {
			proof = p[2:]
			continue
		}
		kept = append(kept, p)
	}
	if proof == "" {
		return "", "", fmt.Errorf("auth: SCRAM client-final-message missing proof")
	}
	return strings.Join(kept, ","), proof, nil
}

// scramClientHandshake drives the SCRAM-SHA-256 exchange from the client
// side (pkg/auth used by pkg/server.Authenticator to log the proxy itself
// into a real backend).
type scramClientHandshake struct {
	password    string
	nonce       string
	clientFirst string
}

func newScramClientHandshake(user, password string) (*scramClientHandshake, []byte, error) {
	nonceRaw := make([]byte, 18)
	if _, err := rand.Read(nonceRaw); err != nil {
		return nil, nil, err
	}
	nonce := base64.RawStdEncoding.EncodeToString(nonceRaw)
	bare := "n=" + strings.ReplaceAll(user, ",", "=2C") + ",r=" + nonce
	first := "n,," + bare
	return &scramClientHandshake{password: password, nonce: nonce, clientFirst: bare}, []byte(first), nil
}

// next consumes the server-first-message and returns the client-final
// message to send plus the expected server signature to check against the
// server-final-message.
func (h *scramClientHandshake) next(serverFirst string) (clientFinal []byte, expectedSig []byte, err error) {
	var nonce, saltB64 string
	iterations := 0
	for _, part := range strings.Split(serverFirst, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return nil, nil, fmt.Errorf("auth: malformed SCRAM iteration count")
			}
		}
	}
	if !strings.HasPrefix(nonce, h.nonce) {
		return nil, nil, fmt.Errorf("auth: SCRAM server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: malformed SCRAM salt")
	}

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	withoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := h.clientFirst + "," + serverFirst + "," + withoutProof

	salted := saltPassword(h.password, salt, iterations)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	proof := xorBytes(clientKey, clientSignature)

	serverKey := hmacSHA256(salted, []byte("Server Key"))
	expectedSig = hmacSHA256(serverKey, []byte(authMessage))

	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return []byte(final), expectedSig, nil
}
