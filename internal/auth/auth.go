package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthenticationFailed covers unknown server ids and token mismatches.
// Callers must not distinguish the two; doing so would leak which server ids
// exist.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Verifier checks per-server shared secrets. A configured token starting
// with "$2" is treated as a bcrypt hash so secrets need not live in the
// environment in cleartext.
type Verifier struct {
	tokens map[string]string
}

func NewVerifier(tokens map[string]string) *Verifier {
	copied := make(map[string]string, len(tokens))
	for id, token := range tokens {
		copied[id] = token
	}
	return &Verifier{tokens: copied}
}

// Verify checks the presented token for a server id.
func (v *Verifier) Verify(serverID, token string) error {
	expected, ok := v.tokens[serverID]
	if !ok || token == "" {
		return ErrAuthenticationFailed
	}

	if strings.HasPrefix(expected, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(expected), []byte(token)) != nil {
			return ErrAuthenticationFailed
		}
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}
