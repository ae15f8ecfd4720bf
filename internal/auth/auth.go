// Package auth is the opaque credential check at the registration
// boundary. The configured token is stretched with Argon2id at startup
// and presented credentials are compared in constant time; the bus never
// sees or stores the raw token after that.
package auth

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

type Verifier struct {
	salt   [16]byte
	digest []byte
}

// NewVerifier derives the comparison digest from the shared token. An
// empty token returns nil, which Verify treats as "checks disabled".
func NewVerifier(token string) *Verifier {
	if token == "" {
		return nil
	}
	v := &Verifier{}
	if _, err := rand.Read(v.salt[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// nothing sensible to do but propagate via panic at startup.
		panic(err)
	}
	v.digest = derive(token, v.salt)
	return v
}

// Verify reports whether the presented credential matches. A nil verifier
// accepts everything.
func (v *Verifier) Verify(presented string) bool {
	if v == nil {
		return true
	}
	candidate := derive(presented, v.salt)
	return subtle.ConstantTimeCompare(candidate, v.digest) == 1
}

func derive(token string, salt [16]byte) []byte {
	return argon2.IDKey([]byte(token), salt[:], 1, 64*1024, 4, 32)
}
