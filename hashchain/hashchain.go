// Package hashchain implements the iterated-hash preimage check used to
// validate SCION interface-revocation tokens (spec §4.1).
package hashchain

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// DefaultDepth is the default number of hash iterations searched, N in
// spec §4.1 ("n_tokens_check", default 20).
const DefaultDepth = 20

// hash is the chain's step function. blake2b-256 is used rather than
// the stdlib sha256, matching the teacher pack's golang.org/x/crypto
// dependency surface.
func hash(b []byte) [32]byte {
	return blake2b.Sum256(b)
}

// Verify reports whether committedToken is reachable from
// candidatePreimage by applying hash up to depth times, i.e. whether
// candidatePreimage lies within depth iterated hashes of
// committedToken. depth <= 0 is treated as DefaultDepth.
//
// The comparison at each step is constant-time (crypto/subtle), per
// spec §4.1's "must be constant-time in the comparison step" — this
// only defends the equality check itself; depth and early-exit timing
// are not disguised, matching what a preimage-search primitive can
// practically hide.
func Verify(candidatePreimage, committedToken []byte, depth int) bool {
	if depth <= 0 {
		depth = DefaultDepth
	}
	cur := candidatePreimage
	for i := 0; i < depth; i++ {
		h := hash(cur)
		if subtle.ConstantTimeCompare(h[:], committedToken) == 1 {
			return true
		}
		cur = h[:]
	}
	return false
}

// Token derives the revocation token published N hops back along a
// hash chain rooted at seed, i.e. applying hash N times to seed. It is
// provided for tests and simulators that need to construct a valid
// chain; production revocation verification only ever calls Verify.
func Token(seed []byte, n int) []byte {
	cur := append([]byte(nil), seed...)
	for i := 0; i < n; i++ {
		h := hash(cur)
		cur = h[:]
	}
	return cur
}
