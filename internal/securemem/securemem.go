// Package securemem keeps the provider API key in memguard-locked
// memory so it cannot be recovered from swap or a core dump.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Shutdown wipes every live locked buffer. Call on process exit; the
// process owns its signal handling, so interrupts reach this through
// the normal shutdown path.
func Shutdown() {
	memguard.Purge()
}

// String holds a secret in a locked buffer.
type String struct {
	buf       *memguard.LockedBuffer
	destroyed bool
}

// NewString copies plaintext into protected memory. An empty plaintext
// allocates no buffer; memguard rejects zero-length allocations.
func NewString(plaintext string) *String {
	if plaintext == "" {
		return &String{}
	}
	return &String{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// Value returns a plaintext copy. The copy lives in ordinary memory;
// hand it to an API client and let it go out of scope promptly.
func (s *String) Value() string {
	if s == nil || s.destroyed || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// Len reports the secret's length without exposing it.
func (s *String) Len() int {
	if s == nil || s.destroyed || s.buf == nil {
		return 0
	}
	return len(s.buf.Bytes())
}

// IsEmpty reports whether the secret is empty or destroyed.
func (s *String) IsEmpty() bool {
	return s.Len() == 0
}

// Equal compares against plaintext in constant time.
func (s *String) Equal(other string) bool {
	if s == nil || s.destroyed || s.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// Destroy wipes the buffer. The String is unusable afterwards.
func (s *String) Destroy() {
	if s == nil || s.destroyed {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (s *String) Destroyed() bool {
	return s == nil || s.destroyed
}
