package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SignatureHeader carries hex(HMAC-SHA256(body, secret)).
const SignatureHeader = "signature"

const signaturePrefix = "sha256="

var (
	// ErrMissingSignature indicates that the signature header was empty.
	ErrMissingSignature = errors.New("webhook: missing signature")
	// ErrInvalidSignature indicates that the signature did not match the body.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// Verifier checks webhook signatures. A verifier without a secret accepts
// every request.
type Verifier struct {
	secret   []byte
	logger   *zap.Logger
	warnOnce sync.Once
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), logger: logger}
}

// Sign returns the signature of body, as a sender would compute it.
func (verifier *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time.
func (verifier *Verifier) Verify(body []byte, signature string) error {
	if len(verifier.secret) == 0 {
		verifier.warnOnce.Do(func() {
			verifier.logger.Warn("webhook secret not configured, signatures are not verified")
		})
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(signature))
	normalized = strings.TrimPrefix(normalized, signaturePrefix)
	if normalized == "" {
		return ErrMissingSignature
	}
	provided, err := hex.DecodeString(normalized)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
