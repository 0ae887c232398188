package quotes

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Signer computes and verifies quote signatures. The canonical byte layout is
// the interop contract: any reimplementation must reproduce it bit for bit.
type Signer struct {
	secret []byte
}

// NewSigner constructs a signer over the desk's shared secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Canonical renders the signed field list in its fixed order:
// quoteId|entityId|beneficiary|tokenAmount|discountBps|lockupMonths.
func Canonical(q *Quote) string {
	return strings.Join([]string{
		q.QuoteID,
		q.EntityID,
		q.Beneficiary,
		q.TokenAmount,
		fmt.Sprintf("%d", q.DiscountBps),
		fmt.Sprintf("%d", q.LockupMonths),
	}, "|")
}

// Sign computes the hex HMAC-SHA256 over the canonical field list.
func (s *Signer) Sign(q *Quote) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(Canonical(q)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(q *Quote) bool {
	expected := s.Sign(q)
	return hmac.Equal([]byte(expected), []byte(q.Signature))
}

// QuoteID derives the deterministic per-entity-per-day identifier. Repeated
// requests from one entity on the same UTC day resolve to the same ID, so a
// re-quote overwrites rather than duplicates.
func QuoteID(entityID string, day time.Time) string {
	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(day.UTC().Format("2006-01-02")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
