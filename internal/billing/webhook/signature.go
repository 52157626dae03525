package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "Billing-Signature"

// DefaultTolerance bounds how old a signed timestamp may be before the
// delivery is rejected as a possible replay.
const DefaultTolerance = 5 * time.Minute

// Verifier checks the "t=<unix>,v1=<hex>" signature scheme: the signed
// payload is "<t>.<raw body>" and v1 is its hex HMAC-SHA256 under the shared
// secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	clock     clock.Clock
}

func NewVerifier(secret string, tolerance time.Duration, clk clock.Clock) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		clock:     clk,
	}
}

// Verify reports ErrInvalidSignature for every failure mode so callers leak
// nothing about which check tripped.
func (v *Verifier) Verify(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" || len(v.secret) == 0 {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := v.clock.Now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return domain.ErrInvalidSignature
	}

	signed := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(signed))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign produces a header value for the given payload and timestamp. Test
// helpers and the local replay tool use it; the server never signs.
func (v *Verifier) Sign(payload []byte, ts time.Time) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	signed := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(signed))
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" && value != "" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
