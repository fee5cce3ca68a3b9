package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/parimutuel/internal/crypto"
	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// SignatureHeader carries the participant's signature over SigningPayload.
const SignatureHeader = "X-Signature"

// TimestampHeader carries the unix second the request was signed at.
const TimestampHeader = "X-Signature-Timestamp"

// maxSignedBody bounds the request body read for signature checks.
const maxSignedBody = 1 << 20

type signerKey struct{}

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header or a static key in the X-API-Key header.
// If apiKey is empty, the middleware passes all requests through (disabled).
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SigningPayload is the message a participant signs for a request:
// "METHOD PATH\n", the decimal unix timestamp sent in TimestampHeader and
// "\n", then the raw body.
func SigningPayload(method, path, timestamp string, body []byte) []byte {
	out := make([]byte, 0, len(method)+len(path)+len(timestamp)+3+len(body))
	out = append(out, method...)
	out = append(out, ' ')
	out = append(out, path...)
	out = append(out, '\n')
	out = append(out, timestamp...)
	out = append(out, '\n')
	return append(out, body...)
}

// DefaultSignatureSkew is how far a signed timestamp may drift from the
// server clock when SignatureConfig.MaxSkew is unset.
const DefaultSignatureSkew = 5 * time.Minute

// SignatureConfig configures Signature.
type SignatureConfig struct {
	// Replay records accepted signed requests; a request seen before is
	// rejected. Entries live for twice MaxSkew, which outlasts the window
	// in which their timestamp is accepted.
	Replay  domain.LockManager
	MaxSkew time.Duration
	Now     func() time.Time
}

// Signature returns middleware that recovers the participant address from
// the X-Signature header and stores it in the request context. Requests
// without the header pass through unauthenticated. A signed request must
// carry a TimestampHeader within MaxSkew of now and must not repeat an
// earlier request by the same signer; otherwise it is rejected with 401.
// Two identical requests from one signer therefore need distinct
// timestamps.
func Signature(cfg SignatureConfig) func(http.Handler) http.Handler {
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = DefaultSignatureSkew
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := strings.TrimSpace(r.Header.Get(SignatureHeader))
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}

			stamp := strings.TrimSpace(r.Header.Get(TimestampHeader))
			ts, err := strconv.ParseInt(stamp, 10, 64)
			if err != nil {
				writeUnauthorized(w, TimestampHeader+" header required")
				return
			}
			if drift := now().Sub(time.Unix(ts, 0)); drift > skew || drift < -skew {
				writeUnauthorized(w, "stale signature")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			payload := SigningPayload(r.Method, r.URL.Path, stamp, body)
			addr, err := crypto.RecoverSigner(payload, sig)
			if err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}

			if cfg.Replay != nil {
				// Keyed on signer and payload, not signature bytes, so a
				// re-encoded signature over the same request still collides.
				key := "sig:" + addr.Hex() + ":" + hex.EncodeToString(ethcrypto.Keccak256(payload))
				if _, err := cfg.Replay.Acquire(r.Context(), key, 2*skew); err != nil {
					if errors.Is(err, domain.ErrLockHeld) {
						writeUnauthorized(w, "signature already used")
						return
					}
					writeJSONError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithSigner(r.Context(), addr)))
		})
	}
}

// WithSigner returns ctx carrying addr as the authenticated participant.
func WithSigner(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, signerKey{}, addr)
}

// SignerFrom returns the participant recovered by Signature.
func SignerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(signerKey{}).(common.Address)
	return addr, ok
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
