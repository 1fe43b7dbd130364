// Package auth authenticates API callers by secp256k1 request signatures.
//
// A caller's identity is keccak256 of their uncompressed public key. Each
// mutating request carries a unix timestamp and a 65-byte signature over
// keccak256(timestamp "\n" method "\n" path "\n" body); the server recovers
// the public key from the signature, so no key registry is needed. A signed
// request is accepted once: its digest is remembered until the timestamp
// falls out of the skew window.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

const (
	HeaderTimestamp = "X-Parimutuel-Timestamp"
	HeaderSignature = "X-Parimutuel-Signature"

	// HeaderCaller names the caller directly when signatures are disabled.
	HeaderCaller = "X-Parimutuel-Caller"

	maxBodyBytes = 1 << 20
)

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrBadSignature     = errors.New("auth: invalid signature")
	ErrStaleTimestamp   = errors.New("auth: timestamp outside allowed skew")
	ErrMissingCaller    = errors.New("auth: missing caller")
	ErrReplayed         = fmt.Errorf("%w: request already used", ErrBadSignature)
)

// Identity derives the principal ID for a public key.
func Identity(pub *ecdsa.PublicKey) model.ID {
	return model.ID(crypto.Keccak256Hash(crypto.FromECDSAPub(pub)[1:]))
}

// digest is the hash a request signature commits to.
func digest(ts int64, method, path string, body []byte) []byte {
	head := fmt.Sprintf("%d\n%s\n%s\n", ts, method, path)
	return crypto.Keccak256([]byte(head), body)
}

// SignRequest signs r with key at time now and sets the signature headers.
// The body is read and replaced so r can still be sent.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := now.Unix()
	sig, err := crypto.Sign(digest(ts, r.Method, r.URL.Path, body), key)
	if err != nil {
		return fmt.Errorf("auth: sign request: %w", err)
	}
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// Verifier resolves the caller of each request.
type Verifier struct {
	enabled bool
	maxSkew time.Duration
	seen    store.Locker
	now     func() time.Time
	logger  *slog.Logger
}

// NewVerifier creates a Verifier. With enabled false, callers are taken
// from HeaderCaller unverified; use that only in development. seen records
// accepted requests so they cannot be replayed; pass a RedisLocker when
// several instances serve the API. A nil seen uses an in-process locker.
func NewVerifier(enabled bool, maxSkew time.Duration, seen store.Locker, logger *slog.Logger) *Verifier {
	if seen == nil {
		seen = store.NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{enabled: enabled, maxSkew: maxSkew, seen: seen, now: time.Now, logger: logger}
}

// Verify returns the identity that signed r. The body is restored.
func (v *Verifier) Verify(r *http.Request) (model.ID, error) {
	if !v.enabled {
		raw := r.Header.Get(HeaderCaller)
		if raw == "" {
			return model.ID{}, ErrMissingCaller
		}
		id, err := model.ParseID(raw)
		if err != nil {
			return model.ID{}, fmt.Errorf("%w: %v", ErrMissingCaller, err)
		}
		return id, nil
	}

	rawTS, rawSig := r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature)
	if rawTS == "" || rawSig == "" {
		return model.ID{}, ErrMissingSignature
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return model.ID{}, fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, rawTS)
	}
	if skew := v.now().Sub(time.Unix(ts, 0)).Abs(); skew > v.maxSkew {
		return model.ID{}, fmt.Errorf("%w: %s", ErrStaleTimestamp, skew)
	}
	sig, err := hexutil.Decode(rawSig)
	if err != nil || len(sig) != crypto.SignatureLength {
		return model.ID{}, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}

	body, err := readBody(r)
	if err != nil {
		return model.ID{}, err
	}
	d := digest(ts, r.Method, r.URL.Path, body)
	pub, err := crypto.SigToPub(d, sig)
	if err != nil {
		return model.ID{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	caller := Identity(pub)
	if err := v.markUsed(r.Context(), d, caller); err != nil {
		return model.ID{}, err
	}
	return caller, nil
}

// markUsed records the (digest, signer) pair for as long as its timestamp
// can pass the skew check. The key ignores the signature bytes, so a
// malleated signature over the same request is rejected too. A client
// repeating an identical request must wait for the next second.
func (v *Verifier) markUsed(ctx context.Context, d []byte, caller model.ID) error {
	key := "replay:" + hexutil.Encode(crypto.Keccak256(d, caller[:]))
	_, err := v.seen.Acquire(ctx, key, 2*v.maxSkew+time.Second)
	switch {
	case errors.Is(err, store.ErrLockHeld):
		return ErrReplayed
	case err != nil:
		return fmt.Errorf("auth: record request: %w", err)
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// caller in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.Verify(r)
		if err != nil {
			v.logger.Warn("unauthenticated request", "method", r.Method, "path", r.URL.Path, "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

type callerKey struct{}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller model.ID) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller stored by Middleware.
func CallerFrom(ctx context.Context) (model.ID, bool) {
	id, ok := ctx.Value(callerKey{}).(model.ID)
	return id, ok
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("auth: read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
