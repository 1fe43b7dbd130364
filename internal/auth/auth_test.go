package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/parimutuel/internal/model"
)

var now = time.Unix(1_760_000_000, 0)

func newVerifier(enabled bool) *Verifier {
	v := NewVerifier(enabled, time.Minute, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.now = func() time.Time { return now }
	return v
}

func signedRequest(t *testing.T, body string, at time.Time) (*http.Request, model.ID) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	r := httptest.NewRequest("POST", "/api/v1/markets/abc/bet", strings.NewReader(body))
	if err := SignRequest(r, key, at); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return r, Identity(&key.PublicKey)
}

func TestVerify_RecoversSigner(t *testing.T) {
	r, want := signedRequest(t, `{"side":"yes","amount":"10"}`, now)

	got, err := newVerifier(true).Verify(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Errorf("expected caller %s, got %s", want, got)
	}

	body, _ := io.ReadAll(r.Body)
	if string(body) != `{"side":"yes","amount":"10"}` {
		t.Errorf("body must be restored after verification, got %q", body)
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := newVerifier(true)

	t.Run("missing headers", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/x", nil)
		if _, err := v.Verify(r); !errors.Is(err, ErrMissingSignature) {
			t.Errorf("expected ErrMissingSignature, got %v", err)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		r, _ := signedRequest(t, "{}", now.Add(-2*time.Minute))
		if _, err := v.Verify(r); !errors.Is(err, ErrStaleTimestamp) {
			t.Errorf("expected ErrStaleTimestamp, got %v", err)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		r, signer := signedRequest(t, `{"amount":"10"}`, now)
		r.Body = io.NopCloser(strings.NewReader(`{"amount":"99"}`))
		got, err := v.Verify(r)
		if err == nil && got == signer {
			t.Error("tampered body must not verify as the original signer")
		}
	})

	t.Run("tampered path", func(t *testing.T) {
		r, signer := signedRequest(t, "{}", now)
		r.URL.Path = "/api/v1/markets/other/bet"
		got, err := v.Verify(r)
		if err == nil && got == signer {
			t.Error("tampered path must not verify as the original signer")
		}
	})

	t.Run("malformed signature", func(t *testing.T) {
		r, _ := signedRequest(t, "{}", now)
		r.Header.Set(HeaderSignature, "0x1234")
		if _, err := v.Verify(r); !errors.Is(err, ErrBadSignature) {
			t.Errorf("expected ErrBadSignature, got %v", err)
		}
	})
}

func TestVerify_RejectsReplay(t *testing.T) {
	v := newVerifier(true)
	body := `{"side":"yes","amount":"100"}`
	r, want := signedRequest(t, body, now)

	got, err := v.Verify(r)
	if err != nil || got != want {
		t.Fatalf("first use: expected caller %s, got %s (%v)", want, got, err)
	}

	again := httptest.NewRequest("POST", r.URL.Path, strings.NewReader(body))
	again.Header = r.Header.Clone()
	if _, err := v.Verify(again); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected resent request to fail with ErrBadSignature, got %v", err)
	}

	// Same signer, new timestamp: a distinct request.
	key, _ := crypto.GenerateKey()
	first := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	second := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	if err := SignRequest(first, key, now); err != nil {
		t.Fatal(err)
	}
	if err := SignRequest(second, key, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(first); err != nil {
		t.Fatalf("verify first: %v", err)
	}
	if _, err := v.Verify(second); err != nil {
		t.Errorf("a re-signed request with a new timestamp must pass: %v", err)
	}
}

func TestVerify_Disabled(t *testing.T) {
	v := newVerifier(false)
	var id model.ID
	id[31] = 7

	r := httptest.NewRequest("POST", "/x", nil)
	if _, err := v.Verify(r); !errors.Is(err, ErrMissingCaller) {
		t.Errorf("expected ErrMissingCaller, got %v", err)
	}

	r.Header.Set(HeaderCaller, id.Hex())
	got, err := v.Verify(r)
	if err != nil || got != id {
		t.Errorf("expected caller %s, got %s (%v)", id, got, err)
	}
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(true)
	var seen model.ID
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"Unauthorized"`) {
		t.Errorf("expected Unauthorized code in body, got %s", w.Body.String())
	}

	r, want := signedRequest(t, "{}", now)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if seen != want {
		t.Errorf("expected caller %s in context, got %s", want, seen)
	}

	replay := httptest.NewRequest("POST", r.URL.Path, strings.NewReader("{}"))
	replay.Header = r.Header.Clone()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, replay)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected replayed request to get 401, got %d", w.Code)
	}
}
