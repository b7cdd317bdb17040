package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, target, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("secret-token-123")(okHandler)

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"valid", "Bearer secret-token-123", http.StatusOK},
		{"lowercase scheme", "bearer secret-token-123", http.StatusOK},
		{"padded token", "Bearer  secret-token-123 ", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"no scheme", "secret-token-123", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"prefix of token", "Bearer secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(h, "/", tt.value)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestBearerToken_UnauthorizedResponse(t *testing.T) {
	t.Parallel()

	rec := serve(BearerToken("secret")(okHandler), "/", "Bearer nope")

	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="corerecon"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Body.String(); got != `{"error":"invalid token"}` {
		t.Errorf("body = %q", got)
	}
}

func TestBearerToken_Rotation(t *testing.T) {
	t.Parallel()

	h := BearerToken("old", " new ", "")(okHandler)

	for _, tok := range []string{"old", "new"} {
		if rec := serve(h, "/", "Bearer "+tok); rec.Code != http.StatusOK {
			t.Errorf("token %q: status = %d, want 200", tok, rec.Code)
		}
	}
	if rec := serve(h, "/", "Bearer other"); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown token: status = %d, want 401", rec.Code)
	}
}

func TestBearerToken_NoTokensRejectsAll(t *testing.T) {
	t.Parallel()

	h := BearerToken("", "  ")(okHandler)
	if rec := serve(h, "/", "Bearer anything"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBearerToken_IgnoresQuery(t *testing.T) {
	t.Parallel()

	h := BearerToken("secret")(okHandler)
	if rec := serve(h, "/?access_token=secret", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBearerTokenOrQuery(t *testing.T) {
	t.Parallel()

	h := BearerTokenOrQuery("secret")(okHandler)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"query token", "/ws/alerts?access_token=secret", "", http.StatusOK},
		{"header token", "/ws/alerts", "Bearer secret", http.StatusOK},
		{"header wins over query", "/ws/alerts?access_token=secret", "Bearer wrong", http.StatusUnauthorized},
		{"wrong query token", "/ws/alerts?access_token=nope", "", http.StatusUnauthorized},
		{"empty query token", "/ws/alerts?access_token=", "", http.StatusUnauthorized},
		{"nothing", "/ws/alerts", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(h, tt.target, tt.header)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestTokenSet_Match(t *testing.T) {
	t.Parallel()

	set := newTokenSet([]string{"a", "bb"})
	for in, want := range map[string]bool{"a": true, "bb": true, "b": false, "": false, "abb": false} {
		if got := set.match([]byte(in)); got != want {
			t.Errorf("match(%q) = %v, want %v", in, got, want)
		}
	}
}
