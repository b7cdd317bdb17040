// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// QueryParam is the query parameter consulted by BearerTokenOrQuery.
const QueryParam = "access_token"

// BearerToken returns middleware that accepts requests whose Authorization
// header carries a bearer token equal to one of tokens. Several tokens may be
// active at once during rotation. The scheme name is case-insensitive.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	return middleware(newTokenSet(tokens), false)
}

// BearerTokenOrQuery is BearerToken that also accepts the token in the
// access_token query parameter, for clients such as browsers opening
// WebSockets that cannot set headers.
func BearerTokenOrQuery(tokens ...string) func(http.Handler) http.Handler {
	return middleware(newTokenSet(tokens), true)
}

type tokenSet [][]byte

func newTokenSet(tokens []string) tokenSet {
	var set tokenSet
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			set = append(set, []byte(t))
		}
	}
	return set
}

// match reports whether got equals any token. Every token is compared.
func (s tokenSet) match(got []byte) bool {
	ok := 0
	for _, want := range s {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

func middleware(set tokenSet, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, found := bearer(r.Header.Get("Authorization"))
			if !found && allowQuery {
				got = r.URL.Query().Get(QueryParam)
				found = got != ""
			}

			if !found {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			if !set.match([]byte(got)) {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="corerecon"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
