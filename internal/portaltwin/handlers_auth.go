package portaltwin

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type ctxKey struct{}

func (t *Twin) issueTokenLocked(username string) string {
	token := "tok_" + newID()
	t.tokens[token] = username
	return token
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(32 << 20)
	}
	return r.ParseForm()
}

func (t *Twin) generateToken(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeError(w, 400, "Unable to parse request")
		return
	}
	username := r.Form.Get("username")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("generateToken", username, "", r)

	u, ok := t.users[username]
	if !ok || u.Password != r.Form.Get("password") {
		writeError(w, 400, "Unable to generate token. Invalid username or password.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   t.issueTokenLocked(username),
		"expires": t.now().Add(2 * time.Hour).UnixMilli(),
		"ssl":     false,
	})
}

// tokenAuth resolves the token parameter to a user. A missing token is 499,
// an unknown one 498, both reported in the error body.
func (t *Twin) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(r); err != nil {
			writeError(w, 400, "Unable to parse request")
			return
		}
		token := r.Form.Get("token")
		if token == "" {
			writeError(w, 499, "Token Required")
			return
		}
		t.mu.Lock()
		username, ok := t.tokens[token]
		t.mu.Unlock()
		if !ok {
			writeError(w, 498, "Invalid token.")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, username)))
	})
}

func caller(r *http.Request) string {
	u, _ := r.Context().Value(ctxKey{}).(string)
	return u
}

func (t *Twin) self(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("self", caller(r), "", r)

	u := t.users[caller(r)]
	writeJSON(w, http.StatusOK, map[string]any{
		"username":          u.Username,
		"fullName":          u.FullName,
		"orgId":             u.OrgID,
		"role":              "org_publisher",
		"userLicenseTypeId": u.LicenseType,
	})
}
