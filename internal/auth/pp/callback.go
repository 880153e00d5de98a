package pp

import (
	"fmt"
	"net/http"

	"github.com/peak1031/ppsync/internal/auth/token"
)

// HandleCallback processes the OAuth callback from PracticePanther, exchanging
// the authorization code for a token pair and persisting it.
func HandleCallback(mgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify state token
		state := r.URL.Query().Get("state")
		if state != GetStateToken() {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}

		// Redirect URL must match the one used on login
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		redirectURL := fmt.Sprintf("%s://%s/auth/pp/callback", scheme, r.Host)

		row, err := mgr.ExchangeAuthorizationCode(r.Context(), code, redirectURL)
		if err != nil {
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>PracticePanther Connected</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; }
		.success { color: #16a34a; }
		code { background: #f3f4f6; padding: 2px 6px; border-radius: 4px; }
	</style>
</head>
<body>
	<h1 class="success">&#9989; PracticePanther Connected</h1>
	<p>The sync engine is authorized and ready.</p>
	<p><strong>Token expires:</strong> <code>%s</code></p>
</body>
</html>`, row.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	}
}
