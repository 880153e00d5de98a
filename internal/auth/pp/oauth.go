package pp

import (
	"os"
	"strings"

	"golang.org/x/oauth2"
)

// Provider is the provider constant stored on every token row.
const Provider = "practicepanther"

// DefaultBaseURL is the production PracticePanther application host.
const DefaultBaseURL = "https://app.practicepanther.com"

// BaseURL returns the PracticePanther host, overridable for sandboxes/tests.
func BaseURL() string {
	if v := strings.TrimSpace(os.Getenv("PP_BASE_URL")); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return DefaultBaseURL
}

// GetOAuthConfig returns the OAuth2 config for the PracticePanther
// authorization-code flow. Client credentials come from the environment.
func GetOAuthConfig(redirectURL string) *oauth2.Config {
	base := BaseURL()
	return &oauth2.Config{
		ClientID:     os.Getenv("PP_CLIENT_ID"),
		ClientSecret: os.Getenv("PP_CLIENT_SECRET"),
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base + "/OAuth/Authorize",
			TokenURL: base + "/OAuth/Token",
			// PP's token endpoint wants client credentials form-encoded in the body.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// HasClientCredentials reports whether the OAuth client credentials are set.
func HasClientCredentials() bool {
	return strings.TrimSpace(os.Getenv("PP_CLIENT_ID")) != "" &&
		strings.TrimSpace(os.Getenv("PP_CLIENT_SECRET")) != ""
}
