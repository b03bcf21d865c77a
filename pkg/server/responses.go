package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"

	"github.com/myquay/talos/pkg/engine"
	"github.com/myquay/talos/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorw("failed to write response", "error", err)
	}
}

func writeFlowError(w http.ResponseWriter, ferr *engine.FlowError) {
	writeJSON(w, ferr.HTTPStatus(), map[string]string{
		"error":             ferr.Code,
		"error_description": ferr.Description,
	})
}

// errorPage is rendered when an authorization error cannot be safely
// delivered to the client's redirect URI.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization error</title></head>
<body>
<h1>Authorization request rejected</h1>
<p><strong>{{.Code}}</strong>: {{.Description}}</p>
<p>The request could not be delivered back to the application because its
identity or redirect address could not be verified.</p>
</body>
</html>
`))

// writeAuthorizeError delivers an authorization error either by redirect
// (when the redirect URI was validated) or by rendering an error page.
func writeAuthorizeError(w http.ResponseWriter, r *http.Request, aerr *engine.AuthorizeError) {
	if aerr.RedirectURIUntrusted || aerr.RedirectURI == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		if err := errorPage.Execute(w, aerr); err != nil {
			logger.Errorw("failed to render error page", "error", err)
		}
		return
	}

	u, err := url.Parse(aerr.RedirectURI)
	if err != nil {
		http.Error(w, aerr.Code, http.StatusBadRequest)
		return
	}
	query := u.Query()
	query.Set("error", aerr.Code)
	query.Set("error_description", aerr.Description)
	if aerr.State != "" {
		query.Set("state", aerr.State)
	}
	u.RawQuery = query.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
