package oauth

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/planfirst/mcp-auth/security"
)

// The browser-facing pages share a small inline stylesheet; the CSP set by
// security.SetHTMLSecurityHeaders permits inline styles but forbids scripts.
// All dynamic values pass through html/template escaping.

const pageStyle = `
    * { margin: 0; padding: 0; box-sizing: border-box; }
    body {
        font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
        background: #f4f5f7;
        min-height: 100vh;
        display: flex;
        align-items: center;
        justify-content: center;
        color: #1a1a2e;
    }
    .card {
        background: #fff;
        border-radius: 8px;
        box-shadow: 0 2px 12px rgba(0, 0, 0, 0.08);
        padding: 2rem;
        width: 100%;
        max-width: 420px;
    }
    h1 { font-size: 1.4rem; margin-bottom: 1rem; }
    p { margin-bottom: 1rem; line-height: 1.5; color: #444; }
    label { display: block; margin-bottom: 0.25rem; font-size: 0.9rem; color: #444; }
    input {
        width: 100%;
        padding: 0.6rem;
        margin-bottom: 1rem;
        border: 1px solid #ccc;
        border-radius: 4px;
        font-size: 1rem;
    }
    button {
        width: 100%;
        padding: 0.7rem;
        border: none;
        border-radius: 4px;
        font-size: 1rem;
        cursor: pointer;
        background: #2563eb;
        color: #fff;
    }
    button.deny { background: #e5e7eb; color: #1a1a2e; margin-top: 0.5rem; }
    ul { margin: 0 0 1rem 1.2rem; }
    li { margin-bottom: 0.4rem; color: #444; }
    .error {
        background: #fde8e8;
        color: #9b1c1c;
        border-radius: 4px;
        padding: 0.6rem;
        margin-bottom: 1rem;
        font-size: 0.9rem;
    }
`

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign In</title>
    <style>` + pageStyle + `</style>
</head>
<body>
    <div class="card">
        <h1>Sign In</h1>
        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        <form method="POST" action="/oauth/login">
            <label for="username">Username</label>
            <input type="text" id="username" name="username" autocomplete="username" required autofocus>
            <label for="password">Password</label>
            <input type="password" id="password" name="password" autocomplete="current-password" required>
            <button type="submit">Sign In</button>
        </form>
    </div>
</body>
</html>
`))

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize Access</title>
    <style>` + pageStyle + `</style>
</head>
<body>
    <div class="card">
        <h1>Authorize {{.ClientName}}</h1>
        <p><strong>{{.ClientName}}</strong> is requesting access to:</p>
        <ul>
            {{range .Scopes}}<li>{{.}}</li>{{else}}<li>Basic access</li>{{end}}
        </ul>
        <form method="POST" action="/oauth/authorize">
            <button type="submit" name="approve" value="true">Allow</button>
            <button type="submit" name="approve" value="false" class="deny">Deny</button>
        </form>
    </div>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>` + pageStyle + `</style>
</head>
<body>
    <div class="card">
        <h1>{{.Title}}</h1>
        <p>{{.Message}}</p>
    </div>
</body>
</html>
`))

// renderPage executes a template into a buffer first so a template failure
// can't leave a half-written response body.
func (h *Handler) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
		security.SetHTMLSecurityHeaders(w, h.server.Config.Issuer)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	security.SetHTMLSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) renderLoginPage(w http.ResponseWriter, errorMessage string) {
	h.renderPage(w, http.StatusOK, loginTemplate, struct {
		Error string
	}{Error: errorMessage})
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, title, message string) {
	h.renderPage(w, status, errorTemplate, struct {
		Title   string
		Message string
	}{Title: title, Message: message})
}

// renderConsentForPending renders the consent page for a pending authorization
// request, naming the client and describing the requested scopes.
func (h *Handler) renderConsentForPending(w http.ResponseWriter, r *http.Request, pendingToken string) {
	pending, err := h.server.GetPendingAuthorization(r.Context(), pendingToken)
	if err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, "Request Expired", "the authorization request has expired, please start over")
		return
	}

	clientName := pending.ClientID
	if client, err := h.server.GetClient(r.Context(), pending.ClientID); err == nil && client.ClientName != "" {
		clientName = client.ClientName
	}

	var scopes []string
	for _, scope := range splitScopeList(pending.Request.Scope) {
		scopes = append(scopes, h.server.Config.ScopeDescription(scope))
	}

	h.renderPage(w, http.StatusOK, consentTemplate, struct {
		ClientName string
		Scopes     []string
	}{ClientName: clientName, Scopes: scopes})
}
