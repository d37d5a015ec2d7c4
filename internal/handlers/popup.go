package handlers

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/mknutsen/libris/internal/services"
)

// Message types the opener's listener discriminates on.
const (
	MessageTypeSuccess = "OAUTH_TOKEN_SUCCESS"
	MessageTypeError   = "OAUTH_ERROR"
)

// popupErrorPayload is the error half of the postMessage envelope.
type popupErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// popupMessage is the payload posted to window.opener. Success and error
// use the same shape so one listener handles both without throwing.
type popupMessage struct {
	Type     string             `json:"type"`
	Provider string             `json:"provider"`
	Token    string             `json:"token,omitempty"`
	Error    *popupErrorPayload `json:"error,omitempty"`
}

// popupCloseDelayMs keeps the page visible long enough for the opener to
// receive the message before the window disappears.
const popupCloseDelayMs = 1000

// The page posts its payload to the opener at the page's own origin, never
// "*". When there is no opener (in-app browsers open the flow in the same
// web view) it falls back to a custom-scheme deep link carrying the payload
// base64url-encoded in the URL.
var popupTemplate = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Signing in...</title>
<style>
  body { font-family: Arial, sans-serif; color: #333; text-align: center; padding-top: 80px; }
</style>
</head>
<body>
<p>{{.Text}}</p>
<p>This window will close automatically.</p>
<script>
(function() {
  var message = {{.MessageJSON}};
  if (window.opener) {
    window.opener.postMessage(message, window.location.origin);
    setTimeout(function() { window.close(); }, {{.CloseDelayMs}});
  } else {
    window.location.href = {{.DeepLink}};
  }
})();
</script>
</body>
</html>
`))

type popupPageData struct {
	Text         string
	MessageJSON  template.JS
	DeepLink     string
	CloseDelayMs int
}

// PopupRenderer renders the callback HTML page for both outcomes.
type PopupRenderer struct {
	mobileScheme string
}

// NewPopupRenderer creates a PopupRenderer. mobileScheme is the custom URL
// scheme used for the no-opener deep-link fallback.
func NewPopupRenderer(mobileScheme string) *PopupRenderer {
	return &PopupRenderer{mobileScheme: mobileScheme}
}

// RenderSuccess writes the 200 page carrying the temp token.
func (p *PopupRenderer) RenderSuccess(w http.ResponseWriter, provider, tempToken string) {
	p.render(w, http.StatusOK, "Sign-in complete.", popupMessage{
		Type:     MessageTypeSuccess,
		Provider: provider,
		Token:    tempToken,
	})
}

// RenderError writes an error page with the same message shape.
func (p *PopupRenderer) RenderError(w http.ResponseWriter, status int, oerr *services.OAuthError) {
	provider := oerr.Provider
	if provider == "" {
		provider = "unknown"
	}
	p.render(w, status, "Sign-in failed.", popupMessage{
		Type:     MessageTypeError,
		Provider: provider,
		Error: &popupErrorPayload{
			Message: oerr.Message,
			Code:    oerr.Code,
			Details: oerr.Details,
		},
	})
}

func (p *PopupRenderer) render(w http.ResponseWriter, status int, text string, msg popupMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data := popupPageData{
		Text:         text,
		MessageJSON:  template.JS(payload),
		DeepLink:     p.mobileScheme + "://oauth?payload=" + base64.RawURLEncoding.EncodeToString(payload),
		CloseDelayMs: popupCloseDelayMs,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// The page runs one inline script and must keep window.opener alive,
	// so the service-wide CSP and COOP are overridden here.
	w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'")
	w.Header().Set("Cross-Origin-Opener-Policy", "unsafe-none")
	w.WriteHeader(status)
	if err := popupTemplate.Execute(w, data); err != nil {
		// Headers are already sent; nothing left to do but note it.
		return
	}
}
