package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/dobrevit/site-guard/pkg/blocklist"
)

// The interstitial is served to browser navigations from blocked clients. It
// explains the block and carries an inline appeal form posting to the appeal
// route, which stays reachable while blocked.
var interstitialTmpl = template.Must(template.New("interstitial").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Access temporarily blocked</title>
<style>
body { font-family: sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.4rem; }
.box { border: 1px solid #ddd; border-radius: 6px; padding: 1rem 1.5rem; background: #fafafa; }
label { display: block; margin-top: 0.8rem; font-weight: bold; }
textarea, input { width: 100%; margin-top: 0.3rem; padding: 0.4rem; box-sizing: border-box; }
button { margin-top: 1rem; padding: 0.5rem 1.2rem; }
.muted { color: #777; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>Access temporarily blocked</h1>
<div class="box">
<p>Your address <strong>{{.Address}}</strong> has been blocked due to: {{.Reason}}.</p>
<p>The block expires at <strong>{{.Until}}</strong> ({{.Remaining}} remaining).</p>
</div>
<h2>Request a review</h2>
<p class="muted">If you believe this block is a mistake, explain what you were doing. One appeal per day.</p>
<form method="post" action="/security/appeal" onsubmit="return submitAppeal(event)">
<label for="message">Explanation</label>
<textarea id="message" name="message" rows="4" minlength="10" required></textarea>
<label for="contact">Contact (optional)</label>
<input id="contact" name="contact" type="text">
<button type="submit">Submit appeal</button>
</form>
<p id="result" class="muted"></p>
<script>
async function submitAppeal(ev) {
  ev.preventDefault();
  const resp = await fetch('/security/appeal', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({
      message: document.getElementById('message').value,
      contact: document.getElementById('contact').value
    })
  });
  const data = await resp.json();
  document.getElementById('result').textContent =
    resp.ok ? 'Appeal submitted. Reference: ' + data.appealId : 'Error: ' + data.error;
  return false;
}
</script>
</body>
</html>
`))

type interstitialData struct {
	Address   string
	Reason    string
	Until     string
	Remaining string
}

func (s *Server) writeInterstitial(w http.ResponseWriter, clientID string, status blocklist.Status) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)

	data := interstitialData{
		Address:   clientID,
		Reason:    status.Reason,
		Until:     status.BlockedUntil.Format(time.RFC1123),
		Remaining: status.Remaining.Round(time.Second).String(),
	}
	if err := interstitialTmpl.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to render block page")
	}
}
