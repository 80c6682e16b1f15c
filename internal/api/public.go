// SPDX-License-Identifier: MIT

package api

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"reelscribe/internal/metrics"
	"reelscribe/internal/urlkey"
)

var viewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, nofollow">
<title>Your Script</title>
<style>
body{font-family:-apple-system,system-ui,sans-serif;max-width:640px;margin:2rem auto;padding:0 1rem;color:#1a1a1a}
section{margin:1.5rem 0}
h2{font-size:.8rem;letter-spacing:.1em;text-transform:uppercase;color:#888}
pre{white-space:pre-wrap;font-family:inherit;font-size:1.05rem;line-height:1.5;margin:0}
button{padding:.6rem 1.2rem;border:none;border-radius:6px;background:#1a1a1a;color:#fff;font-size:1rem;cursor:pointer}
</style>
</head>
<body>
<h1>Your Script</h1>
{{range .Sections}}<section><h2>{{.Title}}</h2><pre>{{.Text}}</pre></section>
{{end}}<button onclick="navigator.clipboard.writeText(document.getElementById('full').textContent).then(()=>this.textContent='Copied!')">Copy script</button>
<pre id="full" hidden>{{.Full}}</pre>
</body>
</html>
`))

var notFoundPage = []byte(`<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>Not Found</title></head>
<body><h1>Script not found</h1><p>This link may have expired.</p></body></html>
`)

type viewSection struct {
	Title string
	Text  string
}

type viewData struct {
	Sections []viewSection
	Full     string
}

// handlePublicView serves the shareable script page. Cache-friendly: the
// script is immutable once minted.
func (s *Server) handlePublicView(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.ObserveIngressDuration("public_view", float64(time.Since(start).Milliseconds()))
	}()

	publicID := chi.URLParam(r, "publicId")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if !urlkey.ValidPublicID(publicID) {
		metrics.RecordRequest("public_view", "400")
		http.Error(w, "invalid script id", http.StatusBadRequest)
		return
	}

	sc, err := s.store.GetScriptByPublicID(r.Context(), publicID)
	if err != nil {
		metrics.RecordRequest("public_view", "500")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if sc == nil {
		metrics.RecordRequest("public_view", "404")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write(notFoundPage)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	metrics.RecordRequest("public_view", "200")
	if err := viewTemplate.Execute(w, viewData{
		Sections: parseSections(sc.ScriptText),
		Full:     sc.ScriptText,
	}); err != nil {
		s.logger.Debug().Err(err).Msg("view render failed")
	}
}

// parseSections splits the canonical layout into titled blocks. Scripts
// without markers render as a single body section.
func parseSections(text string) []viewSection {
	titles := map[string]string{
		"[HOOK]":         "Hook",
		"[BODY]":         "Body",
		"[CTA]":          "Call to Action",
		"[SCENES]":       "Scenes",
		"[VISUAL NOTES]": "Visual Notes",
	}
	var out []viewSection
	current := viewSection{Title: "Script"}
	flush := func() {
		if t := strings.TrimSpace(current.Text); t != "" {
			current.Text = t
			out = append(out, current)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if title, ok := titles[strings.TrimSpace(line)]; ok {
			flush()
			current = viewSection{Title: title}
			continue
		}
		current.Text += line + "\n"
	}
	flush()
	return out
}
