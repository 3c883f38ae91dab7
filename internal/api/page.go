package api

import (
	"html/template"
	"net/http"
	"net/url"
	"time"

	"teenlancer/internal/models"
)

type approvePageView struct {
	Title       string
	Message     string
	Token       string
	Status      models.ApprovalStatus
	ExpiresAt   time.Time
	ShowActions bool
}

// ApproveURL is relative so the page works behind any host name.
func (v approvePageView) ApproveURL() string {
	return "/parent-approve?" + url.Values{"token": {v.Token}, "action": {"approve"}}.Encode()
}

var approvePage = template.Must(template.New("parent_approve").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>{{.Title}} · teenlancer</title>
<style>
body{font-family:system-ui,sans-serif;max-width:32rem;margin:3rem auto;padding:0 1rem;color:#1d2433}
.status{display:inline-block;padding:.2rem .6rem;border-radius:1rem;background:#eef1f6;font-size:.85rem}
a.button,button{display:inline-block;padding:.6rem 1.2rem;border-radius:.4rem;border:0;font-size:1rem;text-decoration:none;cursor:pointer}
a.approve{background:#1f7a4d;color:#fff}
button.reject{background:#b3261e;color:#fff}
textarea{width:100%;min-height:4rem;margin:.5rem 0}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Status}}<p class="status" data-status="{{.Status}}">{{.Status}}</p>{{end}}
<p>{{.Message}}</p>
{{if .ShowActions}}
<p><a class="button approve" href="{{.ApproveURL}}">Approve</a></p>
<form method="get" action="/parent-approve">
<input type="hidden" name="token" value="{{.Token}}">
<input type="hidden" name="action" value="reject">
<label for="reason">Reason (optional)</label>
<textarea id="reason" name="reason" maxlength="500"></textarea>
<button class="reject" type="submit">Reject</button>
</form>
{{if not .ExpiresAt.IsZero}}<p><small>This request expires {{.ExpiresAt.Format "Jan 2, 2006 15:04 MST"}}.</small></p>{{end}}
{{end}}
</body>
</html>
`))

func renderApprovePage(w http.ResponseWriter, status int, v approvePageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = approvePage.Execute(w, v)
}
