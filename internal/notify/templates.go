package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"
)

type ParentApprovalData struct {
	ParentName string
	TeenName   string
	BaseURL    string
	Token      string
	ExpiresAt  time.Time
}

func (d ParentApprovalData) link(action string) string {
	q := url.Values{}
	q.Set("token", d.Token)
	if action != "" {
		q.Set("action", action)
	}
	return strings.TrimRight(d.BaseURL, "/") + "/parent-approve?" + q.Encode()
}

func (d ParentApprovalData) ApproveURL() string { return d.link("approve") }
func (d ParentApprovalData) RejectURL() string  { return d.link("reject") }
func (d ParentApprovalData) ReviewURL() string  { return d.link("") }

var parentApprovalText = texttemplate.Must(texttemplate.New("parent_text").Parse(
	`Hi{{if .ParentName}} {{.ParentName}}{{end}},

{{.TeenName}} wants to join teenlancer and listed you as their parent or guardian.

Approve: {{.ApproveURL}}
Reject:  {{.RejectURL}}

Review the request first: {{.ReviewURL}}

This link expires {{.ExpiresAt.Format "Jan 2, 2006 15:04 MST"}}.
`))

var parentApprovalHTML = htmltemplate.Must(htmltemplate.New("parent_html").Parse(
	`<p>Hi{{if .ParentName}} {{.ParentName}}{{end}},</p>
<p><strong>{{.TeenName}}</strong> wants to join teenlancer and listed you as their parent or guardian.</p>
<p><a href="{{.ApproveURL}}">Approve</a> &middot; <a href="{{.RejectURL}}">Reject</a></p>
<p>Not sure? <a href="{{.ReviewURL}}">Review the request</a>.</p>
<p>This link expires {{.ExpiresAt.Format "Jan 2, 2006 15:04 MST"}}.</p>
`))

func ParentApprovalEmail(to string, d ParentApprovalData) (Email, error) {
	var text, html bytes.Buffer
	if err := parentApprovalText.Execute(&text, d); err != nil {
		return Email{}, err
	}
	if err := parentApprovalHTML.Execute(&html, d); err != nil {
		return Email{}, err
	}
	return Email{
		To:      to,
		Subject: fmt.Sprintf("%s needs your approval on teenlancer", d.TeenName),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

type SignupResultData struct {
	TeenName string
	Approved bool
	Reason   string
}

var signupResultText = texttemplate.Must(texttemplate.New("result_text").Parse(
	`Hi {{.TeenName}},

{{if .Approved}}Your parent approved your teenlancer account. Open the app to finish setting it up.{{else}}Your parent did not approve your teenlancer account.{{if .Reason}}
Reason: {{.Reason}}{{end}}{{end}}
`))

func SignupResultEmail(to string, d SignupResultData) (Email, error) {
	var text bytes.Buffer
	if err := signupResultText.Execute(&text, d); err != nil {
		return Email{}, err
	}
	subject := "Your teenlancer signup was not approved"
	if d.Approved {
		subject = "Your teenlancer signup was approved"
	}
	return Email{To: to, Subject: subject, Text: text.String()}, nil
}

func BankApprovalSMS(to, teenName, code string, validity time.Duration) SMS {
	return SMS{
		To: to,
		Body: fmt.Sprintf("teenlancer: %s wants to add a bank account. Code %s, valid %d minutes. Share it only if you approve.",
			teenName, code, int(validity.Minutes())),
	}
}
