package email

import (
	"bytes"
	"html/template"
	"time"
)

var invitationTmpl = template.Must(template.New("invitation").Parse(`<p>Hello,</p>
<p>{{.InviterName}} has invited you to act as the independent valuer for a donation.</p>
<p><a href="{{.AcceptURL}}">Accept the invitation</a></p>
<p>This link expires on {{.ExpiresAt}}.</p>`))

type InvitationData struct {
	InviterName string
	AcceptURL   string
	ExpiresAt   time.Time
}

// Invitation renders the valuer invitation email.
func Invitation(to string, data InvitationData) (Message, error) {
	var buf bytes.Buffer
	view := struct {
		InviterName string
		AcceptURL   string
		ExpiresAt   string
	}{data.InviterName, data.AcceptURL, data.ExpiresAt.UTC().Format("2 January 2006 15:04 MST")}
	if view.InviterName == "" {
		view.InviterName = "A donor"
	}
	if err := invitationTmpl.Execute(&buf, view); err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "You have been invited to appraise a donation", HTML: buf.String()}, nil
}
