package reminders

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"kinect/internal/models"
)

// DefaultDigestCap is the maximum number of contacts listed in one digest.
const DefaultDigestCap = 5

// Digest is the rendered reminder for one user.
type Digest struct {
	Subject  string
	TextBody string
	HTMLBody string
	Shown    int
	Hidden   int
}

// Message addresses the digest to user.
func (d *Digest) Message(user models.User) *Message {
	return &Message{
		To:       user.Email,
		ToName:   user.DisplayName,
		Subject:  d.Subject,
		TextBody: d.TextBody,
		HTMLBody: d.HTMLBody,
	}
}

// DigestInput is everything the digest template needs.
type DigestInput struct {
	Name    string
	Entries []OverdueEntry
	Cap     int
}

type digestView struct {
	Name    string
	Entries []OverdueEntry
	More    int
}

const digestText = `Hi {{.Name}},

It has been a while since you caught up with these people:

{{range .Entries}}- {{.Name}} — {{.DaysSinceContact}} days since last contact
{{end}}{{if .More}}+{{.More}} more
{{end}}
A quick message is all it takes.

Kinect
`

const digestHTML = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
<p>Hi {{.Name}},</p>
<p>It has been a while since you caught up with these people:</p>
<ul>
{{range .Entries}}<li><strong>{{.Name}}</strong> — {{.DaysSinceContact}} days since last contact</li>
{{end}}</ul>
{{if .More}}<p>+{{.More}} more</p>
{{end}}<p>A quick message is all it takes.</p>
<p>Kinect</p>
</body>
</html>
`

var (
	digestTextTmpl = texttemplate.Must(texttemplate.New("digest.txt").Parse(digestText))
	digestHTMLTmpl = htmltemplate.Must(htmltemplate.New("digest.html").Parse(digestHTML))
)

// RenderDigest renders the text and HTML bodies from the same input so the
// two never drift apart. At most Cap entries are listed.
func RenderDigest(in DigestInput) (text, html string, err error) {
	limit := in.Cap
	if limit <= 0 {
		limit = DefaultDigestCap
	}
	view := digestView{Name: in.Name, Entries: in.Entries}
	if len(in.Entries) > limit {
		view.Entries = in.Entries[:limit]
		view.More = len(in.Entries) - limit
	}

	var tb, hb bytes.Buffer
	if err := digestTextTmpl.Execute(&tb, view); err != nil {
		return "", "", fmt.Errorf("render text digest: %w", err)
	}
	if err := digestHTMLTmpl.Execute(&hb, view); err != nil {
		return "", "", fmt.Errorf("render html digest: %w", err)
	}
	return tb.String(), hb.String(), nil
}

// DigestSubject is singular for one contact and plural otherwise.
func DigestSubject(count int) string {
	if count == 1 {
		return "Time to reconnect with 1 contact!"
	}
	return fmt.Sprintf("Time to reconnect with %d contacts!", count)
}

// ComposeDigest builds the digest for an already sorted overdue list.
// It returns ErrNoOverdueContacts rather than an empty digest.
func ComposeDigest(user models.User, overdue []OverdueEntry, limit int) (*Digest, error) {
	if len(overdue) == 0 {
		return nil, ErrNoOverdueContacts
	}
	if limit <= 0 {
		limit = DefaultDigestCap
	}

	text, html, err := RenderDigest(DigestInput{
		Name:    greetingName(user),
		Entries: overdue,
		Cap:     limit,
	})
	if err != nil {
		return nil, err
	}

	shown := min(len(overdue), limit)
	return &Digest{
		Subject:  DigestSubject(len(overdue)),
		TextBody: text,
		HTMLBody: html,
		Shown:    shown,
		Hidden:   len(overdue) - shown,
	}, nil
}

func greetingName(user models.User) string {
	if name := strings.TrimSpace(user.DisplayName); name != "" {
		return name
	}
	if at := strings.IndexByte(user.Email, '@'); at > 0 {
		return user.Email[:at]
	}
	return "there"
}
