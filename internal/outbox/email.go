// internal/outbox/email.go
package outbox

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"crm-pipeline/internal/common/aws"
	"crm-pipeline/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
)

// EmailSender is satisfied by aws.SESClient.
type EmailSender interface {
	SendHTML(ctx context.Context, email aws.Email) (string, error)
}

var stageEmailTemplate = template.Must(template.New("stage").Parse(`<html><body>
<p><strong>{{.BusinessName}}</strong> moved from {{.From}} to <strong>{{.To}}</strong>.</p>
<p>Requested amount: ${{.Amount}}</p>
{{if .Actor}}<p>Moved by {{.Actor}}</p>{{end}}
{{if .Note}}<div class="note">{{.Note}}</div>{{end}}
<p style="color:#888">Application {{.ApplicationID}}</p>
</body></html>`))

type stageEmailData struct {
	ApplicationID string
	BusinessName  string
	From          string
	To            string
	Amount        string
	Actor         string
	Note          template.HTML
}

// EmailNotifier mails a fixed recipient list when an application enters
// one of the watched stages.
type EmailNotifier struct {
	sender EmailSender
	from   string
	to     []string
	stages map[models.Stage]bool
	md     goldmark.Markdown
}

// NewEmailNotifier watches the given stages (labels or ids). Unknown stage
// names are ignored.
func NewEmailNotifier(sender EmailSender, from string, to, stages []string) *EmailNotifier {
	watch := make(map[models.Stage]bool, len(stages))
	for _, raw := range stages {
		if s, ok := models.ParseStage(raw); ok {
			watch[s] = true
		}
	}
	return &EmailNotifier{
		sender: sender,
		from:   from,
		to:     to,
		stages: watch,
		md:     goldmark.New(),
	}
}

func (n *EmailNotifier) Name() string { return "ses" }

func (n *EmailNotifier) Publish(ctx context.Context, ev models.OutboxEvent) error {
	if ev.EventType != models.EventStageChanged || len(n.to) == 0 {
		return nil
	}
	p, err := ev.Decode()
	if err != nil {
		return fmt.Errorf("decode event %d: %w", ev.ID, err)
	}
	to, ok := models.ParseStage(p.ToStage)
	if !ok || !n.stages[to] {
		return nil
	}

	email, err := n.render(p)
	if err != nil {
		return err
	}
	_, err = n.sender.SendHTML(ctx, email)
	return err
}

func (n *EmailNotifier) render(p models.PipelineEvent) (aws.Email, error) {
	data := stageEmailData{
		ApplicationID: p.ApplicationID,
		BusinessName:  p.BusinessName,
		From:          p.FromStage,
		To:            p.ToStage,
		Amount:        humanize.CommafWithDigits(p.Amount, 2),
		Actor:         p.Actor,
	}
	if strings.TrimSpace(p.Note) != "" {
		var note bytes.Buffer
		// goldmark escapes raw HTML unless WithUnsafe is set
		if err := n.md.Convert([]byte(p.Note), &note); err != nil {
			return aws.Email{}, fmt.Errorf("render note: %w", err)
		}
		data.Note = template.HTML(note.String())
	}

	var html bytes.Buffer
	if err := stageEmailTemplate.Execute(&html, data); err != nil {
		return aws.Email{}, fmt.Errorf("render email: %w", err)
	}

	text := fmt.Sprintf("%s moved from %s to %s.\nRequested amount: $%s\n", p.BusinessName, p.FromStage, p.ToStage, data.Amount)
	if p.Note != "" {
		text += "\n" + p.Note + "\n"
	}

	return aws.Email{
		From:     n.from,
		To:       n.to,
		Subject:  fmt.Sprintf("%s is now %s", p.BusinessName, p.ToStage),
		HTMLBody: html.String(),
		TextBody: text,
	}, nil
}
