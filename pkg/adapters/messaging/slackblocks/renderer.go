// Package slackblocks renders an approval's UISchema as Slack Block
// Kit, the reference implementation of the messaging.Renderer
// contract.
package slackblocks

import (
	"fmt"
	"strings"

	"github.com/evalgo/approvalflow/pkg/adapters/messaging"
	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/slack-go/slack"
)

// Renderer renders approval.UISchema values as Slack Block Kit
// messages, one section per field plus one action block per button.
type Renderer struct{}

// New returns a Slack Block Kit renderer.
func New() *Renderer {
	return &Renderer{}
}

// Render implements messaging.Renderer.
func (r *Renderer) Render(a *approval.Approval, callbackURL string) (messaging.Message, error) {
	if a == nil {
		return messaging.Message{}, fmt.Errorf("slackblocks: nil approval")
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, a.UISchema.Title, false, false)),
	}

	if a.UISchema.Description != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, a.UISchema.Description, false, false),
			nil, nil,
		))
	}

	for _, f := range a.UISchema.Fields {
		text := fmt.Sprintf("*%s*\n%s", f.Label, f.Type)
		if f.Required {
			text += " (required)"
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		))
	}

	if len(a.UISchema.Actions) > 0 {
		elements := make([]slack.BlockElement, 0, len(a.UISchema.Actions))
		for _, act := range a.UISchema.Actions {
			btn := slack.NewButtonBlockElement(
				string(act.Decision),
				string(act.Decision),
				slack.NewTextBlockObject(slack.PlainTextType, act.Label, false, false),
			)
			btn.URL = callbackURL
			if act.Style != "" {
				btn.Style = slack.Style(act.Style)
			}
			elements = append(elements, btn)
		}
		blocks = append(blocks, slack.NewActionBlock("approval_actions", elements...))
	}

	msg := slack.NewBlockMessage(blocks...)

	var fallback strings.Builder
	fallback.WriteString(a.UISchema.Title)
	if a.UISchema.Description != "" {
		fallback.WriteString(": ")
		fallback.WriteString(a.UISchema.Description)
	}

	return messaging.Message{
		Fallback: fallback.String(),
		Payload:  msg,
	}, nil
}
