// Package personalize fills recipient values into message templates.
//
// Placeholders are written {field}. A literal brace is written twice: {{ or }}.
// Fields resolve against the recipient first (built-in columns, then custom
// fields) and then against the render Context. Unknown fields render empty.
package personalize

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
	"github.com/angelmondragon/engagement-dispatch/pkg/enums"
	"github.com/angelmondragon/engagement-dispatch/pkg/types"
)

var (
	ErrUnbalanced = errors.New("personalize: unbalanced brace")
	ErrEmptyField = errors.New("personalize: empty placeholder")
)

// Context carries values that are the same for every recipient of a run.
type Context struct {
	CampaignName string
	SenderName   string
	Extra        map[string]string
}

func (c Context) lookup(field string) (string, bool) {
	switch strings.ToLower(field) {
	case "campaign_name":
		return c.CampaignName, true
	case "sender_name":
		return c.SenderName, true
	}
	v, ok := c.Extra[field]
	return v, ok
}

// Rendered is a channel template after substitution.
type Rendered struct {
	Subject string
	Body    string
}

// Engine renders templates. It holds no state and has no side effects, so the
// same recipient may be rendered any number of times.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Render substitutes placeholders in one template field. Malformed input is
// rendered best effort; call Validate first to reject it.
func (e *Engine) Render(field string, recipient models.Recipient, rc Context) string {
	return render(field, recipient, rc, nil)
}

// RenderHTML is Render for HTML fields: substituted values are escaped while
// the template's own markup is kept.
func (e *Engine) RenderHTML(field string, recipient models.Recipient, rc Context) string {
	return render(field, recipient, rc, html.EscapeString)
}

// RenderTemplate renders subject and body, failing on malformed templates.
// Email bodies are HTML.
func (e *Engine) RenderTemplate(tpl types.ChannelTemplate, recipient models.Recipient, rc Context) (Rendered, error) {
	if err := Validate(tpl); err != nil {
		return Rendered{}, err
	}
	body := e.Render(tpl.Body, recipient, rc)
	if tpl.Channel == enums.ChannelEmail {
		body = e.RenderHTML(tpl.Body, recipient, rc)
	}
	return Rendered{
		Subject: e.Render(tpl.Subject, recipient, rc),
		Body:    body,
	}, nil
}

func render(field string, recipient models.Recipient, rc Context, escape func(string) string) string {
	var out strings.Builder
	_ = scan(field, func(literal string) {
		out.WriteString(literal)
	}, func(name string) {
		value := resolve(name, recipient, rc)
		if escape != nil {
			value = escape(value)
		}
		out.WriteString(value)
	})
	return out.String()
}

// Validate checks every placeholder in the template is well formed.
func Validate(tpl types.ChannelTemplate) error {
	if err := scan(tpl.Subject, nil, nil); err != nil {
		return fmt.Errorf("%s subject: %w", tpl.Channel, err)
	}
	if err := scan(tpl.Body, nil, nil); err != nil {
		return fmt.Errorf("%s body: %w", tpl.Channel, err)
	}
	return nil
}

// ValidateMessage validates every channel template of a message.
func ValidateMessage(msg types.MessageTemplate) error {
	for _, tpl := range msg.Templates {
		if err := Validate(tpl); err != nil {
			return err
		}
	}
	return nil
}

func resolve(name string, recipient models.Recipient, rc Context) string {
	if v, ok := recipient.Value(name); ok {
		return v
	}
	if v, ok := rc.lookup(name); ok {
		return v
	}
	return ""
}

// scan walks s, reporting literal runs and placeholder names. Either callback
// may be nil.
func scan(s string, literal func(string), placeholder func(string)) error {
	emit := func(text string) {
		if literal != nil && text != "" {
			literal(text)
		}
	}
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			emit(s[start:i])
			if i+1 < len(s) && s[i+1] == '{' {
				emit("{")
				i++
				start = i + 1
				continue
			}
			end := strings.IndexAny(s[i+1:], "{}")
			if end < 0 || s[i+1+end] != '}' {
				return fmt.Errorf("%w at offset %d", ErrUnbalanced, i)
			}
			name := strings.TrimSpace(s[i+1 : i+1+end])
			if name == "" {
				return fmt.Errorf("%w at offset %d", ErrEmptyField, i)
			}
			if placeholder != nil {
				placeholder(name)
			}
			i += end + 1
			start = i + 1
		case '}':
			emit(s[start:i])
			if i+1 < len(s) && s[i+1] == '}' {
				emit("}")
				i++
				start = i + 1
				continue
			}
			return fmt.Errorf("%w at offset %d", ErrUnbalanced, i)
		}
	}
	emit(s[start:])
	return nil
}
