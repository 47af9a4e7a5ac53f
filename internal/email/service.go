package email

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// TemplateElement is used by a renderer to identify the different parts of an email template.
type TemplateElement string

const (
	ElementSubject TemplateElement = "subject"
	ElementBody    TemplateElement = "body"
)

// Renderer is responsible for rendering email templates.
type Renderer interface {
	Render(w io.Writer, name string, element TemplateElement, data any) error
}

// Sender is responsible for actually sending an email. Tags are provider
// specific labels used to group messages in delivery statistics.
type Sender interface {
	Send(ctx context.Context, from, recipient Address, subject, body string, tags []string) error
}

// Service renders named templates and sends the result from a fixed
// sender address. The template name doubles as the delivery tag.
type Service struct {
	renderer Renderer
	sender   Sender
	from     Address
}

func NewService(renderer Renderer, sender Sender, from Address) *Service {
	return &Service{
		renderer: renderer,
		sender:   sender,
		from:     from,
	}
}

// Send renders the subject and body of the named template with the
// provided data and sends the result to the recipient.
func (s *Service) Send(ctx context.Context, name string, recipient Address, data any) error {
	subject, err := s.render(name, ElementSubject, data)
	if err != nil {
		return fmt.Errorf("failed to render subject of %q: %w", name, err)
	}

	body, err := s.render(name, ElementBody, data)
	if err != nil {
		return fmt.Errorf("failed to render body of %q: %w", name, err)
	}

	// Tag with the base template name, without any locale suffix.
	tag, _, _ := strings.Cut(name, ".")

	return s.sender.Send(ctx, s.from, recipient, strings.TrimSpace(subject), body, []string{tag})
}

func (s *Service) render(name string, element TemplateElement, data any) (string, error) {
	var b strings.Builder
	if err := s.renderer.Render(&b, name, element, data); err != nil {
		return "", err
	}

	return b.String(), nil
}
