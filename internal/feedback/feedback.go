// Package feedback forwards visitor feedback to the site admins.
package feedback

import (
	"context"
	"errors"
	"strings"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/google/uuid"
)

// maxMessageLen caps the accepted message size.
const maxMessageLen = 5000

// Emailer is used to send templated emails.
type Emailer interface {
	Send(ctx context.Context, template string, to email.Address, data interface{}) error
}

// Submission is a single piece of feedback. The sender address is
// optional, visitors can stay anonymous.
type Submission struct {
	Email   email.Address
	Page    string
	Message string
}

// Service forwards feedback submissions by email.
type Service struct {
	emailer   Emailer
	adminAddr email.Address
}

// NewService creates a new service.
func NewService(emailer Emailer, adminAddr email.Address) (*Service, error) {
	if emailer == nil || adminAddr == "" {
		return nil, errors.New("emailer and adminAddr are required")
	}

	return &Service{
		emailer:   emailer,
		adminAddr: adminAddr,
	}, nil
}

type feedbackEmailData struct {
	Ref     string
	Email   email.Address
	Page    string
	Message string
}

// Submit forwards a submission to the admins. The returned reference is
// included in the email so followups can point back to it.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	var errs errorz.InvalidInput

	msg := strings.TrimSpace(sub.Message)
	if msg == "" {
		errs = append(errs, errorz.Keyed{Key: "message", Err: errors.New("message is required")})
	}

	if len(msg) > maxMessageLen {
		errs = append(errs, errorz.Keyed{Key: "message", Err: errors.New("message is too long")})
	}

	if len(errs) > 0 {
		return "", errs
	}

	ref := uuid.New().String()

	err := s.emailer.Send(ctx, "feedback-received", s.adminAddr, feedbackEmailData{
		Ref:     ref,
		Email:   sub.Email,
		Page:    sub.Page,
		Message: msg,
	})
	if err != nil {
		return "", err
	}

	return ref, nil
}
