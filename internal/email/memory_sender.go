package email

import "context"

// Email is a message captured by the MemorySender.
type Email struct {
	From      Address
	Recipient Address
	Subject   string
	Body      string
	Tags      []string
}

// MemorySender is a Sender that keeps emails in memory, for tests.
type MemorySender struct {
	Emails []Email
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (s *MemorySender) Send(_ context.Context, from, recipient Address, subject, body string, tags []string) error {
	s.Emails = append(s.Emails, Email{
		From:      from,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Tags:      tags,
	})
	return nil
}
