// Package subscription implements the newsletter signup lifecycle:
// double opt-in confirmation, preference management and unsubscribes.
package subscription

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/brusselsmonitor/monitor/internal/token"
)

// Emailer is used to send templated emails.
type Emailer interface {
	Send(ctx context.Context, template string, to email.Address, data interface{}) error
}

// ErrFunc is a function that handles errors.
type ErrFunc func(error)

// ServiceConfig is the configuration for the Service.
type ServiceConfig struct {
	// ConfirmTTL is the lifetime of confirmation tokens.
	ConfirmTTL time.Duration
	// ManageTTL is the lifetime of preference/unsubscribe tokens.
	ManageTTL time.Duration
	// AdminAddr receives unsubscribe notifications. Empty disables them.
	AdminAddr email.Address
	// BaseURL is prefixed to the links in emails, without trailing
	// slash. Empty produces relative links.
	BaseURL string
}

// Service provides the main rules for the subscription lifecycle.
//
// Transitions only happen via a verified token (except the initial
// Subscribe, which only results in an email). A token that fails
// verification mutates nothing.
type Service struct {
	store      ContactStore
	emailer    Emailer
	codec      *token.Codec
	errHandler ErrFunc
	cfg        ServiceConfig

	// mu guards locks, which serializes transitions per email address.
	mu    sync.Mutex
	locks map[email.Address]*emailLock

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

type emailLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(store ContactStore, emailer Emailer, codec *token.Codec, errHandler ErrFunc, cfg ServiceConfig) (*Service, error) {
	if store == nil || emailer == nil || codec == nil || errHandler == nil {
		return nil, errors.New("store, emailer, codec and errHandler are required")
	}

	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = token.ConfirmTTL
	}

	if cfg.ManageTTL <= 0 {
		cfg.ManageTTL = token.ManageTTL
	}

	return &Service{
		store:      store,
		emailer:    emailer,
		codec:      codec,
		errHandler: errHandler,
		cfg:        cfg,
		locks:      make(map[email.Address]*emailLock),
		NowFunc:    time.Now,
	}, nil
}

// SubscribeRequest is the input for Subscribe.
type SubscribeRequest struct {
	Email  email.Address
	Locale Locale
	Topics []string
}

// Confirmation is the outcome of a transition that (re)issues a
// management token.
type Confirmation struct {
	Contact     Contact
	ManageToken string
}

// Subscribe starts the double opt-in process by sending a confirmation
// email. No contact is stored until the token in that email is used.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) error {
	var errs errorz.InvalidInput

	if req.Email == "" {
		errs = append(errs, errorz.Keyed{Key: "email", Err: email.ErrInvalidEmail})
	}

	if !ValidNewsletterLocale(req.Locale) {
		errs = append(errs, errorz.Keyed{Key: "locale", Err: errors.New("unsupported locale")})
	}

	topics := FilterTopics(req.Topics)
	if len(topics) == 0 {
		errs = append(errs, errorz.Keyed{Key: "topics", Err: errors.New("select at least one topic")})
	}

	if len(errs) > 0 {
		return errs
	}

	confirmToken, err := s.codec.Issue(token.Payload{
		Email:  req.Email,
		Locale: string(req.Locale),
		Topics: topicStrings(topics),
	}, s.cfg.ConfirmTTL)
	if err != nil {
		return err
	}

	return s.emailer.Send(ctx, localized("confirm-subscription", req.Locale), req.Email, confirmEmailData{
		ConfirmURL: s.cfg.BaseURL + "/api/subscriptions/confirmations?token=" + url.QueryEscape(confirmToken),
		Topics:     topics,
	})
}

// Confirm finishes the double opt-in process. Replaying a confirmation
// token is harmless: topics are merged with what is already stored and
// nothing is written when that changes nothing.
func (s *Service) Confirm(ctx context.Context, rawToken string) (Confirmation, error) {
	p, err := s.codec.Verify(rawToken)
	if err != nil {
		return Confirmation{}, err
	}

	unlock := s.lockEmail(p.Email)
	defer unlock()

	now := s.NowFunc()
	locale := localeOrDefault(Locale(p.Locale))
	topics := FilterTopics(p.Topics)

	contact, writeNeeded := s.mergeContact(ctx, p.Email, locale, topics, now)

	if writeNeeded {
		if err := s.store.UpsertContact(ctx, contact); err != nil {
			// The subscriber already proved ownership of the address,
			// a failing write should not bounce them to an error page.
			s.nonFatal(err)
		}
	}

	manageToken, err := s.manageToken(contact)
	if err != nil {
		return Confirmation{}, err
	}

	err = s.emailer.Send(ctx, localized("welcome", contact.Locale), contact.Email, welcomeEmailData{
		PreferencesURL: s.preferencesURL(contact.Locale, manageToken),
		UnsubscribeURL: s.unsubscribeURL(manageToken),
		Topics:         contact.Topics,
	})
	if err != nil {
		s.nonFatal(err)
	}

	return Confirmation{
		Contact:     contact,
		ManageToken: manageToken,
	}, nil
}

// mergeContact loads the stored contact and merges the token topics
// into it. It reports whether the result differs from what is stored.
func (s *Service) mergeContact(ctx context.Context, addr email.Address, locale Locale, topics []Topic, now time.Time) (Contact, bool) {
	existing, err := s.store.GetContact(ctx, addr)
	if err != nil {
		if !errors.Is(err, errorz.ErrNotFound) {
			// Read failed, fall back to the token data without
			// overwriting whatever is stored.
			s.nonFatal(err)
			return Contact{
				Email:      addr,
				Locale:     locale,
				Topics:     topics,
				Subscribed: true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}, false
		}

		return Contact{
			Email:      addr,
			Locale:     locale,
			Topics:     topics,
			Subscribed: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, true
	}

	merged := existing.Topics
	for _, t := range topics {
		if !existing.HasTopic(t) {
			merged = append(merged, t)
		}
	}

	changed := !existing.Subscribed || len(merged) != len(existing.Topics)
	if !changed {
		return existing, false
	}

	existing.Topics = merged
	existing.Subscribed = true
	existing.UpdatedAt = now

	return existing, true
}

// Preferences returns the stored contact for a management token.
func (s *Service) Preferences(ctx context.Context, rawToken string) (Contact, error) {
	p, err := s.codec.Verify(rawToken)
	if err != nil {
		return Contact{}, err
	}

	return s.store.GetContact(ctx, p.Email)
}

// UpdateRequest is the input for UpdatePreferences.
type UpdateRequest struct {
	Token  string
	Locale Locale
	Topics []string
}

// UpdatePreferences overwrites the contact's locale and topics with the
// submitted selection and reissues the management token.
func (s *Service) UpdatePreferences(ctx context.Context, req UpdateRequest) (Confirmation, error) {
	p, err := s.codec.Verify(req.Token)
	if err != nil {
		return Confirmation{}, err
	}

	var errs errorz.InvalidInput

	if !ValidPreferenceLocale(req.Locale) {
		errs = append(errs, errorz.Keyed{Key: "locale", Err: errors.New("unsupported locale")})
	}

	topics := FilterTopics(req.Topics)
	if len(topics) == 0 {
		errs = append(errs, errorz.Keyed{Key: "topics", Err: errors.New("select at least one topic")})
	}

	if len(errs) > 0 {
		return Confirmation{}, errs
	}

	unlock := s.lockEmail(p.Email)
	defer unlock()

	now := s.NowFunc()

	contact, err := s.store.GetContact(ctx, p.Email)
	if err != nil {
		if !errors.Is(err, errorz.ErrNotFound) {
			return Confirmation{}, errors.Join(errorz.ErrServiceUnavailable, err)
		}

		contact = Contact{
			Email:      p.Email,
			Subscribed: true,
			CreatedAt:  now,
		}
	}

	contact.Locale = req.Locale
	contact.Topics = topics
	contact.UpdatedAt = now

	if err := s.store.UpsertContact(ctx, contact); err != nil {
		return Confirmation{}, errors.Join(errorz.ErrServiceUnavailable, err)
	}

	manageToken, err := s.manageToken(contact)
	if err != nil {
		return Confirmation{}, err
	}

	err = s.emailer.Send(ctx, localized("preferences-updated", contact.Locale), contact.Email, preferencesEmailData{
		PreferencesURL: s.preferencesURL(contact.Locale, manageToken),
		UnsubscribeURL: s.unsubscribeURL(manageToken),
		Locale:         contact.Locale,
		Topics:         contact.Topics,
	})
	if err != nil {
		s.nonFatal(err)
	}

	return Confirmation{
		Contact:     contact,
		ManageToken: manageToken,
	}, nil
}

// Unsubscribe flags the contact as unsubscribed. The returned locale
// lets the caller pick the right goodbye page.
func (s *Service) Unsubscribe(ctx context.Context, rawToken string) (Locale, error) {
	p, err := s.codec.Verify(rawToken)
	if err != nil {
		return "", err
	}

	unlock := s.lockEmail(p.Email)
	defer unlock()

	locale := localeOrDefault(Locale(p.Locale))

	err = s.store.MarkUnsubscribed(ctx, p.Email)
	if err != nil && !errors.Is(err, errorz.ErrNotFound) {
		return "", errors.Join(errorz.ErrServiceUnavailable, err)
	}

	if s.cfg.AdminAddr != "" {
		err := s.emailer.Send(ctx, "admin-unsubscribed", s.cfg.AdminAddr, adminUnsubscribedData{
			Email: p.Email,
		})
		if err != nil {
			s.nonFatal(err)
		}
	}

	return locale, nil
}

// manageToken issues a fresh management token for the contact.
func (s *Service) manageToken(c Contact) (string, error) {
	return s.codec.Issue(token.Payload{
		Email:  c.Email,
		Locale: string(c.Locale),
		Topics: topicStrings(c.Topics),
	}, s.cfg.ManageTTL)
}

func (s *Service) preferencesURL(l Locale, manageToken string) string {
	return s.cfg.BaseURL + "/" + string(localeOrDefault(l)) + "/preferences?token=" + url.QueryEscape(manageToken)
}

func (s *Service) unsubscribeURL(manageToken string) string {
	return s.cfg.BaseURL + "/unsubscribe?token=" + url.QueryEscape(manageToken)
}

// lockEmail serializes transitions for a single email address. The
// returned func releases the lock.
func (s *Service) lockEmail(addr email.Address) func() {
	s.mu.Lock()
	l, ok := s.locks[addr]
	if !ok {
		l = &emailLock{}
		s.locks[addr] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, addr)
		}
		s.mu.Unlock()
	}
}

func (s *Service) nonFatal(err error) {
	s.errHandler(errorz.NonFatal{Err: err})
}

func localized(name string, l Locale) string {
	return name + "." + string(localeOrDefault(l))
}

func localeOrDefault(l Locale) Locale {
	if !ValidPreferenceLocale(l) {
		return DefaultLocale
	}

	return l
}

func topicStrings(topics []Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}

	return out
}

type confirmEmailData struct {
	ConfirmURL string
	Topics     []Topic
}

type welcomeEmailData struct {
	PreferencesURL string
	UnsubscribeURL string
	Topics         []Topic
}

type preferencesEmailData struct {
	PreferencesURL string
	UnsubscribeURL string
	Locale         Locale
	Topics         []Topic
}

type adminUnsubscribedData struct {
	Email email.Address
}
