package notify

import (
	"context"
	"fmt"
)

// Mailer is the subset of email.Service the email sink needs.
type Mailer interface {
	IsConfigured() bool
	SendMentionEmail(to, userName, authorName, cardID, cardTitle, excerpt string) error
}

// EmailSink mails mention notifications to targets that have an address.
type EmailSink struct {
	mailer Mailer
}

func NewEmailSink(mailer Mailer) *EmailSink {
	return &EmailSink{mailer: mailer}
}

func (s *EmailSink) InsertNotification(_ context.Context, n Notification) error {
	if n.Type != TypeMention || n.TargetEmail == "" || !s.mailer.IsConfigured() {
		return nil
	}
	author := n.Meta["authorName"]
	if author == "" {
		author = "Someone"
	}
	if err := s.mailer.SendMentionEmail(n.TargetEmail, n.TargetName, author, n.Meta["cardId"], n.Meta["cardName"], n.Body); err != nil {
		return fmt.Errorf("send mention email to %s: %w", n.TargetUser, err)
	}
	return nil
}
