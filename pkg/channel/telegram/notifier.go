package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers lifecycle notifications over Telegram. User messages go
// to private chats; escalations fan out to every configured operator.
type Notifier struct {
	client   *Client
	adminIDs []int64
	renewURL string
	log      zerolog.Logger
}

// NotifierConfig holds notifier configuration.
type NotifierConfig struct {
	// AdminIDs are the operator chat IDs that receive escalations.
	AdminIDs []int64

	// RenewURL is included in renewal reminders so the user can pay again.
	RenewURL string

	// Logger is used for structured logging (default: no-op).
	Logger *zerolog.Logger
}

// NewNotifier creates a Telegram-backed notifier.
func NewNotifier(client *Client, cfg NotifierConfig) (*Notifier, error) {
	if client == nil {
		return nil, errors.New("telegram: client is required")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Notifier{
		client:   client,
		adminIDs: cfg.AdminIDs,
		renewURL: cfg.RenewURL,
		log:      log,
	}, nil
}

// RenewalReminder implements lifecycle.Notifier.
func (n *Notifier) RenewalReminder(ctx context.Context, userID string, endedAt time.Time) error {
	msg := fmt.Sprintf(
		"Your subscription ended on %s. Renew within the next day to keep your channel access.",
		endedAt.Format("2 January 2006"))
	if n.renewURL != "" {
		msg += "\n\nRenew here: " + n.renewURL
	}
	return n.client.SendMessage(ctx, userID, msg)
}

// ExpiringSoon implements lifecycle.Notifier.
func (n *Notifier) ExpiringSoon(ctx context.Context, userID string, endsAt time.Time) error {
	msg := fmt.Sprintf(
		"Your subscription ends on %s. Renew now and the remaining time carries over.",
		endsAt.Format("2 January 2006"))
	if n.renewURL != "" {
		msg += "\n\nRenew here: " + n.renewURL
	}
	return n.client.SendMessage(ctx, userID, msg)
}

// Renewed implements lifecycle.Notifier.
func (n *Notifier) Renewed(ctx context.Context, userID string) error {
	return n.client.SendMessage(ctx, userID,
		"Your subscription payment went through. Your channel access continues.")
}

// Escalate implements lifecycle.Notifier. Delivery is attempted to every
// operator; one failed send does not stop the rest.
func (n *Notifier) Escalate(ctx context.Context, message string) error {
	var firstErr error
	for _, adminID := range n.adminIDs {
		if err := n.client.SendToChat(ctx, adminID, message); err != nil {
			n.log.Warn().Err(err).Int64("admin_id", adminID).Msg("operator notification failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
