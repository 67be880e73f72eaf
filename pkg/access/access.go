// Package access synchronizes channel membership with entitlement decisions.
// It executes grants and revokes but never decides them; the lifecycle engine
// owns every decision.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/membergate/membergate/pkg/channel/telegram"
	"github.com/membergate/membergate/pkg/lifecycle"
	"github.com/membergate/membergate/pkg/shortlink"
)

// Synchronizer implements lifecycle.Access on top of the Telegram channel
// client. Invite links are optionally shortened before delivery.
type Synchronizer struct {
	client *telegram.Client
	links  *shortlink.Service
	log    zerolog.Logger
}

// Config holds synchronizer configuration.
type Config struct {
	// Links shortens invite links before sending (optional).
	Links *shortlink.Service

	// Logger is used for structured logging (default: no-op).
	Logger *zerolog.Logger
}

// New creates a Synchronizer bound to the given channel client.
func New(client *telegram.Client, cfg Config) (*Synchronizer, error) {
	if client == nil {
		return nil, errors.New("access: telegram client is required")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Synchronizer{
		client: client,
		links:  cfg.Links,
		log:    log,
	}, nil
}

// Grant implements lifecycle.Access. It generates a fresh single-use invite
// link and delivers it to the user's private chat. Each call produces a new
// link; earlier links may have been consumed or expired.
func (s *Synchronizer) Grant(ctx context.Context, userID string) error {
	link, err := s.client.CreateInviteLink(ctx)
	if err != nil {
		return fmt.Errorf("create invite link: %w", classify(err))
	}

	if s.links != nil {
		short, err := s.links.Shorten(ctx, link)
		if err != nil {
			// The raw link still works; shortening is cosmetic.
			s.log.Warn().Err(err).Str("user_id", userID).Msg("invite link shortening failed")
		} else {
			link = short
		}
	}

	msg := "Payment received. Here is your invite to the channel (valid for 24 hours, single use):\n\n" + link
	if err := s.client.SendMessage(ctx, userID, msg); err != nil {
		return fmt.Errorf("deliver invite: %w", err)
	}
	s.log.Info().Str("user_id", userID).Msg("invite delivered")
	return nil
}

// Revoke implements lifecycle.Access. The removal is a kick, not a ban, so a
// later renewal can re-invite the user. The user notification is best-effort.
func (s *Synchronizer) Revoke(ctx context.Context, userID string) error {
	if err := s.client.KickMember(ctx, userID); err != nil {
		return fmt.Errorf("remove member %s: %w", userID, classify(err))
	}
	s.log.Info().Str("user_id", userID).Msg("member removed from channel")

	if err := s.client.SendMessage(ctx, userID,
		"Your channel access ended because your subscription is no longer active. Renew any time to rejoin."); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("removal notice failed")
	}
	return nil
}

// classify translates channel errors into the engine's taxonomy. Privilege
// failures (admin targets, missing bot rights) carry the lifecycle sentinel
// so the engine can escalate them as configuration errors.
func classify(err error) error {
	if errors.Is(err, telegram.ErrInsufficientRights) {
		return fmt.Errorf("%w: %w", lifecycle.ErrInsufficientPrivileges, err)
	}
	return err
}

// IsMember implements lifecycle.Access.
func (s *Synchronizer) IsMember(ctx context.Context, userID string) (bool, error) {
	state, err := s.client.MemberState(ctx, userID)
	if err != nil {
		return false, err
	}
	return state == lifecycle.MemberStateIn, nil
}
