// Package events connects the engine to RabbitMQ: it consumes network events
// from upstream systems and publishes committed commission batches.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
)

const (
	TypeRegister = "register"
	TypeVolume   = "volume"
	TypeStatus   = "status"

	TypeBatchCommitted = "commission.batch_committed"
)

// Message is one inbound network event.
type Message struct {
	Type           string          `json:"type"`
	Reference      string          `json:"reference,omitempty"`
	MemberID       *uuid.UUID      `json:"member_id,omitempty"`
	SponsorID      *uuid.UUID      `json:"sponsor_id,omitempty"`
	Name           string          `json:"name,omitempty"`
	Email          string          `json:"email,omitempty"`
	PersonalVolume decimal.Decimal `json:"personal_volume"`
	Volume         decimal.Decimal `json:"volume"`
	PeriodKey      string          `json:"period_key,omitempty"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	Status         string          `json:"status,omitempty"`
}

// BatchCommitted is published for every committed ledger batch.
type BatchCommitted struct {
	Type        string                    `json:"type"`
	PeriodKey   string                    `json:"period_key,omitempty"`
	Cycle       *domain.CycleSummary      `json:"cycle,omitempty"`
	Entries     []*domain.CommissionEntry `json:"entries"`
	PublishedAt time.Time                 `json:"published_at"`
}

// NetworkService is the subset of the engine the consumer drives.
type NetworkService interface {
	Register(ctx context.Context, sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error)
	RecordVolume(ctx context.Context, ev domain.VolumeEvent) ([]*domain.CommissionEntry, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.MemberStatus) error
}

// Decode parses and checks one message body. Every failure wraps
// ErrEventMalformed.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrEventMalformed, err)
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))

	switch msg.Type {
	case TypeRegister:
		if strings.TrimSpace(msg.Name) == "" {
			return nil, fmt.Errorf("%w: register without name", errors.ErrEventMalformed)
		}
	case TypeVolume:
		if msg.MemberID == nil || msg.Reference == "" {
			return nil, fmt.Errorf("%w: volume needs member_id and reference", errors.ErrEventMalformed)
		}
	case TypeStatus:
		if msg.MemberID == nil {
			return nil, fmt.Errorf("%w: status without member_id", errors.ErrEventMalformed)
		}
		switch domain.MemberStatus(msg.Status) {
		case domain.MemberStatusActive, domain.MemberStatusInactive:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", errors.ErrEventMalformed, msg.Status)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errors.ErrEventMalformed, msg.Type)
	}
	return &msg, nil
}

// Dispatch applies msg to the engine.
func Dispatch(ctx context.Context, svc NetworkService, msg *Message) error {
	switch msg.Type {
	case TypeRegister:
		_, err := svc.Register(ctx, msg.SponsorID, domain.MemberAttributes{
			Name:           msg.Name,
			Email:          msg.Email,
			PersonalVolume: msg.PersonalVolume,
		})
		return err
	case TypeVolume:
		ev := domain.VolumeEvent{
			Reference: msg.Reference,
			MemberID:  *msg.MemberID,
			Volume:    msg.Volume,
			PeriodKey: msg.PeriodKey,
		}
		if msg.OccurredAt != nil {
			ev.OccurredAt = msg.OccurredAt.UTC()
		}
		_, err := svc.RecordVolume(ctx, ev)
		return err
	case TypeStatus:
		return svc.SetStatus(ctx, *msg.MemberID, domain.MemberStatus(msg.Status))
	}
	return fmt.Errorf("%w: unknown type %q", errors.ErrEventMalformed, msg.Type)
}

// retryable reports whether a failed message should go back on the queue.
// Rejections by the engine are final; only outages are retried.
func retryable(err error) bool {
	switch {
	case errors.Is(err, errors.ErrEventMalformed),
		errors.Is(err, errors.ErrDuplicateEvent),
		errors.Is(err, errors.ErrDuplicateCommission),
		errors.Is(err, errors.ErrMemberNotFound),
		errors.Is(err, errors.ErrSponsorNotFound),
		errors.Is(err, errors.ErrPlacementBlocked),
		errors.Is(err, errors.ErrTreeFull),
		errors.Is(err, errors.ErrRootExists),
		errors.Is(err, errors.ErrInvalidVolume),
		errors.Is(err, errors.ErrInvalidPeriod),
		errors.Is(err, errors.ErrPeriodClosed):
		return false
	}
	return true
}
