package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemberStatus represents the lifecycle state of a member
type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "active"
	MemberStatusInactive MemberStatus = "inactive"
)

// Side identifies a child slot under a placement parent
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Other returns the opposite slot.
func (s Side) Other() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// Member is a node of the binary placement tree.
type Member struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	SponsorID            *uuid.UUID      `json:"sponsor_id,omitempty" db:"sponsor_id"`
	ParentID             *uuid.UUID      `json:"parent_id,omitempty" db:"parent_id"`
	LeftChildID          *uuid.UUID      `json:"left_child_id,omitempty" db:"left_child_id"`
	RightChildID         *uuid.UUID      `json:"right_child_id,omitempty" db:"right_child_id"`
	Name                 string          `json:"name" db:"name"`
	Email                string          `json:"email" db:"email"`
	PersonalVolume       decimal.Decimal `json:"personal_volume" db:"personal_volume"`
	GroupVolume          decimal.Decimal `json:"group_volume" db:"group_volume"`
	Rank                 int             `json:"rank" db:"rank"`
	Status               MemberStatus    `json:"status" db:"status"`
	Depth                int             `json:"depth" db:"depth"`
	DirectReferralCount  int             `json:"direct_referral_count" db:"direct_referral_count"`
	MaintenanceStreak    int             `json:"maintenance_streak" db:"maintenance_streak"`
	RankReviewFlag       bool            `json:"rank_review_flag" db:"rank_review_flag"`
	LastMaintainedPeriod string          `json:"last_maintained_period" db:"last_maintained_period"`
	JoinDate             time.Time       `json:"join_date" db:"join_date"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Child returns the child id in the given slot.
func (m *Member) Child(side Side) *uuid.UUID {
	if side == SideLeft {
		return m.LeftChildID
	}
	return m.RightChildID
}

// IsActive reports whether the member is in good standing.
func (m *Member) IsActive() bool {
	return m.Status == MemberStatusActive
}

// Clone returns a deep copy of the member.
func (m *Member) Clone() *Member {
	c := *m
	c.SponsorID = cloneID(m.SponsorID)
	c.ParentID = cloneID(m.ParentID)
	c.LeftChildID = cloneID(m.LeftChildID)
	c.RightChildID = cloneID(m.RightChildID)
	return &c
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// MemberAttributes carries the caller-supplied fields of a new registration
type MemberAttributes struct {
	Name           string          `json:"name" validate:"required,max=120"`
	Email          string          `json:"email" validate:"omitempty,email"`
	PersonalVolume decimal.Decimal `json:"personal_volume" validate:"gte=0"`
}

// CommissionType enumerates the compensation rules
type CommissionType string

const (
	CommissionTypeDirect     CommissionType = "direct"
	CommissionTypeBinary     CommissionType = "binary"
	CommissionTypeMatching   CommissionType = "matching"
	CommissionTypeLeadership CommissionType = "leadership"
)

// CommissionStatus is owned by the settlement collaborator once an entry exists
type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "pending"
	CommissionStatusApproved CommissionStatus = "approved"
	CommissionStatusPaid     CommissionStatus = "paid"
)

// CommissionEntry is one line of the commission ledger
type CommissionEntry struct {
	ID                uuid.UUID        `json:"id" db:"id"`
	RecipientID       uuid.UUID        `json:"recipient_id" db:"recipient_id"`
	Type              CommissionType   `json:"type" db:"type"`
	Amount            decimal.Decimal  `json:"amount" db:"amount"`
	Status            CommissionStatus `json:"status" db:"status"`
	SourceMemberID    uuid.UUID        `json:"source_member_id" db:"source_member_id"`
	SourceVolume      decimal.Decimal  `json:"source_volume" db:"source_volume"`
	AppliedPercentage decimal.Decimal  `json:"applied_percentage" db:"applied_percentage"`
	MatchingLevel     *int             `json:"matching_level,omitempty" db:"matching_level"`
	PeriodKey         string           `json:"period_key" db:"period_key"`
	Metadata          Metadata         `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// CommissionKey is the idempotence key of a ledger entry
type CommissionKey struct {
	RecipientID    uuid.UUID
	Type           CommissionType
	SourceMemberID uuid.UUID
	PeriodKey      string
}

// Key returns the entry's idempotence key.
func (e *CommissionEntry) Key() CommissionKey {
	return CommissionKey{
		RecipientID:    e.RecipientID,
		Type:           e.Type,
		SourceMemberID: e.SourceMemberID,
		PeriodKey:      e.PeriodKey,
	}
}

// RankRequirements gate advancement to a rank and its maintenance
type RankRequirements struct {
	PersonalVolume         decimal.Decimal `json:"personal_volume" yaml:"personal_volume" validate:"gte=0"`
	GroupVolume            decimal.Decimal `json:"group_volume" yaml:"group_volume" validate:"gte=0"`
	DirectReferrals        int             `json:"direct_referrals" yaml:"direct_referrals" validate:"gte=0"`
	MinimumWeakerLegVolume decimal.Decimal `json:"minimum_weaker_leg_volume" yaml:"minimum_weaker_leg_volume" validate:"gte=0"`
}

// RankBenefits are the compensation parameters unlocked by a rank
type RankBenefits struct {
	DirectCommissionRate    decimal.Decimal `json:"direct_commission_rate" yaml:"direct_commission_rate" validate:"gte=0,lte=100"`
	BinaryMatchingRate      decimal.Decimal `json:"binary_matching_rate" yaml:"binary_matching_rate" validate:"gte=0,lte=100"`
	LeadershipBonusAmount   decimal.Decimal `json:"leadership_bonus_amount" yaml:"leadership_bonus_amount" validate:"gte=0"`
	MaxWeeklyBinaryEarnings decimal.Decimal `json:"max_weekly_binary_earnings" yaml:"max_weekly_binary_earnings" validate:"gte=0"`
	MatchingBonusLevels     int             `json:"matching_bonus_levels" yaml:"matching_bonus_levels" validate:"gte=0"`
}

// RankDefinition is one rung of the rank ladder
type RankDefinition struct {
	Level        int              `json:"level" yaml:"level" validate:"gte=0"`
	Name         string           `json:"name" yaml:"name" validate:"required"`
	Requirements RankRequirements `json:"requirements" yaml:"requirements"`
	Benefits     RankBenefits     `json:"benefits" yaml:"benefits"`
}

// Requirement names used in RankProgress
const (
	RequirementPersonalVolume  = "personal_volume"
	RequirementGroupVolume     = "group_volume"
	RequirementDirectReferrals = "direct_referrals"
	RequirementWeakerLegVolume = "weaker_leg_volume"
)

// RankProgress is a derived snapshot of a member's standing on the ladder
type RankProgress struct {
	MemberID            uuid.UUID                  `json:"member_id"`
	CurrentRank         int                        `json:"current_rank"`
	CurrentRankName     string                     `json:"current_rank_name"`
	NextRank            *int                       `json:"next_rank,omitempty"`
	NextRankName        string                     `json:"next_rank_name,omitempty"`
	RequirementProgress map[string]decimal.Decimal `json:"requirement_progress"`
	MaintenanceStreak   int                        `json:"maintenance_streak"`
	RankReviewFlag      bool                       `json:"rank_review_flag"`
}

// SpilloverStrategy selects how placement descends when a sponsor is full
type SpilloverStrategy string

const (
	SpilloverStrictLeftRight SpilloverStrategy = "strict-left-right"
	SpilloverWeakLeg         SpilloverStrategy = "weak-leg"
	SpilloverAlternate       SpilloverStrategy = "alternate"
)

// PlacementRules configure the placement engine
type PlacementRules struct {
	MaxDepth          int               `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
	SpilloverStrategy SpilloverStrategy `json:"spillover_strategy" yaml:"spillover_strategy" validate:"oneof=strict-left-right weak-leg alternate"`
}

// MaintenancePolicy decides what happens when a member no longer meets its rank
type MaintenancePolicy string

const (
	MaintenanceFreeze MaintenancePolicy = "freeze"
	MaintenanceDemote MaintenancePolicy = "demote"
)

// VolumeEvent is a purchase or activity credited to a member
type VolumeEvent struct {
	Reference  string          `json:"reference" db:"reference" validate:"required,max=128"`
	MemberID   uuid.UUID       `json:"member_id" db:"member_id" validate:"required"`
	Volume     decimal.Decimal `json:"volume" db:"volume"`
	PeriodKey  string          `json:"period_key" db:"period_key" validate:"required,max=64"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}

// CycleSummary describes a committed payout cycle
type CycleSummary struct {
	PeriodKey    string                             `json:"period_key"`
	EntriesAdded int                                `json:"entries_added"`
	Totals       map[CommissionType]decimal.Decimal `json:"totals"`
	Advanced     int                                `json:"advanced"`
	Flagged      int                                `json:"flagged"`
	Demoted      int                                `json:"demoted"`
	StartedAt    time.Time                          `json:"started_at"`
	CompletedAt  time.Time                          `json:"completed_at"`
}

// AuditEntry records one administrative action against the engine
type AuditEntry struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Subject    string    `json:"subject" db:"subject"`
	Action     string    `json:"action" db:"action"`
	StatusCode int       `json:"status_code" db:"status_code"`
	RequestID  string    `json:"request_id" db:"request_id"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Metadata is a JSON-compatible map
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, &m)
}
