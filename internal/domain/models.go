// Package domain re-exports core domain types so internal code can import
// `mlmengine/internal/domain` while using definitions from `mlmengine/pkg/domain`.
package domain

import pkg "mlmengine/pkg/domain"

// Member represents a node of the placement tree.
type Member = pkg.Member

// MemberAttributes carries registration input.
type MemberAttributes = pkg.MemberAttributes

// MemberStatus represents the member lifecycle.
type MemberStatus = pkg.MemberStatus

// Side identifies a child slot.
type Side = pkg.Side

// CommissionEntry represents a ledger line.
type CommissionEntry = pkg.CommissionEntry

// CommissionKey is the ledger idempotence key.
type CommissionKey = pkg.CommissionKey

// CommissionType enumerates compensation rules.
type CommissionType = pkg.CommissionType

// CommissionStatus represents settlement states.
type CommissionStatus = pkg.CommissionStatus

// RankDefinition is a ladder rung.
type RankDefinition = pkg.RankDefinition

// RankRequirements gate a rank.
type RankRequirements = pkg.RankRequirements

// RankBenefits are unlocked by a rank.
type RankBenefits = pkg.RankBenefits

// RankProgress is a derived ladder snapshot.
type RankProgress = pkg.RankProgress

// PlacementRules configure placement.
type PlacementRules = pkg.PlacementRules

// SpilloverStrategy selects the spillover algorithm.
type SpilloverStrategy = pkg.SpilloverStrategy

// MaintenancePolicy decides the outcome of a failed maintenance check.
type MaintenancePolicy = pkg.MaintenancePolicy

// VolumeEvent is a volume credit.
type VolumeEvent = pkg.VolumeEvent

// CycleSummary describes a committed cycle.
type CycleSummary = pkg.CycleSummary

// MatchingLevel configures one matching generation.
type MatchingLevel = pkg.MatchingLevel

// CommissionPlan holds plan-wide commission parameters.
type CommissionPlan = pkg.CommissionPlan

// CompensationPlan is the static engine configuration.
type CompensationPlan = pkg.CompensationPlan

// AuditEntry records an administrative action.
type AuditEntry = pkg.AuditEntry

// Metadata holds arbitrary key-value metadata.
type Metadata = pkg.Metadata

// Re-exported member statuses.
const (
	MemberStatusActive   = pkg.MemberStatusActive
	MemberStatusInactive = pkg.MemberStatusInactive
)

// Re-exported sides.
const (
	SideLeft  = pkg.SideLeft
	SideRight = pkg.SideRight
)

// Re-exported commission types.
const (
	CommissionTypeDirect     = pkg.CommissionTypeDirect
	CommissionTypeBinary     = pkg.CommissionTypeBinary
	CommissionTypeMatching   = pkg.CommissionTypeMatching
	CommissionTypeLeadership = pkg.CommissionTypeLeadership
)

// Re-exported commission statuses.
const (
	CommissionStatusPending  = pkg.CommissionStatusPending
	CommissionStatusApproved = pkg.CommissionStatusApproved
	CommissionStatusPaid     = pkg.CommissionStatusPaid
)

// Re-exported spillover strategies.
const (
	SpilloverStrictLeftRight = pkg.SpilloverStrictLeftRight
	SpilloverWeakLeg         = pkg.SpilloverWeakLeg
	SpilloverAlternate       = pkg.SpilloverAlternate
)

// Re-exported maintenance policies.
const (
	MaintenanceFreeze = pkg.MaintenanceFreeze
	MaintenanceDemote = pkg.MaintenanceDemote
)

// Re-exported requirement names.
const (
	RequirementPersonalVolume  = pkg.RequirementPersonalVolume
	RequirementGroupVolume     = pkg.RequirementGroupVolume
	RequirementDirectReferrals = pkg.RequirementDirectReferrals
	RequirementWeakerLegVolume = pkg.RequirementWeakerLegVolume
)
