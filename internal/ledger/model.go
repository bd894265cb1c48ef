package ledger

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("ledger: invalid record id")
	// ErrInvalidAmount indicates that a quantity is not a positive integer.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidBeverage indicates an unrecognized beverage name.
	ErrInvalidBeverage = errors.New("ledger: invalid beverage")
	// ErrInvalidOrigin indicates an unrecognized origin node name.
	ErrInvalidOrigin = errors.New("ledger: invalid origin")
)

// Beverage categorizes a measurement. Informational only; no business rule
// depends on it.
type Beverage string

const (
	BeverageWater       Beverage = "WATER"
	BeverageTea         Beverage = "TEA"
	BeverageCoffee      Beverage = "COFFEE"
	BeverageJuice       Beverage = "JUICE"
	BeverageSportsDrink Beverage = "SPORTS_DRINK"
	BeverageMilk        Beverage = "MILK"
	BeverageSoda        Beverage = "SODA"
	BeverageAlcohol     Beverage = "ALCOHOL"
	BeverageOther       Beverage = "OTHER"
)

var beverages = map[Beverage]struct{}{
	BeverageWater:       {},
	BeverageTea:         {},
	BeverageCoffee:      {},
	BeverageJuice:       {},
	BeverageSportsDrink: {},
	BeverageMilk:        {},
	BeverageSoda:        {},
	BeverageAlcohol:     {},
	BeverageOther:       {},
}

// ParseBeverage validates raw input against the known beverage set.
func ParseBeverage(rawInput string) (Beverage, error) {
	candidate := Beverage(strings.ToUpper(strings.TrimSpace(rawInput)))
	if _, ok := beverages[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidBeverage, rawInput)
	}
	return candidate, nil
}

// BeverageOrDefault parses raw input, falling back to WATER for anything
// unrecognized. Used when merging remote payloads, where the field is
// informational and must not block the merge.
func BeverageOrDefault(rawInput string) Beverage {
	beverage, err := ParseBeverage(rawInput)
	if err != nil {
		return BeverageWater
	}
	return beverage
}

// Origin identifies which node created a record. It drives echo suppression
// and is never consulted for merge precedence.
type Origin string

const (
	OriginPrimary   Origin = "PRIMARY"
	OriginCompanion Origin = "COMPANION"
	OriginImported  Origin = "IMPORTED"
	OriginUnknown   Origin = "UNKNOWN"
)

// ParseOrigin validates raw input against the known origin set.
func ParseOrigin(rawInput string) (Origin, error) {
	switch candidate := Origin(strings.ToUpper(strings.TrimSpace(rawInput))); candidate {
	case OriginPrimary, OriginCompanion, OriginImported, OriginUnknown:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, rawInput)
	}
}

// OriginOrUnknown parses raw input, falling back to UNKNOWN. An unknown
// origin never matches the local node identity, so the record is merged
// rather than suppressed.
func OriginOrUnknown(rawInput string) Origin {
	origin, err := ParseOrigin(rawInput)
	if err != nil {
		return OriginUnknown
	}
	return origin
}

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// AmountML represents a validated positive quantity in milliliters.
type AmountML int64

// NewAmountML validates the value and returns an AmountML.
func NewAmountML(value int64) (AmountML, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, value)
	}
	return AmountML(value), nil
}

// Int64 exposes the raw milliliter value.
func (a AmountML) Int64() int64 {
	return int64(a)
}

// Record models one persisted measurement. Records are immutable once
// written except for the external sync columns.
type Record struct {
	ID               string   `gorm:"column:id;primaryKey;size:190;not null"`
	AmountML         int64    `gorm:"column:amount_ml;not null"`
	Beverage         Beverage `gorm:"column:beverage;size:32;not null;default:'WATER'"`
	RecordedAtMillis int64    `gorm:"column:recorded_at_ms;not null;index:idx_records_recorded_at"`
	Origin           Origin   `gorm:"column:origin;size:32;not null;default:'UNKNOWN'"`
	ExternalSynced   bool     `gorm:"column:external_synced;not null;default:false;index:idx_records_external_synced"`
	ExternalID       string   `gorm:"column:external_id;size:190;not null;default:''"`
	CreatedAtMillis  int64    `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "measurement_records"
}

// SameContent reports whether two records carry identical replicated
// content. External sync state is node-local and excluded from the
// comparison.
func (r Record) SameContent(other Record) bool {
	return r.ID == other.ID &&
		r.AmountML == other.AmountML &&
		r.Beverage == other.Beverage &&
		r.RecordedAtMillis == other.RecordedAtMillis &&
		r.Origin == other.Origin
}
