package dealers

import (
	"strings"
	"time"
)

// SubscriptionType is the billing tier of a dealer
type SubscriptionType string

const (
	SubscriptionBasic   SubscriptionType = "basic"
	SubscriptionPremium SubscriptionType = "premium"
)

func (s SubscriptionType) Valid() bool {
	return s == SubscriptionBasic || s == SubscriptionPremium
}

// DealerProfile is the owning identity of bids. SubscriptionType only gates the
// trade-in evaluation fields; it has no effect on which quotes a dealer sees.
type DealerProfile struct {
	ID               uint             `gorm:"primaryKey" json:"-"`
	DealerID         string           `gorm:"uniqueIndex;not null" json:"dealer_id"`
	Name             string           `json:"name"`
	SubscriptionType SubscriptionType `gorm:"not null" json:"subscription_type"`
	Regions          []string         `gorm:"serializer:json" json:"regions"` // empty serves every region
	Brands           []string         `gorm:"serializer:json" json:"brands"`  // empty serves every make
	Active           bool             `gorm:"not null" json:"active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsPremium reports whether the dealer may submit trade-in evaluations
func (p *DealerProfile) IsPremium() bool {
	return p.SubscriptionType == SubscriptionPremium
}

// Segment is the region/brand slice of the market a quote belongs to
type Segment struct {
	Make   string
	Region string
}

// Eligibility decides whether a dealer may bid on quotes in a segment
type Eligibility interface {
	Eligible(profile *DealerProfile, segment Segment) bool
}

// SegmentEligibility matches a dealer's configured regions and brands against the
// segment, case-insensitively. Inactive dealers are never eligible.
type SegmentEligibility struct{}

func (SegmentEligibility) Eligible(profile *DealerProfile, segment Segment) bool {
	if profile == nil || !profile.Active {
		return false
	}
	return matches(profile.Brands, segment.Make) && matches(profile.Regions, segment.Region)
}

func matches(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	// A dealer restricted to specific segments does not see quotes without one
	if value == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}
