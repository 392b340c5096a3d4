package quotes

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/types"
)

// Status is the lifecycle state of a quote
type Status string

const (
	StatusPending   Status = "pending"   // open for bidding
	StatusActive    Status = "active"    // one bid accepted, chat open
	StatusCompleted Status = "completed" // terminal
	StatusCancelled Status = "cancelled" // terminal
)

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal quote transition
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const minModelYear = 1886

// CarDetails describes the vehicle a buyer is asking for
type CarDetails struct {
	Year    int      `json:"year"`
	Make    string   `json:"make"`
	Model   string   `json:"model"`
	Trim    string   `json:"trim,omitempty"`
	Engine  string   `json:"engine,omitempty"`
	Options []string `json:"options,omitempty"`
}

// UnmarshalJSON accepts the year as a JSON number or a numeric string. Anything
// else leaves Year at zero so Validate rejects it.
func (c *CarDetails) UnmarshalJSON(data []byte) error {
	type alias CarDetails
	aux := struct {
		*alias
		Year interface{} `json:"year"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Year = parseYear(aux.Year)
	return nil
}

func parseYear(v interface{}) int {
	switch y := v.(type) {
	case float64:
		if y == math.Trunc(y) && y > 0 && y < math.MaxInt32 {
			return int(y)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(y)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Validate checks the required fields. now bounds the model year.
func (c *CarDetails) Validate(now time.Time) error {
	if c.Year == 0 {
		return fmt.Errorf("%w: year must be numeric", types.ErrInvalidCarDetails)
	}
	if c.Year < minModelYear || c.Year > now.Year()+2 {
		return fmt.Errorf("%w: year %d out of range", types.ErrInvalidCarDetails, c.Year)
	}
	if strings.TrimSpace(c.Make) == "" {
		return fmt.Errorf("%w: make is required", types.ErrInvalidCarDetails)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model is required", types.ErrInvalidCarDetails)
	}
	return nil
}

func (c *CarDetails) normalize() {
	c.Make = strings.TrimSpace(c.Make)
	c.Model = strings.TrimSpace(c.Model)
	c.Trim = strings.TrimSpace(c.Trim)
	c.Engine = strings.TrimSpace(c.Engine)
}

// Quote is a buyer's request for offers on a vehicle
type Quote struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	QuoteID          string     `gorm:"uniqueIndex;not null" json:"quote_id"`
	BuyerID          string     `gorm:"index;not null" json:"buyer_id"`
	CarDetails       CarDetails `gorm:"serializer:json" json:"car_details"`
	Region           string     `json:"region,omitempty"`
	HasTradeIn       bool       `gorm:"not null" json:"has_trade_in"`
	Status           Status     `gorm:"index;not null" json:"status"`
	AcceptedDealerID string     `json:"accepted_dealer_id,omitempty"`
	ExpiryAnnounced  bool       `gorm:"not null" json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Segment is the market slice used for dealer eligibility
func (q *Quote) Segment() dealers.Segment {
	return dealers.Segment{Make: q.CarDetails.Make, Region: q.Region}
}

// BidStatus is the state of a dealer's response
type BidStatus string

const (
	BidPending   BidStatus = "pending"   // dealer invited, nothing submitted
	BidResponded BidStatus = "responded" // price and terms submitted
)

// ResponseNotes carries a dealer's offer. The trade-in fields are only accepted from
// premium dealers on quotes with a trade-in.
type ResponseNotes struct {
	Price             float64  `json:"price"`
	Availability      string   `json:"availability,omitempty"`
	EstimatedDelivery string   `json:"estimated_delivery,omitempty"`
	Features          []string `json:"features,omitempty"`
	Colors            []string `json:"colors,omitempty"`
	Notes             string   `json:"notes,omitempty"`

	TradeInValue       *float64 `json:"trade_in_value,omitempty"`
	Condition          *string  `json:"condition,omitempty"`
	EvaluationNotes    *string  `json:"evaluation_notes,omitempty"`
	RequiresInspection *bool    `json:"requires_inspection,omitempty"`
}

// HasTradeIn reports whether any trade-in field is set
func (n *ResponseNotes) HasTradeIn() bool {
	return n.TradeInValue != nil || n.Condition != nil || n.EvaluationNotes != nil || n.RequiresInspection != nil
}

// Bid is one dealer's sealed response to a quote. There is at most one per
// (quote, dealer) and at most one accepted per quote.
type Bid struct {
	ID            uint          `gorm:"primaryKey" json:"-"`
	BidID         string        `gorm:"uniqueIndex;not null" json:"bid_id"`
	QuoteID       string        `gorm:"uniqueIndex:idx_bids_quote_dealer;not null" json:"quote_id"`
	DealerID      string        `gorm:"uniqueIndex:idx_bids_quote_dealer;index;not null" json:"dealer_id"`
	Status        BidStatus     `gorm:"not null" json:"status"`
	IsAccepted    bool          `gorm:"not null" json:"is_accepted"`
	Price         float64       `json:"price"`
	ResponseNotes ResponseNotes `gorm:"serializer:json" json:"response_notes"`
	CreatedAt     time.Time     `json:"created_at"`
	RespondedAt   *time.Time    `json:"responded_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IdempotencyRecord maps a client idempotency key to the resource it created
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey"`
	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateQuoteRequest is the buyer input for a new quote
type CreateQuoteRequest struct {
	CarDetails CarDetails `json:"car_details"`
	HasTradeIn bool       `json:"has_trade_in"`
	Region     string     `json:"region"`
}

// QuoteView is a quote as seen by one principal. Dealers only ever get their own bid.
type QuoteView struct {
	Quote     *Quote    `json:"quote"`
	Bids      []Bid     `json:"bids"`
	ExpiresAt time.Time `json:"expires_at"`
	Open      bool      `json:"open"`
}
