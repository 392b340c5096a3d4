package bidding

import (
	"math"

	"github.com/ksred/carquote-api/internal/quotes"
)

// BidPayload is a dealer's submission. Price is a pointer so a missing price is
// reported as an invalid price rather than a zero one.
type BidPayload struct {
	Price             *float64 `json:"price"`
	Availability      string   `json:"availability"`
	EstimatedDelivery string   `json:"estimated_delivery"`
	Features          []string `json:"features"`
	Colors            []string `json:"colors"`
	Notes             string   `json:"notes"`

	TradeInValue       *float64 `json:"trade_in_value"`
	Condition          *string  `json:"condition"`
	EvaluationNotes    *string  `json:"evaluation_notes"`
	RequiresInspection *bool    `json:"requires_inspection"`
}

// HasTradeIn reports whether any trade-in field was sent
func (p *BidPayload) HasTradeIn() bool {
	return p.TradeInValue != nil || p.Condition != nil || p.EvaluationNotes != nil || p.RequiresInspection != nil
}

func (p *BidPayload) validPrice() bool {
	if p.Price == nil || !isFinite(*p.Price) || *p.Price <= 0 {
		return false
	}
	if p.TradeInValue != nil && (!isFinite(*p.TradeInValue) || *p.TradeInValue < 0) {
		return false
	}
	return true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (p *BidPayload) notes() quotes.ResponseNotes {
	return quotes.ResponseNotes{
		Price:              *p.Price,
		Availability:       p.Availability,
		EstimatedDelivery:  p.EstimatedDelivery,
		Features:           p.Features,
		Colors:             p.Colors,
		Notes:              p.Notes,
		TradeInValue:       p.TradeInValue,
		Condition:          p.Condition,
		EvaluationNotes:    p.EvaluationNotes,
		RequiresInspection: p.RequiresInspection,
	}
}

// DealerStats summarizes a dealer's responsiveness
type DealerStats struct {
	DealerID               string  `json:"dealer_id"`
	Invited                int64   `json:"invited"`
	Responded              int64   `json:"responded"`
	Accepted               int64   `json:"accepted"`
	AverageResponseSeconds float64 `json:"average_response_seconds"`
}

// submittedPayload is the bid_submitted event body sent to the buyer
type submittedPayload struct {
	BidID         string               `json:"bid_id"`
	DealerID      string               `json:"dealer_id"`
	Price         float64              `json:"price"`
	ResponseNotes quotes.ResponseNotes `json:"response_notes"`
	Resubmission  bool                 `json:"resubmission"`
}
