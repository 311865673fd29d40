package domain

import (
	"math"
	"time"
)

type SegmentRule struct {
	Segment          string  `json:"segment"`
	MaxDiscountPct   float64 `json:"max_discount_pct"`
	MinPurchaseCount int     `json:"min_purchase_count"`
	MaxPurchaseCount int     `json:"max_purchase_count"`
}

type BundleOffer struct {
	PairedSKU        string `json:"paired_sku"`
	BundlePriceCents int64  `json:"bundle_price_cents"`
}

type FallbackPerks struct {
	FreeShipping     bool `json:"free_shipping"`
	FreeGift         bool `json:"free_gift"`
	ExtendedWarranty bool `json:"extended_warranty"`
}

// Enabled returns the perk codes that are switched on, in a stable order.
func (p FallbackPerks) Enabled() []string {
	perks := make([]string, 0, 3)
	if p.FreeShipping {
		perks = append(perks, PerkFreeShipping)
	}
	if p.FreeGift {
		perks = append(perks, PerkFreeGift)
	}
	if p.ExtendedWarranty {
		perks = append(perks, PerkExtendedWarranty)
	}
	return perks
}

type PricingPolicy struct {
	SKU             string        `json:"sku"`
	ProductName     string        `json:"product_name"`
	Category        string        `json:"category"`
	BasePriceCents  int64         `json:"base_price_cents"`
	FloorPriceCents int64         `json:"floor_price_cents"`
	MaxDiscountPct  float64       `json:"max_discount_pct"`
	MaxRounds       int           `json:"max_rounds"`
	ClearanceFlag   bool          `json:"clearance_flag"`
	StockLevel      int           `json:"stock_level"`
	BundleOffers    []BundleOffer `json:"bundle_offers,omitempty"`
	SegmentRules    []SegmentRule `json:"segment_rules,omitempty"`
	FallbackPerks   FallbackPerks `json:"fallback_perks"`
	Enabled         bool          `json:"enabled"`
	Priority        int           `json:"priority"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// EffectiveFloorCents resolves the floor for a segment: the stricter of the
// global floor price and the segment's discount cap wins.
func (p PricingPolicy) EffectiveFloorCents(segment string) int64 {
	floor := p.FloorPriceCents
	for _, rule := range p.SegmentRules {
		if rule.Segment != segment {
			continue
		}
		segmentFloor := int64(math.Ceil(float64(p.BasePriceCents) * (1 - rule.MaxDiscountPct/100)))
		if segmentFloor > floor {
			floor = segmentFloor
		}
		break
	}
	return floor
}

type Verdict struct {
	Action             string        `json:"action"`
	CounterPriceCents  *int64        `json:"counter_price_cents,omitempty"`
	AcceptedPriceCents *int64        `json:"accepted_price_cents,omitempty"`
	Tactic             string        `json:"tactic"`
	Confidence         float64       `json:"confidence"`
	Reasoning          string        `json:"reasoning"`
	PerkSuggestions    []string      `json:"perk_suggestions,omitempty"`
	BundleSuggestions  []BundleOffer `json:"bundle_suggestions,omitempty"`
}

// IsAccepting reports whether the verdict terminates the session in the
// customer's favor.
func (v Verdict) IsAccepting() bool {
	return v.Action == ActionAccept || v.Action == ActionAcceptConditional
}

type NegotiationRound struct {
	RoundNumber        int       `json:"round_number"`
	CustomerOfferCents int64     `json:"customer_offer_cents"`
	EngineCounterCents *int64    `json:"engine_counter_cents,omitempty"`
	Verdict            Verdict   `json:"verdict"`
	CreatedAt          time.Time `json:"created_at"`
	DecisionLatencyMS  int64     `json:"decision_latency_ms"`
}

type AnalyticsSummary struct {
	RoundsUsed            int     `json:"rounds_used"`
	DiscountPct           float64 `json:"discount_pct"`
	MarginImpactCents     int64   `json:"margin_impact_cents"`
	TimeToDecisionSeconds int64   `json:"time_to_decision_seconds"`
	ConversionSource      string  `json:"conversion_source,omitempty"`
	AbandonedAtRound      int     `json:"abandoned_at_round,omitempty"`
}

type NegotiationSession struct {
	ID               string             `json:"id"`
	SKU              string             `json:"sku"`
	CustomerID       string             `json:"customer_id"`
	CustomerSegment  string             `json:"customer_segment"`
	Quantity         int                `json:"quantity"`
	BasePriceCents   int64              `json:"base_price_cents"`
	FloorPriceCents  int64              `json:"floor_price_cents"`
	Rounds           []NegotiationRound `json:"rounds"`
	CurrentRound     int                `json:"current_round"`
	MaxRounds        int                `json:"max_rounds"`
	Status           SessionStatus      `json:"status"`
	FinalPriceCents  *int64             `json:"final_price_cents,omitempty"`
	FinalPerks       []string           `json:"final_perks,omitempty"`
	AcceptedAt       *time.Time         `json:"accepted_at,omitempty"`
	ExpiresAt        time.Time          `json:"expires_at"`
	DiscountToken    string             `json:"discount_token,omitempty"`
	DiscountRedeemed bool               `json:"discount_redeemed"`
	RedeemedAt       *time.Time         `json:"redeemed_at,omitempty"`
	FraudFlags       []string           `json:"fraud_flags,omitempty"`
	Summary          *AnalyticsSummary  `json:"analytics_summary,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// LastCounterCents returns the most recent standing counter-offer, or false
// when no round produced one.
func (s NegotiationSession) LastCounterCents() (int64, bool) {
	for i := len(s.Rounds) - 1; i >= 0; i-- {
		round := s.Rounds[i]
		if round.Verdict.Action == ActionCounter || round.Verdict.Action == ActionCounterSoft || round.Verdict.Action == ActionRejectFirm {
			if round.EngineCounterCents != nil {
				return *round.EngineCounterCents, true
			}
		}
	}
	return 0, false
}

type OfferRequest struct {
	SessionID       string `json:"session_id,omitempty"`
	SKU             string `json:"sku"`
	CustomerID      string `json:"customer_id"`
	CustomerSegment string `json:"customer_segment,omitempty"`
	OfferCents      int64  `json:"offer_cents"`
	Quantity        int    `json:"quantity,omitempty"`
}

type OfferResponse struct {
	SessionID          string        `json:"session_id"`
	Status             SessionStatus `json:"status"`
	RoundNumber        int           `json:"round_number"`
	MaxRounds          int           `json:"max_rounds"`
	Action             string        `json:"action"`
	CounterPriceCents  *int64        `json:"counter_price_cents,omitempty"`
	AcceptedPriceCents *int64        `json:"accepted_price_cents,omitempty"`
	DiscountToken      string        `json:"discount_token,omitempty"`
	Tactic             string        `json:"tactic"`
	Confidence         float64       `json:"confidence"`
	Reasoning          string        `json:"reasoning"`
	Perks              []string      `json:"perks,omitempty"`
	Bundles            []BundleOffer `json:"bundles,omitempty"`
}

type AcceptResponse struct {
	SessionID       string   `json:"session_id"`
	DiscountToken   string   `json:"discount_token"`
	FinalPriceCents int64    `json:"final_price_cents"`
	Perks           []string `json:"perks,omitempty"`
}

type RedeemRequest struct {
	Token string `json:"token"`
}

type RedeemResponse struct {
	SessionID       string   `json:"session_id"`
	SKU             string   `json:"sku"`
	FinalPriceCents int64    `json:"final_price_cents"`
	Perks           []string `json:"perks,omitempty"`
	RedeemedAt      string   `json:"redeemed_at"`
}

type PolicyUpsertRequest struct {
	SKU             string        `json:"sku"`
	ProductName     string        `json:"product_name"`
	Category        string        `json:"category"`
	BasePriceCents  int64         `json:"base_price_cents"`
	FloorPriceCents int64         `json:"floor_price_cents"`
	MaxDiscountPct  float64       `json:"max_discount_pct"`
	MaxRounds       int           `json:"max_rounds"`
	ClearanceFlag   bool          `json:"clearance_flag"`
	StockLevel      int           `json:"stock_level"`
	BundleOffers    []BundleOffer `json:"bundle_offers,omitempty"`
	SegmentRules    []SegmentRule `json:"segment_rules,omitempty"`
	FallbackPerks   FallbackPerks `json:"fallback_perks"`
	Enabled         *bool         `json:"enabled,omitempty"`
	Priority        int           `json:"priority"`
}

// PolicyPublicView is the redacted policy shape served to unauthenticated
// clients. The floor price and discount caps stay server-side.
type PolicyPublicView struct {
	SKU            string `json:"sku"`
	ProductName    string `json:"product_name"`
	Category       string `json:"category"`
	BasePriceCents int64  `json:"base_price_cents"`
	MaxRounds      int    `json:"max_rounds"`
	Negotiable     bool   `json:"negotiable"`
}

func (p PricingPolicy) PublicView() PolicyPublicView {
	return PolicyPublicView{
		SKU:            p.SKU,
		ProductName:    p.ProductName,
		Category:       p.Category,
		BasePriceCents: p.BasePriceCents,
		MaxRounds:      p.MaxRounds,
		Negotiable:     p.Enabled,
	}
}

type RoundsHistogram struct {
	One      int64 `json:"one"`
	Two      int64 `json:"two"`
	Three    int64 `json:"three"`
	FourPlus int64 `json:"four_plus"`
}

type SegmentBreakdown struct {
	Segment        string  `json:"segment"`
	Sessions       int64   `json:"sessions"`
	Accepted       int64   `json:"accepted"`
	ConversionRate float64 `json:"conversion_rate"`
	AvgDiscountPct float64 `json:"avg_discount_pct"`
}

type PerkCount struct {
	Perk  string `json:"perk"`
	Count int64  `json:"count"`
}

type DailyAggregate struct {
	ID                       string             `json:"id"`
	Date                     string             `json:"date"`
	SKU                      string             `json:"sku"`
	TotalSessions            int64              `json:"total_sessions"`
	AcceptedCount            int64              `json:"accepted_count"`
	RejectedCount            int64              `json:"rejected_count"`
	ExpiredCount             int64              `json:"expired_count"`
	AbandonedCount           int64              `json:"abandoned_count"`
	ConversionRate           float64            `json:"conversion_rate"`
	AvgRounds                float64            `json:"avg_rounds"`
	AvgDiscountPct           float64            `json:"avg_discount_pct"`
	AvgMarginImpactCents     int64              `json:"avg_margin_impact_cents"`
	AvgTimeToDecisionSeconds float64            `json:"avg_time_to_decision_seconds"`
	RoundsHistogram          RoundsHistogram    `json:"rounds_histogram"`
	Segments                 []SegmentBreakdown `json:"segments,omitempty"`
	PerkUsage                []PerkCount        `json:"perk_usage,omitempty"`
	FraudFlagCount           int64              `json:"fraud_flag_count"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AnalystCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AnalystUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ActionAccept            = "accept"
	ActionAcceptConditional = "accept_conditional"
	ActionCounter           = "counter"
	ActionCounterSoft       = "counter_soft"
	ActionRejectFirm        = "reject_firm"
)

const (
	PatternTesting   = "testing"
	PatternImproving = "improving"
	PatternStubborn  = "stubborn"
	PatternConfused  = "confused"
)

const (
	PhaseOpening     = "opening"
	PhaseNegotiation = "negotiation"
	PhaseAgreement   = "agreement"
	PhaseClosing     = "closing"
)

const (
	TacticAnchor      = "anchor"
	TacticScarcity    = "scarcity"
	TacticReciprocity = "reciprocity"
	TacticAuthority   = "authority"
	TacticSocialProof = "social_proof"
)

const (
	PerkFreeShipping     = "free_shipping"
	PerkFreeGift         = "free_gift"
	PerkExtendedWarranty = "extended_warranty"
)

const (
	SegmentNew       = "new"
	SegmentReturning = "returning"
	SegmentVIP       = "vip"
	SegmentDefault   = "default"
)

const (
	ConversionEngineAccept   = "engine_accept"
	ConversionCustomerAccept = "customer_accept"
)

func ValidSegment(segment string) bool {
	switch segment {
	case SegmentNew, SegmentReturning, SegmentVIP, SegmentDefault:
		return true
	}
	return false
}
