package engine

import (
	"math"
	"math/rand"
	"sync"

	"tawarin/backend/internal/domain"
)

// Engine computes one negotiation verdict per round. It performs no I/O and,
// apart from the charm-price jitter on counter rounding, is deterministic for
// identical inputs.
type Engine struct {
	costRatio       float64
	minMarginPct    float64
	targetMarginPct float64

	mu  sync.Mutex
	rng *rand.Rand
}

type Input struct {
	BasePriceCents int64
	OfferCents     int64
	FloorCents     int64
	RoundNumber    int
	MaxRounds      int
	PriorRounds    []domain.NegotiationRound
	ProductName    string
	Category       string
	Perks          domain.FallbackPerks
	Bundles        []domain.BundleOffer
}

type metrics struct {
	discountRequestedPct float64
	estimatedCost        float64
	minimumAcceptable    float64
	targetPrice          float64
	isLowball            bool
	isReasonable         bool
	isGoodDeal           bool
}

func New(costRatio float64, minMarginPct float64, targetMarginPct float64, seed int64) *Engine {
	if costRatio <= 0 || costRatio >= 1 {
		costRatio = 0.65
	}
	if minMarginPct <= 0 {
		minMarginPct = 0.15
	}
	if targetMarginPct <= minMarginPct {
		targetMarginPct = 0.25
	}

	return &Engine{
		costRatio:       costRatio,
		minMarginPct:    minMarginPct,
		targetMarginPct: targetMarginPct,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// EstimatedCostCents derives the assumed unit cost from a base price using the
// engine's fixed cost ratio.
func (e *Engine) EstimatedCostCents(basePriceCents int64) int64 {
	return int64(math.Round(float64(basePriceCents) * e.costRatio))
}

func (e *Engine) Decide(in Input) domain.Verdict {
	m := e.computeMetrics(in)
	pattern := classifyPattern(in.PriorRounds, in.OfferCents)
	phase := classifyPhase(in.RoundNumber, in.MaxRounds, m.isReasonable)

	verdict := e.decide(in, m, pattern)
	verdict.Tactic = selectTactic(phase, pattern, in.RoundNumber)
	verdict.Confidence = round2(confidenceFor(m))

	if verdict.Action == domain.ActionRejectFirm && len(in.Bundles) > 0 {
		verdict.BundleSuggestions = append([]domain.BundleOffer(nil), in.Bundles...)
	}
	atFloor := verdict.CounterPriceCents != nil && *verdict.CounterPriceCents == in.FloorCents
	if verdict.Action == domain.ActionAcceptConditional || atFloor {
		verdict.PerkSuggestions = in.Perks.Enabled()
	}

	return verdict
}

func (e *Engine) computeMetrics(in Input) metrics {
	base := float64(in.BasePriceCents)
	offer := float64(in.OfferCents)
	floor := float64(in.FloorCents)

	cost := base * e.costRatio
	minAcceptable := math.Max(floor, cost*(1+e.minMarginPct))
	target := cost * (1 + e.targetMarginPct)

	return metrics{
		discountRequestedPct: (base - offer) / base,
		estimatedCost:        cost,
		minimumAcceptable:    minAcceptable,
		targetPrice:          target,
		isLowball:            offer < minAcceptable*0.7,
		isReasonable:         offer >= minAcceptable,
		isGoodDeal:           offer >= target,
	}
}

// decide walks the decision table top to bottom; the first matching rule wins.
func (e *Engine) decide(in Input, m metrics, pattern string) domain.Verdict {
	finalRound := in.RoundNumber >= in.MaxRounds

	if m.isLowball {
		counter := e.snapPrice(int64(math.Round(m.targetPrice)), in.FloorCents, in.BasePriceCents)
		return domain.Verdict{
			Action:            domain.ActionRejectFirm,
			CounterPriceCents: &counter,
			Reasoning:         "offer_below_credible_range",
		}
	}

	if !m.isReasonable && finalRound && float64(in.OfferCents) >= m.minimumAcceptable*0.85 {
		accepted := int64(math.Ceil(m.minimumAcceptable))
		return domain.Verdict{
			Action:             domain.ActionAcceptConditional,
			AcceptedPriceCents: &accepted,
			Reasoning:          "final_round_concession",
		}
	}

	if !m.isReasonable {
		counter := e.smartCounter(in, m)
		return domain.Verdict{
			Action:            domain.ActionCounter,
			CounterPriceCents: &counter,
			Reasoning:         "below_minimum_countered",
		}
	}

	if !m.isGoodDeal {
		if pattern == domain.PatternImproving && in.RoundNumber >= 3 {
			accepted := in.OfferCents
			return domain.Verdict{
				Action:             domain.ActionAccept,
				AcceptedPriceCents: &accepted,
				Reasoning:          "improving_pattern_reward",
			}
		}
		counter := e.smartCounter(in, m)
		return domain.Verdict{
			Action:            domain.ActionCounterSoft,
			CounterPriceCents: &counter,
			Reasoning:         "near_target_nudge",
		}
	}

	accepted := in.OfferCents
	return domain.Verdict{
		Action:             domain.ActionAccept,
		AcceptedPriceCents: &accepted,
		Reasoning:          "meets_target_price",
	}
}

// smartCounter concedes a shrinking share of the gap to target each round,
// never dropping below the session floor.
func (e *Engine) smartCounter(in Input, m metrics) int64 {
	factor := 0.7 - 0.15*float64(in.RoundNumber)
	step := (m.targetPrice - float64(in.OfferCents)) * factor
	if step < 100 {
		step = 100
	}

	raw := int64(math.Round(float64(in.OfferCents) + step))
	if raw < in.FloorCents {
		raw = in.FloorCents
	}
	return e.snapPrice(raw, in.FloorCents, in.BasePriceCents)
}

// snapPrice rounds a raw counter to a charm ending (…00, …50, …99 in the
// cents position) with a jittered pick among the endings, then clamps the
// result back inside [floor, base].
func (e *Engine) snapPrice(raw int64, floorCents int64, baseCents int64) int64 {
	endings := []int64{0, 50, 99}

	e.mu.Lock()
	ending := endings[e.rng.Intn(len(endings))]
	e.mu.Unlock()

	snapped := raw - raw%100 + ending
	if snapped < floorCents {
		snapped = floorCents
	}
	if baseCents > 0 && snapped > baseCents {
		snapped = baseCents
	}
	return snapped
}

func classifyPattern(prior []domain.NegotiationRound, offerCents int64) string {
	if len(prior) == 0 {
		return domain.PatternTesting
	}
	last := prior[len(prior)-1].CustomerOfferCents
	switch {
	case offerCents > last:
		return domain.PatternImproving
	case offerCents == last:
		return domain.PatternStubborn
	default:
		return domain.PatternConfused
	}
}

func classifyPhase(roundNumber int, maxRounds int, reasonable bool) string {
	switch {
	case roundNumber >= maxRounds:
		return domain.PhaseClosing
	case roundNumber <= 1:
		return domain.PhaseOpening
	case reasonable:
		return domain.PhaseAgreement
	default:
		return domain.PhaseNegotiation
	}
}

func selectTactic(phase string, pattern string, roundNumber int) string {
	switch {
	case phase == domain.PhaseOpening:
		return domain.TacticAnchor
	case phase == domain.PhaseClosing:
		return domain.TacticScarcity
	case pattern == domain.PatternImproving:
		return domain.TacticReciprocity
	case roundNumber <= 2:
		return domain.TacticAuthority
	default:
		return domain.TacticSocialProof
	}
}

func confidenceFor(m metrics) float64 {
	switch {
	case m.isGoodDeal:
		return 0.95
	case m.isReasonable:
		return 0.75
	case m.isLowball:
		return 0.3
	default:
		return 0.6
	}
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
