package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tawarin/backend/internal/cache"
	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/engine"
	"tawarin/backend/internal/store"
	"tawarin/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	engine     *engine.Engine
	policies   cache.PolicyCache
	policyTTL  time.Duration
	sessionTTL time.Duration
	fraud      FraudEvaluator
	locks      *sessionLocks
}

func New(repo store.Repository, eng *engine.Engine, policies cache.PolicyCache, policyTTL time.Duration, sessionTTL time.Duration, fraud FraudEvaluator) *Service {
	if policies == nil {
		policies = cache.NoopPolicyCache{}
	}
	if policyTTL <= 0 {
		policyTTL = time.Minute
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	if fraud == nil {
		fraud = NoopFraudEvaluator{}
	}

	return &Service{
		repo:       repo,
		engine:     eng,
		policies:   policies,
		policyTTL:  policyTTL,
		sessionTTL: sessionTTL,
		fraud:      fraud,
		locks:      newSessionLocks(),
	}
}

// StartOrContinue submits one customer offer. With no session reference it
// starts a new session (resuming an existing active one for the same sku and
// customer) and runs round 1 immediately; otherwise it continues the
// referenced session.
func (s *Service) StartOrContinue(ctx context.Context, req domain.OfferRequest) (*domain.OfferResponse, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.CustomerSegment = strings.ToLower(strings.TrimSpace(req.CustomerSegment))
	if req.CustomerSegment == "" {
		req.CustomerSegment = domain.SegmentDefault
	}

	if req.SKU == "" || req.CustomerID == "" {
		return nil, fmt.Errorf("%w: sku and customer_id are required", store.ErrInvalidInput)
	}
	if req.OfferCents < 1 {
		return nil, fmt.Errorf("%w: offer must be positive", store.ErrInvalidInput)
	}
	if !domain.ValidSegment(req.CustomerSegment) {
		return nil, fmt.Errorf("%w: unknown segment %q", store.ErrInvalidInput, req.CustomerSegment)
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}

	if req.SessionID == "" {
		if existing, err := s.repo.FindActiveSession(ctx, req.SKU, req.CustomerID); err == nil {
			req.SessionID = existing.ID
		}
	}
	if req.SessionID != "" {
		return s.continueSession(ctx, req)
	}
	return s.startSession(ctx, req)
}

func (s *Service) startSession(ctx context.Context, req domain.OfferRequest) (*domain.OfferResponse, error) {
	policy, err := s.loadPolicy(ctx, req.SKU)
	if err != nil {
		return nil, err
	}
	if !policy.Enabled {
		return nil, fmt.Errorf("%w: %s", store.ErrPolicyDisabled, req.SKU)
	}

	now := time.Now().UTC()
	session := domain.NegotiationSession{
		ID:              uuid.NewString(),
		SKU:             policy.SKU,
		CustomerID:      req.CustomerID,
		CustomerSegment: req.CustomerSegment,
		Quantity:        req.Quantity,
		BasePriceCents:  policy.BasePriceCents,
		FloorPriceCents: policy.EffectiveFloorCents(req.CustomerSegment),
		CurrentRound:    0,
		MaxRounds:       policy.MaxRounds,
		Status:          domain.StatusActive,
		ExpiresAt:       now.Add(s.sessionTTL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := s.repo.CreateSession(ctx, session)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "session_start", "negotiation_session", created.ID, fmt.Sprintf("sku=%s,segment=%s,offer=%d", created.SKU, created.CustomerSegment, req.OfferCents))

	unlock := s.locks.lock(created.ID)
	defer unlock()
	return s.runRound(ctx, created, policy, req.OfferCents)
}

func (s *Service) continueSession(ctx context.Context, req domain.OfferRequest) (*domain.OfferResponse, error) {
	unlock := s.locks.lock(req.SessionID)
	defer unlock()

	session, err := s.getSessionWithRetry(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkContinuable(ctx, session); err != nil {
		return nil, err
	}

	// The floor and base are session snapshots; the live policy only
	// contributes perk and bundle material for the verdict.
	policy, err := s.loadPolicy(ctx, session.SKU)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		policy = &domain.PricingPolicy{SKU: session.SKU}
	}

	return s.runRound(ctx, session, policy, req.OfferCents)
}

// checkContinuable enforces the state gate in validation order: existence is
// already established, then status, expiry, and the round budget.
func (s *Service) checkContinuable(ctx context.Context, session *domain.NegotiationSession) error {
	if session.Status != domain.StatusActive {
		if session.Status == domain.StatusRejected && session.CurrentRound >= session.MaxRounds {
			return fmt.Errorf("%w: session %s used all %d rounds", store.ErrRoundLimitExceeded, session.ID, session.MaxRounds)
		}
		return fmt.Errorf("%w: session %s is %s", store.ErrSessionTerminal, session.ID, session.Status)
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		if _, err := s.repo.ExpireSession(ctx, session.ID, time.Now().UTC()); err != nil {
			log.Printf("[service] WARN: failed to expire session %s inline: %v", session.ID, err)
		}
		return fmt.Errorf("%w: session %s", store.ErrSessionExpired, session.ID)
	}
	if session.CurrentRound >= session.MaxRounds {
		return fmt.Errorf("%w: session %s used all %d rounds", store.ErrRoundLimitExceeded, session.ID, session.MaxRounds)
	}
	return nil
}

func (s *Service) runRound(ctx context.Context, session *domain.NegotiationSession, policy *domain.PricingPolicy, offerCents int64) (*domain.OfferResponse, error) {
	roundNumber := session.CurrentRound + 1
	startedAt := time.Now()

	verdict := s.engine.Decide(engine.Input{
		BasePriceCents: session.BasePriceCents,
		OfferCents:     offerCents,
		FloorCents:     session.FloorPriceCents,
		RoundNumber:    roundNumber,
		MaxRounds:      session.MaxRounds,
		PriorRounds:    session.Rounds,
		ProductName:    policy.ProductName,
		Category:       policy.Category,
		Perks:          policy.FallbackPerks,
		Bundles:        policy.BundleOffers,
	})
	latencyMS := time.Since(startedAt).Milliseconds()

	// Defensive floor re-check. The engine is never trusted to undercut the
	// session's snapshotted floor.
	if verdict.CounterPriceCents != nil && *verdict.CounterPriceCents < session.FloorPriceCents {
		return nil, fmt.Errorf("engine verdict below session floor (counter=%d floor=%d)", *verdict.CounterPriceCents, session.FloorPriceCents)
	}
	if verdict.AcceptedPriceCents != nil && *verdict.AcceptedPriceCents < session.FloorPriceCents {
		return nil, fmt.Errorf("engine verdict below session floor (accepted=%d floor=%d)", *verdict.AcceptedPriceCents, session.FloorPriceCents)
	}

	newStatus := domain.StatusActive
	if verdict.IsAccepting() {
		newStatus = domain.StatusAccepted
	} else if roundNumber >= session.MaxRounds {
		newStatus = domain.StatusRejected
	}

	round := domain.NegotiationRound{
		RoundNumber:        roundNumber,
		CustomerOfferCents: offerCents,
		EngineCounterCents: verdict.CounterPriceCents,
		Verdict:            verdict,
		CreatedAt:          time.Now().UTC(),
		DecisionLatencyMS:  latencyMS,
	}

	ap := store.RoundAppend{
		ExpectedRound: session.CurrentRound,
		Round:         round,
		NewStatus:     newStatus,
	}
	if newStatus == domain.StatusAccepted {
		final := *verdict.AcceptedPriceCents
		acceptedAt := time.Now().UTC()
		summary := s.buildSummary(session, final, roundNumber, domain.ConversionEngineAccept, acceptedAt)
		ap.FinalPriceCents = &final
		ap.FinalPerks = verdict.PerkSuggestions
		ap.DiscountToken = newDiscountToken()
		ap.AcceptedAt = &acceptedAt
		ap.Summary = &summary
	}

	provisional := *session
	provisional.Rounds = append(append([]domain.NegotiationRound(nil), session.Rounds...), round)
	provisional.CurrentRound = roundNumber
	provisional.Status = newStatus
	ap.FraudFlags = s.fraud.Evaluate(provisional)

	updated, err := s.repo.AppendRound(ctx, session.ID, ap)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: session %s changed concurrently", store.ErrVersionConflict, session.ID)
		}
		return nil, err
	}
	s.logAudit(ctx, "session_round", "negotiation_session", updated.ID, fmt.Sprintf("round=%d,action=%s,status=%s", roundNumber, verdict.Action, updated.Status))

	resp := &domain.OfferResponse{
		SessionID:          updated.ID,
		Status:             updated.Status,
		RoundNumber:        roundNumber,
		MaxRounds:          updated.MaxRounds,
		Action:             verdict.Action,
		CounterPriceCents:  verdict.CounterPriceCents,
		AcceptedPriceCents: verdict.AcceptedPriceCents,
		DiscountToken:      updated.DiscountToken,
		Tactic:             verdict.Tactic,
		Confidence:         verdict.Confidence,
		Reasoning:          verdict.Reasoning,
		Perks:              verdict.PerkSuggestions,
		Bundles:            verdict.BundleSuggestions,
	}
	return resp, nil
}

// Accept records the customer taking the standing counter-offer, issues the
// single-use discount token and closes the session.
func (s *Service) Accept(ctx context.Context, sessionID string) (*domain.AcceptResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", store.ErrInvalidInput)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.getSessionWithRetry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrSessionTerminal, session.ID, session.Status)
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		if _, err := s.repo.ExpireSession(ctx, session.ID, time.Now().UTC()); err != nil {
			log.Printf("[service] WARN: failed to expire session %s inline: %v", session.ID, err)
		}
		return nil, fmt.Errorf("%w: session %s", store.ErrSessionExpired, session.ID)
	}

	counter, ok := session.LastCounterCents()
	if !ok {
		return nil, fmt.Errorf("%w: session %s has no standing counter-offer", store.ErrInvalidInput, session.ID)
	}
	if counter < session.FloorPriceCents {
		return nil, fmt.Errorf("standing counter below session floor (counter=%d floor=%d)", counter, session.FloorPriceCents)
	}

	perks := session.Rounds[len(session.Rounds)-1].Verdict.PerkSuggestions
	acceptedAt := time.Now().UTC()
	summary := s.buildSummary(session, counter, session.CurrentRound, domain.ConversionCustomerAccept, acceptedAt)

	updated, err := s.repo.AcceptSession(ctx, session.ID, counter, perks, newDiscountToken(), acceptedAt, summary)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "session_accept", "negotiation_session", updated.ID, fmt.Sprintf("final=%d,rounds=%d", counter, updated.CurrentRound))

	return &domain.AcceptResponse{
		SessionID:       updated.ID,
		DiscountToken:   updated.DiscountToken,
		FinalPriceCents: counter,
		Perks:           updated.FinalPerks,
	}, nil
}

// RedeemToken flips the single-use redemption flag. The store performs the
// check-and-set, so concurrent redemption attempts resolve to exactly one
// winner.
func (s *Service) RedeemToken(ctx context.Context, token string) (*domain.RedeemResponse, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", store.ErrInvalidInput)
	}

	session, err := s.repo.RedeemToken(ctx, token)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "token_redeem", "negotiation_session", session.ID, fmt.Sprintf("sku=%s", session.SKU))

	var finalPrice int64
	if session.FinalPriceCents != nil {
		finalPrice = *session.FinalPriceCents
	}
	redeemedAt := ""
	if session.RedeemedAt != nil {
		redeemedAt = session.RedeemedAt.Format(time.RFC3339)
	}

	return &domain.RedeemResponse{
		SessionID:       session.ID,
		SKU:             session.SKU,
		FinalPriceCents: finalPrice,
		Perks:           session.FinalPerks,
		RedeemedAt:      redeemedAt,
	}, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.NegotiationSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", store.ErrInvalidInput)
	}
	return s.getSessionWithRetry(ctx, sessionID)
}

func (s *Service) GetPolicy(ctx context.Context, sku string) (*domain.PricingPolicy, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, fmt.Errorf("%w: sku is required", store.ErrInvalidInput)
	}
	return s.loadPolicy(ctx, sku)
}

func (s *Service) ListPolicies(ctx context.Context) ([]domain.PricingPolicy, error) {
	return s.repo.ListPolicies(ctx)
}

func (s *Service) UpsertPolicy(ctx context.Context, req domain.PolicyUpsertRequest) (*domain.PricingPolicy, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.Category = strings.TrimSpace(req.Category)
	if req.SKU == "" || req.ProductName == "" {
		return nil, fmt.Errorf("%w: sku and product_name are required", store.ErrInvalidInput)
	}
	if req.BasePriceCents < 1 {
		return nil, fmt.Errorf("%w: base price must be positive", store.ErrInvalidInput)
	}
	if req.FloorPriceCents < 0 || req.FloorPriceCents > req.BasePriceCents {
		return nil, fmt.Errorf("%w: floor price must be between 0 and base price", store.ErrInvalidInput)
	}
	if req.MaxDiscountPct < 0 || req.MaxDiscountPct > 100 {
		return nil, fmt.Errorf("%w: max discount must be between 0 and 100", store.ErrInvalidInput)
	}
	if req.MaxRounds < 1 {
		req.MaxRounds = 3
	}
	if req.MaxRounds > 5 {
		req.MaxRounds = 5
	}
	for _, rule := range req.SegmentRules {
		if !domain.ValidSegment(rule.Segment) {
			return nil, fmt.Errorf("%w: unknown segment %q", store.ErrInvalidInput, rule.Segment)
		}
		if rule.MaxDiscountPct < 0 || rule.MaxDiscountPct > 100 {
			return nil, fmt.Errorf("%w: segment discount must be between 0 and 100", store.ErrInvalidInput)
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	policy := domain.PricingPolicy{
		SKU:             req.SKU,
		ProductName:     req.ProductName,
		Category:        req.Category,
		BasePriceCents:  req.BasePriceCents,
		FloorPriceCents: req.FloorPriceCents,
		MaxDiscountPct:  req.MaxDiscountPct,
		MaxRounds:       req.MaxRounds,
		ClearanceFlag:   req.ClearanceFlag,
		StockLevel:      req.StockLevel,
		BundleOffers:    req.BundleOffers,
		SegmentRules:    req.SegmentRules,
		FallbackPerks:   req.FallbackPerks,
		Enabled:         enabled,
		Priority:        req.Priority,
	}

	saved, err := s.repo.UpsertPolicy(ctx, policy)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Invalidate(ctx, saved.SKU); err != nil {
		log.Printf("[service] WARN: failed to invalidate policy cache sku=%s: %v", saved.SKU, err)
	}
	s.logAudit(ctx, "policy_upsert", "pricing_policy", saved.SKU, fmt.Sprintf("base=%d,floor=%d,rounds=%d,enabled=%t", saved.BasePriceCents, saved.FloorPriceCents, saved.MaxRounds, saved.Enabled))

	return saved, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// loadPolicy is the read-through policy lookup: cache first, then the
// repository with bounded retry, then a cache fill.
func (s *Service) loadPolicy(ctx context.Context, sku string) (*domain.PricingPolicy, error) {
	if cached, ok, err := s.policies.Get(ctx, sku); err == nil && ok {
		return cached, nil
	}

	var policy *domain.PricingPolicy
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		p, err := s.repo.GetPolicy(ctx, sku)
		if err == nil {
			policy = p
			break
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		if !sleepBackoff(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
	if policy == nil {
		return nil, lastErr
	}

	_ = s.policies.Set(ctx, sku, policy, s.policyTTL)
	return policy, nil
}

// getSessionWithRetry retries transient read failures only. Mutations are
// never retried here; a duplicate append is worse than a surfaced error.
func (s *Service) getSessionWithRetry(ctx context.Context, sessionID string) (*domain.NegotiationSession, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		session, err := s.repo.GetSession(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		if !sleepBackoff(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func sleepBackoff(ctx context.Context, attempt int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		return true
	}
}

func (s *Service) buildSummary(session *domain.NegotiationSession, finalPriceCents int64, roundsUsed int, source string, at time.Time) domain.AnalyticsSummary {
	base := float64(session.BasePriceCents)
	discountPct := 0.0
	if base > 0 {
		discountPct = math.Round((base-float64(finalPriceCents))/base*10000) / 100
	}
	quantity := session.Quantity
	if quantity < 1 {
		quantity = 1
	}
	marginImpact := (finalPriceCents - s.engine.EstimatedCostCents(session.BasePriceCents)) * int64(quantity)

	return domain.AnalyticsSummary{
		RoundsUsed:            roundsUsed,
		DiscountPct:           discountPct,
		MarginImpactCents:     marginImpact,
		TimeToDecisionSeconds: int64(at.Sub(session.CreatedAt).Seconds()),
		ConversionSource:      source,
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	if actor.Username == "" {
		actor.Username = "system"
	}
	entry := domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}

func newDiscountToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return xid.New("disc")
	}
	return fmt.Sprintf("disc_%x", buf)
}

type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*lockEntry)}
}

// lock serializes mutating work per session ID. The returned func releases
// the lock and drops the entry once no other goroutine is waiting on it.
func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
