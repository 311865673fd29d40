package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/store"
	"tawarin/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	policies         map[string]domain.PricingPolicy
	sessions         map[string]*domain.NegotiationSession
	sessionIDByToken map[string]string
	activeSessionKey map[string]string
	aggregates       map[string]domain.DailyAggregate
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		policies:         make(map[string]domain.PricingPolicy),
		sessions:         make(map[string]*domain.NegotiationSession),
		sessionIDByToken: make(map[string]string),
		activeSessionKey: make(map[string]string),
		aggregates:       make(map[string]domain.DailyAggregate),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_ANALYST_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	analystPwd := envOr("SEED_ANALYST_PASSWORD", "analyst123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_ANALYST_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_ANALYST_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"analyst", analystPwd, "analyst"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	policies := []domain.PricingPolicy{
		{
			SKU: "SKU-SEPEDA-01", ProductName: "Sepeda Lipat 16 Inch", Category: "sports",
			BasePriceCents: 2450000, FloorPriceCents: 2050000, MaxDiscountPct: 18, MaxRounds: 4,
			StockLevel: 14, Enabled: true, Priority: 10,
			SegmentRules: []domain.SegmentRule{
				{Segment: domain.SegmentNew, MaxDiscountPct: 10},
				{Segment: domain.SegmentVIP, MaxDiscountPct: 18, MinPurchaseCount: 5},
			},
			FallbackPerks: domain.FallbackPerks{FreeShipping: true},
			BundleOffers:  []domain.BundleOffer{{PairedSKU: "SKU-HELM-01", BundlePriceCents: 2590000}},
		},
		{
			SKU: "SKU-HELM-01", ProductName: "Helm Sepeda", Category: "sports",
			BasePriceCents: 320000, FloorPriceCents: 265000, MaxDiscountPct: 20, MaxRounds: 3,
			StockLevel: 40, Enabled: true, Priority: 5,
			FallbackPerks: domain.FallbackPerks{FreeGift: true},
		},
		{
			SKU: "SKU-KULKAS-01", ProductName: "Kulkas 2 Pintu 300L", Category: "appliance",
			BasePriceCents: 5200000, FloorPriceCents: 4550000, MaxDiscountPct: 15, MaxRounds: 5,
			StockLevel: 6, Enabled: true, Priority: 20,
			SegmentRules: []domain.SegmentRule{
				{Segment: domain.SegmentReturning, MaxDiscountPct: 12},
				{Segment: domain.SegmentVIP, MaxDiscountPct: 15},
			},
			FallbackPerks: domain.FallbackPerks{FreeShipping: true, ExtendedWarranty: true},
		},
		{
			SKU: "SKU-MEJA-01", ProductName: "Meja Kerja Kayu Jati", Category: "furniture",
			BasePriceCents: 1750000, FloorPriceCents: 1480000, MaxDiscountPct: 16, MaxRounds: 3,
			StockLevel: 9, ClearanceFlag: true, Enabled: true, Priority: 8,
			FallbackPerks: domain.FallbackPerks{FreeShipping: true, FreeGift: true},
		},
	}

	s := New()
	for _, p := range policies {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.policies[p.SKU] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

func sessionKey(sku string, customerID string) string {
	return sku + "|" + customerID
}

func (s *Store) UpsertPolicy(_ context.Context, policy domain.PricingPolicy) (*domain.PricingPolicy, error) {
	if policy.SKU == "" || policy.BasePriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if policy.FloorPriceCents < 0 || policy.FloorPriceCents > policy.BasePriceCents {
		return nil, store.ErrInvalidInput
	}
	if policy.MaxRounds < 1 || policy.MaxRounds > 5 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.policies[policy.SKU]; ok {
		policy.CreatedAt = existing.CreatedAt
	} else {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now
	s.policies[policy.SKU] = policy

	saved := clonePolicy(policy)
	return &saved, nil
}

func (s *Store) GetPolicy(_ context.Context, sku string) (*domain.PricingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := clonePolicy(policy)
	return &copied, nil
}

func (s *Store) ListPolicies(_ context.Context) ([]domain.PricingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policies := make([]domain.PricingPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		policies = append(policies, clonePolicy(p))
	}
	slices.SortFunc(policies, func(a, b domain.PricingPolicy) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return cmpString(a.SKU, b.SKU)
	})
	return policies, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.NegotiationSession) (*domain.NegotiationSession, error) {
	if session.ID == "" || session.SKU == "" || session.CustomerID == "" {
		return nil, store.ErrInvalidInput
	}
	if session.FloorPriceCents > session.BasePriceCents {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = domain.StatusActive
	}

	stored := cloneSession(&session)
	s.sessions[session.ID] = stored
	if session.Status == domain.StatusActive {
		s.activeSessionKey[sessionKey(session.SKU, session.CustomerID)] = session.ID
	}
	if session.DiscountToken != "" {
		s.sessionIDByToken[session.DiscountToken] = session.ID
	}

	created := cloneSession(stored)
	return created, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) FindActiveSession(_ context.Context, sku string, customerID string) (*domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeSessionKey[sessionKey(sku, customerID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok || sess.Status != domain.StatusActive {
		return nil, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) AppendRound(_ context.Context, sessionID string, ap store.RoundAppend) (*domain.NegotiationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Status != domain.StatusActive {
		return nil, store.ErrSessionTerminal
	}
	if sess.CurrentRound != ap.ExpectedRound {
		return nil, store.ErrVersionConflict
	}
	if ap.NewStatus != domain.StatusActive && !domain.CanTransition(sess.Status, ap.NewStatus) {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	sess.Rounds = append(sess.Rounds, ap.Round)
	sess.CurrentRound = ap.ExpectedRound + 1
	sess.Status = ap.NewStatus
	sess.UpdatedAt = now
	if ap.FinalPriceCents != nil {
		price := *ap.FinalPriceCents
		sess.FinalPriceCents = &price
	}
	if len(ap.FinalPerks) > 0 {
		sess.FinalPerks = append([]string(nil), ap.FinalPerks...)
	}
	if ap.DiscountToken != "" {
		sess.DiscountToken = ap.DiscountToken
		s.sessionIDByToken[ap.DiscountToken] = sess.ID
	}
	if ap.AcceptedAt != nil {
		at := *ap.AcceptedAt
		sess.AcceptedAt = &at
	}
	if ap.Summary != nil {
		summary := *ap.Summary
		sess.Summary = &summary
	}
	if len(ap.FraudFlags) > 0 {
		sess.FraudFlags = append(sess.FraudFlags, ap.FraudFlags...)
	}
	if sess.Status != domain.StatusActive {
		delete(s.activeSessionKey, sessionKey(sess.SKU, sess.CustomerID))
	}

	return cloneSession(sess), nil
}

func (s *Store) AcceptSession(_ context.Context, sessionID string, finalPriceCents int64, perks []string, token string, acceptedAt time.Time, summary domain.AnalyticsSummary) (*domain.NegotiationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.Status != domain.StatusActive {
		return nil, store.ErrSessionTerminal
	}
	if token == "" || finalPriceCents < sess.FloorPriceCents {
		return nil, store.ErrInvalidInput
	}

	sess.Status = domain.StatusAccepted
	sess.FinalPriceCents = &finalPriceCents
	sess.FinalPerks = append([]string(nil), perks...)
	sess.DiscountToken = token
	at := acceptedAt.UTC()
	sess.AcceptedAt = &at
	summaryCopy := summary
	sess.Summary = &summaryCopy
	sess.UpdatedAt = at
	s.sessionIDByToken[token] = sess.ID
	delete(s.activeSessionKey, sessionKey(sess.SKU, sess.CustomerID))

	return cloneSession(sess), nil
}

func (s *Store) RedeemToken(_ context.Context, token string) (*domain.NegotiationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.sessionIDByToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.DiscountRedeemed {
		return nil, store.ErrAlreadyRedeemed
	}

	now := time.Now().UTC()
	sess.DiscountRedeemed = true
	sess.RedeemedAt = &now
	sess.UpdatedAt = now

	return cloneSession(sess), nil
}

func (s *Store) ExpireSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	return s.closeSession(sessionID, domain.StatusExpired, at)
}

func (s *Store) AbandonSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	return s.closeSession(sessionID, domain.StatusAbandoned, at)
}

// closeSession is the compare-and-swap behind the sweeper transitions: it
// only fires while the session is still active, so a just-accepted session
// is never clobbered.
func (s *Store) closeSession(sessionID string, status domain.SessionStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if sess.Status != domain.StatusActive {
		return false, nil
	}
	if !domain.CanTransition(sess.Status, status) {
		return false, store.ErrInvalidInput
	}

	sess.Status = status
	sess.UpdatedAt = at.UTC()
	if sess.Summary == nil {
		sess.Summary = &domain.AnalyticsSummary{RoundsUsed: sess.CurrentRound}
	}
	sess.Summary.AbandonedAtRound = sess.CurrentRound
	delete(s.activeSessionKey, sessionKey(sess.SKU, sess.CustomerID))

	return true, nil
}

func (s *Store) ListExpiryCandidates(_ context.Context, cutoff time.Time, limit int) ([]domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.NegotiationSession, 0, 16)
	for _, sess := range s.sessions {
		if sess.Status != domain.StatusActive || sess.ExpiresAt.After(cutoff) {
			continue
		}
		result = append(result, *cloneSession(sess))
	}
	slices.SortFunc(result, func(a, b domain.NegotiationSession) int {
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Compare(b.ExpiresAt)
		}
		return cmpString(a.ID, b.ID)
	})
	return capSessions(result, limit), nil
}

func (s *Store) ListIdleCandidates(_ context.Context, idleSince time.Time, limit int) ([]domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]domain.NegotiationSession, 0, 16)
	for _, sess := range s.sessions {
		if sess.Status != domain.StatusActive {
			continue
		}
		if sess.UpdatedAt.After(idleSince) || !sess.ExpiresAt.After(now) {
			continue
		}
		result = append(result, *cloneSession(sess))
	}
	slices.SortFunc(result, func(a, b domain.NegotiationSession) int {
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Compare(b.UpdatedAt)
		}
		return cmpString(a.ID, b.ID)
	})
	return capSessions(result, limit), nil
}

func (s *Store) ListSessionsCreatedBetween(_ context.Context, from time.Time, to time.Time) ([]domain.NegotiationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.NegotiationSession, 0, 32)
	for _, sess := range s.sessions {
		if sess.CreatedAt.Before(from) || !sess.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSession(sess))
	}
	slices.SortFunc(result, func(a, b domain.NegotiationSession) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpsertDailyAggregate(_ context.Context, agg domain.DailyAggregate) error {
	if agg.Date == "" || agg.SKU == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.aggregates[agg.Date+"|"+agg.SKU] = agg
	return nil
}

func (s *Store) ListDailyAggregates(_ context.Context, fromDate string, toDate string, sku string) ([]domain.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailyAggregate, 0, len(s.aggregates))
	for _, agg := range s.aggregates {
		if fromDate != "" && agg.Date < fromDate {
			continue
		}
		if toDate != "" && agg.Date > toDate {
			continue
		}
		if sku != "" && agg.SKU != sku {
			continue
		}
		result = append(result, agg)
	}
	slices.SortFunc(result, func(a, b domain.DailyAggregate) int {
		if a.Date != b.Date {
			return cmpString(a.Date, b.Date)
		}
		return cmpString(a.SKU, b.SKU)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func capSessions(sessions []domain.NegotiationSession, limit int) []domain.NegotiationSession {
	if limit > 0 && len(sessions) > limit {
		return sessions[:limit]
	}
	return sessions
}

func clonePolicy(p domain.PricingPolicy) domain.PricingPolicy {
	copied := p
	copied.BundleOffers = append([]domain.BundleOffer(nil), p.BundleOffers...)
	copied.SegmentRules = append([]domain.SegmentRule(nil), p.SegmentRules...)
	return copied
}

func cloneSession(s *domain.NegotiationSession) *domain.NegotiationSession {
	copied := *s
	copied.Rounds = append([]domain.NegotiationRound(nil), s.Rounds...)
	copied.FinalPerks = append([]string(nil), s.FinalPerks...)
	copied.FraudFlags = append([]string(nil), s.FraudFlags...)
	if s.FinalPriceCents != nil {
		price := *s.FinalPriceCents
		copied.FinalPriceCents = &price
	}
	if s.AcceptedAt != nil {
		at := *s.AcceptedAt
		copied.AcceptedAt = &at
	}
	if s.RedeemedAt != nil {
		at := *s.RedeemedAt
		copied.RedeemedAt = &at
	}
	if s.Summary != nil {
		summary := *s.Summary
		copied.Summary = &summary
	}
	return &copied
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
