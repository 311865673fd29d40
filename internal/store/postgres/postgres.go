package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/store"
	"tawarin/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pricing_policies (
			sku TEXT PRIMARY KEY,
			product_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			base_price_cents BIGINT NOT NULL,
			floor_price_cents BIGINT NOT NULL,
			max_discount_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_rounds INT NOT NULL DEFAULT 3,
			clearance_flag BOOLEAN NOT NULL DEFAULT false,
			stock_level INT NOT NULL DEFAULT 0,
			bundle_offers JSONB NOT NULL DEFAULT '[]',
			segment_rules JSONB NOT NULL DEFAULT '[]',
			fallback_perks JSONB NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT true,
			priority INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS negotiation_sessions (
			id TEXT PRIMARY KEY,
			sku TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			customer_segment TEXT NOT NULL DEFAULT 'default',
			quantity INT NOT NULL DEFAULT 1,
			base_price_cents BIGINT NOT NULL,
			floor_price_cents BIGINT NOT NULL,
			rounds JSONB NOT NULL DEFAULT '[]',
			current_round INT NOT NULL DEFAULT 0,
			max_rounds INT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			final_price_cents BIGINT,
			final_perks JSONB NOT NULL DEFAULT '[]',
			accepted_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			discount_token TEXT UNIQUE,
			discount_redeemed BOOLEAN NOT NULL DEFAULT false,
			redeemed_at TIMESTAMPTZ,
			fraud_flags JSONB NOT NULL DEFAULT '[]',
			analytics_summary JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_sku_status ON negotiation_sessions (sku, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON negotiation_sessions (expires_at) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON negotiation_sessions (created_at)`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			id TEXT NOT NULL,
			date TEXT NOT NULL,
			sku TEXT NOT NULL,
			total_sessions BIGINT NOT NULL DEFAULT 0,
			accepted_count BIGINT NOT NULL DEFAULT 0,
			rejected_count BIGINT NOT NULL DEFAULT 0,
			expired_count BIGINT NOT NULL DEFAULT 0,
			abandoned_count BIGINT NOT NULL DEFAULT 0,
			conversion_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_rounds DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_discount_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_margin_impact_cents BIGINT NOT NULL DEFAULT 0,
			avg_time_to_decision_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			rounds_histogram JSONB NOT NULL DEFAULT '{}',
			segments JSONB NOT NULL DEFAULT '[]',
			perk_usage JSONB NOT NULL DEFAULT '[]',
			fraud_flag_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (date, sku)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor_username TEXT NOT NULL DEFAULT '',
			actor_role TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS user_accounts (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertPolicy(ctx context.Context, policy domain.PricingPolicy) (*domain.PricingPolicy, error) {
	if policy.SKU == "" || policy.BasePriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if policy.FloorPriceCents < 0 || policy.FloorPriceCents > policy.BasePriceCents {
		return nil, store.ErrInvalidInput
	}
	if policy.MaxRounds < 1 || policy.MaxRounds > 5 {
		return nil, store.ErrInvalidInput
	}

	bundles, err := json.Marshal(orEmptyBundles(policy.BundleOffers))
	if err != nil {
		return nil, err
	}
	rules, err := json.Marshal(orEmptyRules(policy.SegmentRules))
	if err != nil {
		return nil, err
	}
	perks, err := json.Marshal(policy.FallbackPerks)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pricing_policies (
			sku, product_name, category, base_price_cents, floor_price_cents,
			max_discount_pct, max_rounds, clearance_flag, stock_level,
			bundle_offers, segment_rules, fallback_perks, enabled, priority,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
		ON CONFLICT (sku) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			category = EXCLUDED.category,
			base_price_cents = EXCLUDED.base_price_cents,
			floor_price_cents = EXCLUDED.floor_price_cents,
			max_discount_pct = EXCLUDED.max_discount_pct,
			max_rounds = EXCLUDED.max_rounds,
			clearance_flag = EXCLUDED.clearance_flag,
			stock_level = EXCLUDED.stock_level,
			bundle_offers = EXCLUDED.bundle_offers,
			segment_rules = EXCLUDED.segment_rules,
			fallback_perks = EXCLUDED.fallback_perks,
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			updated_at = now()
	`, policy.SKU, policy.ProductName, policy.Category, policy.BasePriceCents, policy.FloorPriceCents,
		policy.MaxDiscountPct, policy.MaxRounds, policy.ClearanceFlag, policy.StockLevel,
		bundles, rules, perks, policy.Enabled, policy.Priority)
	if err != nil {
		return nil, err
	}

	return s.GetPolicy(ctx, policy.SKU)
}

const policyColumns = `sku, product_name, category, base_price_cents, floor_price_cents,
	max_discount_pct, max_rounds, clearance_flag, stock_level,
	bundle_offers, segment_rules, fallback_perks, enabled, priority, created_at, updated_at`

func (s *Store) GetPolicy(ctx context.Context, sku string) (*domain.PricingPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM pricing_policies WHERE sku = $1`, sku)
	policy, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return policy, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]domain.PricingPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM pricing_policies ORDER BY priority DESC, sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := make([]domain.PricingPolicy, 0, 64)
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return policies, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*domain.PricingPolicy, error) {
	var policy domain.PricingPolicy
	var bundles, rules, perks []byte
	err := row.Scan(
		&policy.SKU, &policy.ProductName, &policy.Category, &policy.BasePriceCents, &policy.FloorPriceCents,
		&policy.MaxDiscountPct, &policy.MaxRounds, &policy.ClearanceFlag, &policy.StockLevel,
		&bundles, &rules, &perks, &policy.Enabled, &policy.Priority, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bundles, &policy.BundleOffers); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &policy.SegmentRules); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(perks, &policy.FallbackPerks); err != nil {
		return nil, err
	}
	policy.CreatedAt = policy.CreatedAt.UTC()
	policy.UpdatedAt = policy.UpdatedAt.UTC()
	return &policy, nil
}

const sessionColumns = `id, sku, customer_id, customer_segment, quantity, base_price_cents, floor_price_cents,
	rounds, current_round, max_rounds, status, final_price_cents, final_perks, accepted_at, expires_at,
	discount_token, discount_redeemed, redeemed_at, fraud_flags, analytics_summary, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, session domain.NegotiationSession) (*domain.NegotiationSession, error) {
	if session.ID == "" || session.SKU == "" || session.CustomerID == "" {
		return nil, store.ErrInvalidInput
	}
	if session.FloorPriceCents > session.BasePriceCents {
		return nil, store.ErrInvalidInput
	}
	if session.Status == "" {
		session.Status = domain.StatusActive
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	rounds, err := json.Marshal(orEmptyRounds(session.Rounds))
	if err != nil {
		return nil, err
	}
	perks, err := json.Marshal(orEmptyStrings(session.FinalPerks))
	if err != nil {
		return nil, err
	}
	flags, err := json.Marshal(orEmptyStrings(session.FraudFlags))
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO negotiation_sessions (
			id, sku, customer_id, customer_segment, quantity, base_price_cents, floor_price_cents,
			rounds, current_round, max_rounds, status, final_perks, expires_at,
			discount_redeemed, fraud_flags, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,$14,$15,$16)
	`, session.ID, session.SKU, session.CustomerID, session.CustomerSegment, session.Quantity,
		session.BasePriceCents, session.FloorPriceCents, rounds, session.CurrentRound, session.MaxRounds,
		string(session.Status), perks, session.ExpiresAt, flags, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	return s.GetSession(ctx, session.ID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.NegotiationSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM negotiation_sessions WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) FindActiveSession(ctx context.Context, sku string, customerID string) (*domain.NegotiationSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM negotiation_sessions
		WHERE sku = $1 AND customer_id = $2 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, sku, customerID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// AppendRound is a conditional update: it only lands while the session is
// still active and its current_round matches the expected version, which
// keeps concurrent continuations from both appending the same round.
func (s *Store) AppendRound(ctx context.Context, sessionID string, ap store.RoundAppend) (*domain.NegotiationSession, error) {
	if ap.NewStatus != domain.StatusActive && !domain.CanTransition(domain.StatusActive, ap.NewStatus) {
		return nil, store.ErrInvalidInput
	}

	roundJSON, err := json.Marshal(ap.Round)
	if err != nil {
		return nil, err
	}
	var perksJSON []byte
	if len(ap.FinalPerks) > 0 {
		perksJSON, err = json.Marshal(ap.FinalPerks)
		if err != nil {
			return nil, err
		}
	}
	var summaryJSON []byte
	if ap.Summary != nil {
		summaryJSON, err = json.Marshal(ap.Summary)
		if err != nil {
			return nil, err
		}
	}
	flagsJSON, err := json.Marshal(orEmptyStrings(ap.FraudFlags))
	if err != nil {
		return nil, err
	}

	var token any
	if ap.DiscountToken != "" {
		token = ap.DiscountToken
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE negotiation_sessions SET
			rounds = rounds || $3::jsonb,
			current_round = $2 + 1,
			status = $4,
			final_price_cents = COALESCE($5, final_price_cents),
			final_perks = COALESCE($6::jsonb, final_perks),
			discount_token = COALESCE($7, discount_token),
			accepted_at = COALESCE($8, accepted_at),
			analytics_summary = COALESCE($9::jsonb, analytics_summary),
			fraud_flags = fraud_flags || $10::jsonb,
			updated_at = now()
		WHERE id = $1 AND status = 'active' AND current_round = $2
	`, sessionID, ap.ExpectedRound, roundJSON, string(ap.NewStatus),
		ap.FinalPriceCents, perksJSON, token, ap.AcceptedAt, summaryJSON, flagsJSON)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.classifyConflict(ctx, sessionID)
	}

	return s.GetSession(ctx, sessionID)
}

func (s *Store) AcceptSession(ctx context.Context, sessionID string, finalPriceCents int64, perks []string, token string, acceptedAt time.Time, summary domain.AnalyticsSummary) (*domain.NegotiationSession, error) {
	if token == "" {
		return nil, store.ErrInvalidInput
	}
	perksJSON, err := json.Marshal(orEmptyStrings(perks))
	if err != nil {
		return nil, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE negotiation_sessions SET
			status = 'accepted',
			final_price_cents = $2,
			final_perks = $3::jsonb,
			discount_token = $4,
			accepted_at = $5,
			analytics_summary = $6::jsonb,
			updated_at = $5
		WHERE id = $1 AND status = 'active' AND floor_price_cents <= $2
	`, sessionID, finalPriceCents, perksJSON, token, acceptedAt.UTC(), summaryJSON)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.classifyConflict(ctx, sessionID)
	}

	return s.GetSession(ctx, sessionID)
}

// classifyConflict disambiguates a zero-row conditional update.
func (s *Store) classifyConflict(ctx context.Context, sessionID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM negotiation_sessions WHERE id = $1`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if domain.SessionStatus(status) != domain.StatusActive {
		return store.ErrSessionTerminal
	}
	return store.ErrVersionConflict
}

func (s *Store) RedeemToken(ctx context.Context, token string) (*domain.NegotiationSession, error) {
	now := time.Now().UTC()
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE negotiation_sessions SET
			discount_redeemed = true,
			redeemed_at = $2,
			updated_at = $2
		WHERE discount_token = $1 AND discount_redeemed = false
		RETURNING id
	`, token, now).Scan(&sessionID)
	if err == nil {
		return s.GetSession(ctx, sessionID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT id FROM negotiation_sessions WHERE discount_token = $1`, token).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, store.ErrAlreadyRedeemed
}

func (s *Store) ExpireSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	return s.closeSession(ctx, sessionID, domain.StatusExpired, at)
}

func (s *Store) AbandonSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	return s.closeSession(ctx, sessionID, domain.StatusAbandoned, at)
}

func (s *Store) closeSession(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE negotiation_sessions SET
			status = $2,
			analytics_summary = jsonb_set(
				COALESCE(analytics_summary, jsonb_build_object('rounds_used', current_round)),
				'{abandoned_at_round}', to_jsonb(current_round)
			),
			updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, sessionID, string(status), at.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM negotiation_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, store.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.NegotiationSession, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM negotiation_sessions
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) ListIdleCandidates(ctx context.Context, idleSince time.Time, limit int) ([]domain.NegotiationSession, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM negotiation_sessions
		WHERE status = 'active' AND updated_at <= $1 AND expires_at > now()
		ORDER BY updated_at, id
		LIMIT $2
	`, idleSince.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) ListSessionsCreatedBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.NegotiationSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM negotiation_sessions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]domain.NegotiationSession, error) {
	sessions := make([]domain.NegotiationSession, 0, 32)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*domain.NegotiationSession, error) {
	var session domain.NegotiationSession
	var rounds, perks, flags []byte
	var summary []byte
	var status string
	var finalPrice sql.NullInt64
	var acceptedAt, redeemedAt sql.NullTime
	var token sql.NullString

	err := row.Scan(
		&session.ID, &session.SKU, &session.CustomerID, &session.CustomerSegment, &session.Quantity,
		&session.BasePriceCents, &session.FloorPriceCents, &rounds, &session.CurrentRound, &session.MaxRounds,
		&status, &finalPrice, &perks, &acceptedAt, &session.ExpiresAt,
		&token, &session.DiscountRedeemed, &redeemedAt, &flags, &summary,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatus(status)
	if err := json.Unmarshal(rounds, &session.Rounds); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(perks, &session.FinalPerks); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(flags, &session.FraudFlags); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		session.Summary = &domain.AnalyticsSummary{}
		if err := json.Unmarshal(summary, session.Summary); err != nil {
			return nil, err
		}
	}
	if finalPrice.Valid {
		price := finalPrice.Int64
		session.FinalPriceCents = &price
	}
	if acceptedAt.Valid {
		at := acceptedAt.Time.UTC()
		session.AcceptedAt = &at
	}
	if redeemedAt.Valid {
		at := redeemedAt.Time.UTC()
		session.RedeemedAt = &at
	}
	if token.Valid {
		session.DiscountToken = token.String
	}
	session.ExpiresAt = session.ExpiresAt.UTC()
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()

	return &session, nil
}

func (s *Store) UpsertDailyAggregate(ctx context.Context, agg domain.DailyAggregate) error {
	if agg.Date == "" || agg.SKU == "" {
		return store.ErrInvalidInput
	}

	histogram, err := json.Marshal(agg.RoundsHistogram)
	if err != nil {
		return err
	}
	segments, err := json.Marshal(orEmptySegments(agg.Segments))
	if err != nil {
		return err
	}
	perks, err := json.Marshal(orEmptyPerks(agg.PerkUsage))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			id, date, sku, total_sessions, accepted_count, rejected_count, expired_count, abandoned_count,
			conversion_rate, avg_rounds, avg_discount_pct, avg_margin_impact_cents, avg_time_to_decision_seconds,
			rounds_histogram, segments, perk_usage, fraud_flag_count, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
		ON CONFLICT (date, sku) DO UPDATE SET
			id = EXCLUDED.id,
			total_sessions = EXCLUDED.total_sessions,
			accepted_count = EXCLUDED.accepted_count,
			rejected_count = EXCLUDED.rejected_count,
			expired_count = EXCLUDED.expired_count,
			abandoned_count = EXCLUDED.abandoned_count,
			conversion_rate = EXCLUDED.conversion_rate,
			avg_rounds = EXCLUDED.avg_rounds,
			avg_discount_pct = EXCLUDED.avg_discount_pct,
			avg_margin_impact_cents = EXCLUDED.avg_margin_impact_cents,
			avg_time_to_decision_seconds = EXCLUDED.avg_time_to_decision_seconds,
			rounds_histogram = EXCLUDED.rounds_histogram,
			segments = EXCLUDED.segments,
			perk_usage = EXCLUDED.perk_usage,
			fraud_flag_count = EXCLUDED.fraud_flag_count,
			updated_at = now()
	`, agg.ID, agg.Date, agg.SKU, agg.TotalSessions, agg.AcceptedCount, agg.RejectedCount, agg.ExpiredCount,
		agg.AbandonedCount, agg.ConversionRate, agg.AvgRounds, agg.AvgDiscountPct, agg.AvgMarginImpactCents,
		agg.AvgTimeToDecisionSeconds, histogram, segments, perks, agg.FraudFlagCount)
	return err
}

func (s *Store) ListDailyAggregates(ctx context.Context, fromDate string, toDate string, sku string) ([]domain.DailyAggregate, error) {
	query := `
		SELECT id, date, sku, total_sessions, accepted_count, rejected_count, expired_count, abandoned_count,
			conversion_rate, avg_rounds, avg_discount_pct, avg_margin_impact_cents, avg_time_to_decision_seconds,
			rounds_histogram, segments, perk_usage, fraud_flag_count
		FROM daily_aggregates
		WHERE ($1 = '' OR date >= $1) AND ($2 = '' OR date <= $2) AND ($3 = '' OR sku = $3)
		ORDER BY date, sku
	`
	rows, err := s.db.QueryContext(ctx, query, fromDate, toDate, sku)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aggs := make([]domain.DailyAggregate, 0, 32)
	for rows.Next() {
		var agg domain.DailyAggregate
		var histogram, segments, perks []byte
		err := rows.Scan(
			&agg.ID, &agg.Date, &agg.SKU, &agg.TotalSessions, &agg.AcceptedCount, &agg.RejectedCount,
			&agg.ExpiredCount, &agg.AbandonedCount, &agg.ConversionRate, &agg.AvgRounds, &agg.AvgDiscountPct,
			&agg.AvgMarginImpactCents, &agg.AvgTimeToDecisionSeconds, &histogram, &segments, &perks, &agg.FraudFlagCount,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(histogram, &agg.RoundsHistogram); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(segments, &agg.Segments); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(perks, &agg.PerkUsage); err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggs, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM user_accounts
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_accounts SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func orEmptyBundles(v []domain.BundleOffer) []domain.BundleOffer {
	if v == nil {
		return []domain.BundleOffer{}
	}
	return v
}

func orEmptyRules(v []domain.SegmentRule) []domain.SegmentRule {
	if v == nil {
		return []domain.SegmentRule{}
	}
	return v
}

func orEmptyRounds(v []domain.NegotiationRound) []domain.NegotiationRound {
	if v == nil {
		return []domain.NegotiationRound{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptySegments(v []domain.SegmentBreakdown) []domain.SegmentBreakdown {
	if v == nil {
		return []domain.SegmentBreakdown{}
	}
	return v
}

func orEmptyPerks(v []domain.PerkCount) []domain.PerkCount {
	if v == nil {
		return []domain.PerkCount{}
	}
	return v
}
