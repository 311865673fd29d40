package store

import (
	"context"
	"errors"
	"time"

	"tawarin/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPolicyDisabled     = errors.New("policy disabled")
	ErrSessionTerminal    = errors.New("session terminal")
	ErrSessionExpired     = errors.New("session expired")
	ErrRoundLimitExceeded = errors.New("round limit exceeded")
	ErrAlreadyRedeemed    = errors.New("discount already redeemed")
	ErrVersionConflict    = errors.New("version conflict")
	ErrInvalidInput       = errors.New("invalid input")
)

// RoundAppend carries one round plus the session mutations that must land
// atomically with it. ExpectedRound is the optimistic version check: the
// append fails with ErrVersionConflict unless the stored CurrentRound still
// matches it.
type RoundAppend struct {
	ExpectedRound   int
	Round           domain.NegotiationRound
	NewStatus       domain.SessionStatus
	FinalPriceCents *int64
	FinalPerks      []string
	DiscountToken   string
	AcceptedAt      *time.Time
	Summary         *domain.AnalyticsSummary
	FraudFlags      []string
}

type Repository interface {
	UpsertPolicy(ctx context.Context, policy domain.PricingPolicy) (*domain.PricingPolicy, error)
	GetPolicy(ctx context.Context, sku string) (*domain.PricingPolicy, error)
	ListPolicies(ctx context.Context) ([]domain.PricingPolicy, error)

	CreateSession(ctx context.Context, session domain.NegotiationSession) (*domain.NegotiationSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.NegotiationSession, error)
	FindActiveSession(ctx context.Context, sku string, customerID string) (*domain.NegotiationSession, error)
	AppendRound(ctx context.Context, sessionID string, ap RoundAppend) (*domain.NegotiationSession, error)
	AcceptSession(ctx context.Context, sessionID string, finalPriceCents int64, perks []string, token string, acceptedAt time.Time, summary domain.AnalyticsSummary) (*domain.NegotiationSession, error)
	RedeemToken(ctx context.Context, token string) (*domain.NegotiationSession, error)
	ExpireSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	AbandonSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.NegotiationSession, error)
	ListIdleCandidates(ctx context.Context, idleSince time.Time, limit int) ([]domain.NegotiationSession, error)
	ListSessionsCreatedBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.NegotiationSession, error)

	UpsertDailyAggregate(ctx context.Context, agg domain.DailyAggregate) error
	ListDailyAggregates(ctx context.Context, fromDate string, toDate string, sku string) ([]domain.DailyAggregate, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
