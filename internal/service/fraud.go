package service

import "tawarin/backend/internal/domain"

// FraudEvaluator inspects a session after each round append and returns any
// flags to record on it. The default implementation flags nothing; detection
// heuristics plug in here without touching the session manager.
type FraudEvaluator interface {
	Evaluate(session domain.NegotiationSession) []string
}

type NoopFraudEvaluator struct{}

func (NoopFraudEvaluator) Evaluate(_ domain.NegotiationSession) []string {
	return nil
}
