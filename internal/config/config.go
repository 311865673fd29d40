package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	PolicyCacheTTLSeconds int
	SessionTTLMinutes     int
	AbandonAfterMinutes   int
	SweepIntervalSeconds  int
	CostRatio             float64
	MinMarginPct          float64
	TargetMarginPct       float64
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	policyTTL, err := strconv.Atoi(getEnv("POLICY_CACHE_TTL_SECONDS", "60"))
	if err != nil || policyTTL < 1 {
		policyTTL = 60
	}
	sessionTTL, err := strconv.Atoi(getEnv("SESSION_TTL_MINUTES", "30"))
	if err != nil || sessionTTL < 1 {
		sessionTTL = 30
	}
	abandonAfter, err := strconv.Atoi(getEnv("ABANDON_AFTER_MINUTES", "15"))
	if err != nil || abandonAfter < 0 {
		abandonAfter = 15
	}
	sweepInterval, err := strconv.Atoi(getEnv("SWEEP_INTERVAL_SECONDS", "60"))
	if err != nil || sweepInterval < 1 {
		sweepInterval = 60
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		PolicyCacheTTLSeconds: policyTTL,
		SessionTTLMinutes:     sessionTTL,
		AbandonAfterMinutes:   abandonAfter,
		SweepIntervalSeconds:  sweepInterval,
		CostRatio:             getEnvFloat("COST_RATIO", 0.65),
		MinMarginPct:          getEnvFloat("MIN_MARGIN_PCT", 0.15),
		TargetMarginPct:       getEnvFloat("TARGET_MARGIN_PCT", 0.25),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvFloat(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
