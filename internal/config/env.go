package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logInvalid(logger, name, raw, strconv.Itoa(fallback))
		return fallback
	}
	return value
}

func floatEnv(logger *zap.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logInvalid(logger, name, raw, strconv.FormatFloat(fallback, 'g', -1, 64))
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logInvalid(logger, name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(logger *zap.Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logInvalid(logger, name, raw, strconv.FormatBool(fallback))
		return fallback
	}
	return value
}

func logInvalid(logger *zap.Logger, name, raw, fallback string) {
	if logger == nil {
		return
	}
	logger.Warn("invalid env value, using fallback",
		zap.String("name", name), zap.String("value", raw), zap.String("fallback", fallback))
}
