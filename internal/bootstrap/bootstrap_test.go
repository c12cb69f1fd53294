package bootstrap

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kirillkom/dealflow/internal/config"
	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/infrastructure/lock/memlock"
	"github.com/kirillkom/dealflow/internal/infrastructure/lock/redislock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewJudgeRejectsUnknownBackend(t *testing.T) {
	_, err := newJudge(config.Config{LLMBackend: "bard"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewJudgeOpenAIRequiresKey(t *testing.T) {
	if _, err := newJudge(config.Config{LLMBackend: config.LLMBackendOpenAI}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestNewJudgeOllama(t *testing.T) {
	judge, err := newJudge(config.Config{LLMBackend: config.LLMBackendOllama, OllamaURL: "http://localhost:11434"})
	if err != nil || judge == nil {
		t.Fatalf("newJudge() = %v, %v", judge, err)
	}
}

func TestJudgeExecutorConfigMapsSettings(t *testing.T) {
	exec := judgeExecutorConfig(config.Config{
		JudgeRetryMaxAttempts:    5,
		JudgeRetryInitialBackoff: time.Second,
		JudgeBreakerEnabled:      true,
		JudgeRateLimitPerSecond:  0.5,
		JudgeRateLimitBurst:      3,
	})
	if exec.RetryMaxAttempts != 5 || exec.RetryInitialBackoff != time.Second {
		t.Fatalf("retry settings not mapped: %+v", exec)
	}
	if !exec.BreakerEnabled || exec.RateLimitPerSecond != 0.5 || exec.RateLimitBurst != 3 {
		t.Fatalf("breaker/rate settings not mapped: %+v", exec)
	}
}

func TestNewLockerFallsBackToInProcess(t *testing.T) {
	locker, closeFn, err := newLocker(config.Config{}, quietLogger())
	if err != nil {
		t.Fatalf("newLocker() error = %v", err)
	}
	defer closeFn()
	if _, ok := locker.(*memlock.Locker); !ok {
		t.Fatalf("expected in-process locker, got %T", locker)
	}
}

func TestNewLockerUsesRedisWhenConfigured(t *testing.T) {
	locker, closeFn, err := newLocker(config.Config{RedisURL: "redis://localhost:6379/2", LockTTL: time.Second}, quietLogger())
	if err != nil {
		t.Fatalf("newLocker() error = %v", err)
	}
	defer closeFn()
	if _, ok := locker.(*redislock.Locker); !ok {
		t.Fatalf("expected redis locker, got %T", locker)
	}
}

func TestNewLockerRejectsBadRedisURL(t *testing.T) {
	if _, _, err := newLocker(config.Config{RedisURL: "mysql://nope"}, quietLogger()); err == nil {
		t.Fatal("expected redis url parse error")
	}
}
