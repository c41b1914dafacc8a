package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/relayhub/wagateway/internal/apperr"
	"github.com/relayhub/wagateway/internal/models"
)

func TestValidateRejectsEmptyList(t *testing.T) {
	if err := validate(nil); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("validate(nil) = %v, want ErrValidationFailed", err)
	}
}

func TestValidateRejectsBlankContent(t *testing.T) {
	msgs := []models.ContextMessage{{Role: models.RoleUser, Content: "   "}}
	if err := validate(msgs); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("validate(blank) = %v, want ErrValidationFailed", err)
	}
}

func TestValidateRequiresTrailingUserTurn(t *testing.T) {
	msgs := []models.ContextMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	if err := validate(msgs); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("validate(trailing assistant) = %v, want ErrValidationFailed", err)
	}
}

func TestValidateAcceptsWellFormedHistory(t *testing.T) {
	msgs := []models.ContextMessage{
		{Role: models.RoleSystem, Content: "be concise"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "how are you?"},
	}
	if err := validate(msgs); err != nil {
		t.Errorf("validate(well-formed) = %v, want nil", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"ab", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tc := range cases {
		if got := estimateTokens(tc.content); got != tc.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

func TestTruncateToBudgetKeepsMostRecentSuffix(t *testing.T) {
	msgs := []models.ContextMessage{
		{Role: models.RoleUser, Content: strings.Repeat("a", 40)},
		{Role: models.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: models.RoleUser, Content: strings.Repeat("c", 8)},
	}
	got := truncateToBudget(msgs, 5)
	if len(got) != 1 || got[0].Content[0] != 'c' {
		t.Errorf("truncateToBudget dropped the wrong items: %+v", got)
	}
}

func TestTruncateToBudgetNeverDropsTheLastMessage(t *testing.T) {
	msgs := []models.ContextMessage{{Role: models.RoleUser, Content: strings.Repeat("z", 1000)}}
	got := truncateToBudget(msgs, 1)
	if len(got) != 1 {
		t.Errorf("truncateToBudget dropped the sole message, got %d items", len(got))
	}
}

func TestCost(t *testing.T) {
	prices := PriceTable{InputPerMillion: 3, OutputPerMillion: 15}
	got := cost(1_000_000, 1_000_000, prices)
	want := 18.0
	if got != want {
		t.Errorf("cost() = %v, want %v", got, want)
	}
}

func TestPow2(t *testing.T) {
	cases := []struct {
		n    int
		want int64
	}{
		{-1, 1},
		{0, 1},
		{1, 2},
		{2, 4},
		{3, 8},
	}
	for _, tc := range cases {
		if got := pow2(tc.n); got != tc.want {
			t.Errorf("pow2(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestIsRetryableMatchesNetworkClassMessages(t *testing.T) {
	if !isRetryable(errors.New("dial tcp: connection timeout")) {
		t.Error("expected timeout message to be retryable")
	}
	if isRetryable(errors.New("invalid api key")) {
		t.Error("expected unrelated message to be non-retryable")
	}
}

func TestClassifyWrapsUnrecognizedErrorsAsUpstreamError(t *testing.T) {
	err := classify(errors.New("boom"))
	if !errors.Is(err, apperr.ErrUpstreamError) {
		t.Errorf("classify(generic) = %v, want ErrUpstreamError", err)
	}
}

func TestClassifyNilIsNil(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("New() without an API key should fail")
	}
}

func TestNewAppliesRateLimitDefaults(t *testing.T) {
	c, err := New(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.CallsPerSecond != DefaultCallsPerSecond || c.opts.Burst != DefaultBurst {
		t.Errorf("opts = {%v, %v}, want defaults {%v, %v}", c.opts.CallsPerSecond, c.opts.Burst, DefaultCallsPerSecond, DefaultBurst)
	}
	if c.limiter == nil {
		t.Error("expected a non-nil rate limiter")
	}
}

func TestWithCallsPerSecondOverridesDefaults(t *testing.T) {
	c, err := New(WithAPIKey("test-key"), WithCallsPerSecond(2, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.CallsPerSecond != 2 || c.opts.Burst != 1 {
		t.Errorf("opts = {%v, %v}, want {2, 1}", c.opts.CallsPerSecond, c.opts.Burst)
	}
}
