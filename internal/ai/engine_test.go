package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapesim/internal/decision"
	"tapesim/internal/indicator"
	"tapesim/internal/ledger"
)

type stubProvider struct {
	id    string
	raw   string
	err   error
	calls int
}

func (s *stubProvider) ID() string { return s.id }

func (s *stubProvider) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.raw, nil
}

const validRaw = `{"trade_signal_args": {"coin": "BTC", "signal": "buy", "quantity": 0.5,
  "profit_target": 72000, "stop_loss": 65000, "leverage": 3, "confidence": 0.8,
  "risk_usd": 200, "entry_price": 68000}}`

func testSnapshot() indicator.Snapshot {
	return indicator.Snapshot{
		Symbol: "BTC", Frequency: "3m", Timestamp: 1700000000,
		Price: 68000, Volume: 10, AvgVolume: 9, Bars: 60,
		Values: map[string]indicator.Value{},
	}
}

func testAccount() ledger.AccountSnapshot {
	return ledger.AccountSnapshot{InitialCash: 10000, AvailableCash: 10000, TotalAsset: 10000}
}

func TestDecideFirstProviderWins(t *testing.T) {
	first := &stubProvider{id: "primary", raw: validRaw}
	second := &stubProvider{id: "backup", raw: validRaw}
	eng := NewEngine([]Provider{first, second}, nil, 0)

	res, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "primary", res.ProviderID)
	assert.Equal(t, decision.SignalBuy, res.Decision.Signal)
	assert.Equal(t, "BTC", res.Decision.Symbol)
	assert.Equal(t, 0.5, res.Decision.Quantity)
	assert.NotEmpty(t, res.SystemPrompt)
	assert.NotEmpty(t, res.UserPrompt)
	assert.NotEmpty(t, res.RawJSON)
	assert.Equal(t, validRaw, res.RawOutput)
	assert.Zero(t, second.calls, "首个成功后不再调用后备")
}

func TestDecideFallsBackOnFailure(t *testing.T) {
	first := &stubProvider{id: "primary", err: fmt.Errorf("status=500: boom")}
	second := &stubProvider{id: "backup", raw: validRaw}
	eng := NewEngine([]Provider{first, second}, nil, 0)

	res, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "backup", res.ProviderID)
	assert.Equal(t, 1, first.calls)
}

func TestDecideUnavailable(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		err  error
	}{
		{"call error", "", fmt.Errorf("dial tcp: refused")},
		{"no json", "抱歉，我无法给出建议。", nil},
		{"missing envelope", `{"signal": "buy"}`, nil},
		{"invalid confidence", `{"trade_signal_args": {"coin":"BTC","signal":"buy","quantity":1,"confidence":3}}`, nil},
		{"coin mismatch", `{"trade_signal_args": {"coin":"DOGE","signal":"buy","quantity":1}}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubProvider{id: "only", raw: tc.raw, err: tc.err}
			eng := NewEngine([]Provider{p}, nil, 0)
			_, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
			assert.True(t, errors.Is(err, ErrDecisionUnavailable), "err=%v", err)
		})
	}
}

func TestDecideNoProviders(t *testing.T) {
	eng := NewEngine(nil, nil, 0)
	_, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
	assert.True(t, errors.Is(err, ErrDecisionUnavailable))
}

func TestDecideFillsMissingCoin(t *testing.T) {
	raw := `{"trade_signal_args": {"signal": "hold"}}`
	eng := NewEngine([]Provider{&stubProvider{id: "only", raw: raw}}, nil, 0)
	res, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "BTC", res.Decision.Symbol)
	assert.Equal(t, decision.SignalHold, res.Decision.Signal)
}

func TestDecideCanceledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := &stubProvider{id: "primary", err: context.Canceled}
	second := &stubProvider{id: "backup", raw: validRaw}
	eng := NewEngine([]Provider{first, second}, nil, 0)

	_, err := eng.Decide(ctx, testSnapshot(), testAccount())
	assert.True(t, errors.Is(err, ErrDecisionUnavailable))
	assert.Zero(t, second.calls, "取消后不再尝试后备")
}

func TestDecideBreakerSkipsDeadProvider(t *testing.T) {
	dead := &stubProvider{id: "dead", err: fmt.Errorf("dial tcp: refused")}
	alive := &stubProvider{id: "alive", raw: validRaw}
	eng := NewEngine([]Provider{dead, alive}, nil, 0)

	for i := 0; i < breakerThreshold; i++ {
		res, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
		require.NoError(t, err)
		assert.Equal(t, "alive", res.ProviderID)
	}
	assert.Equal(t, breakerThreshold, dead.calls)

	res, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "alive", res.ProviderID)
	assert.Equal(t, breakerThreshold, dead.calls, "熔断后不再调用失败的提供方")
}

func TestDecideAllBreakersOpen(t *testing.T) {
	dead := &stubProvider{id: "only", err: fmt.Errorf("dial tcp: refused")}
	eng := NewEngine([]Provider{dead}, nil, 0)

	for i := 0; i < breakerThreshold; i++ {
		_, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
		assert.True(t, errors.Is(err, ErrDecisionUnavailable))
	}
	_, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
	assert.True(t, errors.Is(err, ErrDecisionUnavailable))
	assert.Equal(t, breakerThreshold, dead.calls, "熔断打开后不再发起调用")
}

const engineSchemaYAML = `decision_schema:
  description: "通道测试"
  prompt_hint: "confidence 取 0~1"
  schema:
    type: object
    required: ["trade_signal_args"]
    properties:
      trade_signal_args:
        type: object
        required: ["signal"]
        properties:
          coin: {type: string}
          signal: {type: string, enum: ["buy", "sell", "hold", "close"]}
          quantity: {type: number, minimum: 0}
          confidence: {type: number, minimum: 0, maximum: 1}
`

func writeSchemaFile(t *testing.T) *decision.SchemaRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decision_schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineSchemaYAML), 0o644))
	reg, err := decision.NewSchemaRegistry(path, false)
	require.NoError(t, err)
	return reg
}

func TestDecideWithSchemaRegistry(t *testing.T) {
	reg := writeSchemaFile(t)

	t.Run("valid passes and hint lands in system prompt", func(t *testing.T) {
		p := &stubProvider{id: "only", raw: validRaw}
		eng := NewEngine([]Provider{p}, reg, 0)
		res, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
		require.NoError(t, err)
		assert.Contains(t, res.SystemPrompt, "confidence 取 0~1")
	})

	t.Run("schema rejection falls through", func(t *testing.T) {
		p := &stubProvider{id: "only", raw: `{"trade_signal_args": {"signal": "launch"}}`}
		eng := NewEngine([]Provider{p}, reg, 0)
		_, err := eng.Decide(context.Background(), testSnapshot(), testAccount())
		assert.True(t, errors.Is(err, ErrDecisionUnavailable))
	})
}

func TestBuildProviders(t *testing.T) {
	t.Run("env key missing skips provider", func(t *testing.T) {
		models := []ModelConfig{{ID: "m1", BaseURL: "https://x", Model: "a", APIKeyEnv: "TAPESIM_TEST_ABSENT_KEY", Enabled: true}}
		assert.Empty(t, BuildProviders(models, CallOptions{Timeout: time.Second}))
	})

	t.Run("disabled skipped", func(t *testing.T) {
		t.Setenv("TAPESIM_TEST_KEY", "sk-abc")
		models := []ModelConfig{{ID: "m1", BaseURL: "https://x", Model: "a", APIKeyEnv: "TAPESIM_TEST_KEY", Enabled: false}}
		assert.Empty(t, BuildProviders(models, CallOptions{Timeout: time.Second}))
	})

	t.Run("model env override", func(t *testing.T) {
		t.Setenv("TAPESIM_TEST_KEY", "sk-abc")
		t.Setenv("TAPESIM_TEST_MODEL", "alt-model")
		models := []ModelConfig{{
			ID: "m1", BaseURL: "https://x", Model: "base-model",
			APIKeyEnv: "TAPESIM_TEST_KEY", ModelEnv: "TAPESIM_TEST_MODEL", Enabled: true,
		}}
		got := BuildProviders(models, CallOptions{Timeout: time.Second, MaxRetries: 1, Temperature: 0.2})
		require.Len(t, got, 1)
		cp, ok := got[0].(*chatProvider)
		require.True(t, ok)
		assert.Equal(t, "alt-model", cp.client.Model)
		assert.Equal(t, "sk-abc", cp.client.APIKey)
		assert.Equal(t, 1, cp.client.MaxRetries)
		assert.InDelta(t, 0.2, cp.client.Temperature, 1e-9)
	})

	t.Run("default chain honors env", func(t *testing.T) {
		t.Setenv("OPENROUTER_API_KEY", "sk-router")
		t.Setenv("OPENAI_API_KEY", "")
		got := BuildProviders(nil, CallOptions{})
		require.Len(t, got, 1)
		assert.Equal(t, "openrouter", got[0].ID())
	})

	t.Run("generated id", func(t *testing.T) {
		t.Setenv("TAPESIM_TEST_KEY", "sk-abc")
		models := []ModelConfig{{BaseURL: "https://x", Model: "a", APIKeyEnv: "TAPESIM_TEST_KEY", Enabled: true}}
		got := BuildProviders(models, CallOptions{})
		require.Len(t, got, 1)
		assert.Equal(t, "https://x:a", got[0].ID())
	})
}
