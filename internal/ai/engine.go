// Package ai 把行情快照变成交易决策：渲染提示词、按顺序尝试模型提供方、
// 解析并校验模型输出。任何一环失败都换下一个提供方，全部失败对调用方
// 表现为 ErrDecisionUnavailable，回放循环按持仓不动处理。
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tapesim/internal/decision"
	"tapesim/internal/indicator"
	"tapesim/internal/ledger"
	"tapesim/internal/logger"
	"tapesim/internal/pkg/circuit"
	"tapesim/internal/prompt"
)

// ErrDecisionUnavailable 表示本轮拿不到任何可用决策。
var ErrDecisionUnavailable = errors.New("本轮无可用决策")

const purposeDecision = "decision"

// 每个提供方一个熔断器：连续 5 次失败后跳过该提供方 2 分钟，
// 避免长回放里每一步都在死掉的提供方上烧满超时。
const (
	breakerThreshold = 5
	breakerCooldown  = 2 * time.Minute
)

// Result 记录一次成功决策的全部材料，供日志与复盘使用。
type Result struct {
	Decision     decision.Decision
	ProviderID   string
	SystemPrompt string
	UserPrompt   string
	RawOutput    string
	RawJSON      string
	LatencyMS    int64
}

// Engine 决策引擎：提示词 + 提供方链 + schema 校验。
type Engine struct {
	providers   []Provider
	schemas     *decision.SchemaRegistry
	callTimeout time.Duration
	breakers    map[string]*circuit.CircuitBreaker
}

func NewEngine(providers []Provider, schemas *decision.SchemaRegistry, callTimeout time.Duration) *Engine {
	breakers := make(map[string]*circuit.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.ID()] = circuit.NewCircuitBreaker(p.ID(), breakerThreshold, breakerCooldown)
	}
	return &Engine{providers: providers, schemas: schemas, callTimeout: callTimeout, breakers: breakers}
}

// Providers 返回链上的提供方 ID，启动日志用。
func (e *Engine) Providers() []string {
	ids := make([]string, 0, len(e.providers))
	for _, p := range e.providers {
		ids = append(ids, p.ID())
	}
	return ids
}

// Decide 针对单个标的做一轮决策。按顺序尝试提供方，第一个产出
// 合法决策的获胜；模型输出的 coin 必须与请求的标的一致。
func (e *Engine) Decide(ctx context.Context, snap indicator.Snapshot, acct ledger.AccountSnapshot) (Result, error) {
	if len(e.providers) == 0 {
		return Result{}, fmt.Errorf("%w: 没有配置任何模型提供方", ErrDecisionUnavailable)
	}

	hint := ""
	if e.schemas != nil {
		hint = e.schemas.PromptHint()
	}
	systemPrompt := prompt.System(hint)
	userPrompt := prompt.BuildUser(snap, acct)

	var lastErr error
	for _, p := range e.providers {
		cb := e.breakers[p.ID()]
		if cb != nil && !cb.Allow() {
			logger.Warnf("提供方 %s 熔断中，跳过", p.ID())
			lastErr = fmt.Errorf("%s: 熔断中", p.ID())
			continue
		}
		res, err := e.tryProvider(ctx, p, snap.Symbol, systemPrompt, userPrompt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				// 父上下文取消导致的失败不记提供方的账
				break
			}
			if cb != nil {
				cb.RecordFailure()
			}
			continue
		}
		if cb != nil {
			cb.RecordSuccess()
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("没有提供方被尝试")
	}
	return Result{}, fmt.Errorf("%w: %v", ErrDecisionUnavailable, lastErr)
}

func (e *Engine) tryProvider(ctx context.Context, p Provider, symbol, systemPrompt, userPrompt string) (Result, error) {
	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	logger.LogLLMRequest(p.ID(), purposeDecision, systemPrompt, userPrompt)
	start := time.Now()
	raw, err := p.Call(callCtx, systemPrompt, userPrompt)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warnf("模型 %s 调用失败: %v", p.ID(), err)
		return Result{}, fmt.Errorf("%s: %w", p.ID(), err)
	}
	logger.LogLLMResponse(p.ID(), purposeDecision, raw)

	d, rawJSON, err := decision.Parse(raw)
	if err != nil {
		logger.Warnf("模型 %s 输出无法解析: %v", p.ID(), err)
		return Result{}, fmt.Errorf("%s: 解析失败: %w", p.ID(), err)
	}
	if e.schemas != nil {
		if err := e.schemas.ValidateJSON(rawJSON); err != nil {
			logger.Warnf("模型 %s 输出未通过 schema 校验: %v", p.ID(), err)
			return Result{}, fmt.Errorf("%s: schema 校验失败: %w", p.ID(), err)
		}
	}
	if err := decision.Validate(&d); err != nil {
		logger.Warnf("模型 %s 决策字段非法: %v", p.ID(), err)
		return Result{}, fmt.Errorf("%s: 决策非法: %w", p.ID(), err)
	}
	if d.Symbol == "" {
		d.Symbol = symbol
	}
	if d.Symbol != symbol {
		logger.Warnf("模型 %s 决策币种不匹配: 期望 %s 实际 %s", p.ID(), symbol, d.Symbol)
		return Result{}, fmt.Errorf("%s: 决策币种不匹配: 期望 %s 实际 %s", p.ID(), symbol, d.Symbol)
	}

	return Result{
		Decision:     d,
		ProviderID:   p.ID(),
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		RawOutput:    raw,
		RawJSON:      rawJSON,
		LatencyMS:    latency,
	}, nil
}
