// Package coalesce 合并并发的同键请求。
//
// 同一键的并发请求只放行一次真实执行，其余请求等待并共享
// 同一份结果（成功或失败都共享）。执行结束后键立即失效，
// 失败不会让后续请求拿到陈旧错误。
package coalesce

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group 同键请求合并器。
type Group struct {
	sf singleflight.Group

	total     atomic.Int64
	coalesced atomic.Int64
	executed  atomic.Int64
	inFlight  atomic.Int64
}

// New 构造请求合并器。
func New() *Group {
	return &Group{}
}

// Execute 以 key 合并执行 fn。返回值 shared 表示结果来自他人发起的执行，
// 发起执行的那一次调用 shared 恒为 false。
//
// fn 收到的 context 与调用方生命周期解耦：发起方中途断开
// 不会取消执行中的操作，其余等待者仍能拿到结果。
// 调用方 context 取消时本调用立即返回 ctx.Err()，执行继续。
func (g *Group) Execute(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	g.total.Add(1)

	// singleflight 对共享调用的每个参与者都置 Shared=true，
	// 包括闭包被实际执行的那个调用方。只有发起方的闭包会
	// 运行，借此区分执行者与等待者。
	executor := false
	ch := g.sf.DoChan(key, func() (any, error) {
		executor = true
		g.executed.Add(1)
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		shared := res.Shared && !executor
		if shared {
			g.coalesced.Add(1)
		}
		if res.Err != nil {
			return nil, shared, res.Err
		}
		payload, _ := res.Val.([]byte)
		return payload, shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Stats 合并器运行统计，用于 /stats 输出。
type Stats struct {
	TotalRequests int64   `json:"total_requests"`
	Coalesced     int64   `json:"coalesced_requests"`
	ActualCalls   int64   `json:"actual_calls"`
	SavingsRate   float64 `json:"savings_rate"`
	InFlight      int64   `json:"in_flight"`
}

// Stats 返回自启动以来的合并统计。
func (g *Group) Stats() Stats {
	st := Stats{
		TotalRequests: g.total.Load(),
		Coalesced:     g.coalesced.Load(),
		ActualCalls:   g.executed.Load(),
		InFlight:      g.inFlight.Load(),
	}
	if st.TotalRequests > 0 {
		st.SavingsRate = float64(st.Coalesced) / float64(st.TotalRequests)
	}
	return st
}
