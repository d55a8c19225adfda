package api

import (
	"context"
	"fmt"
)

// Principal 已鉴权调用方（注入到 context）
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

type principalContextKey struct{}

// WithPrincipal 注入 Principal 到 context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom 从 context 提取 Principal
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || p == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	return p, nil
}

// subjectOf 日志用调用方标识，未鉴权时为 anonymous
func subjectOf(ctx context.Context) string {
	p, err := PrincipalFrom(ctx)
	if err != nil || p.Subject == "" {
		return "anonymous"
	}
	return p.Subject
}
