package vault

import "context"

// Cache 金库记录缓存端口，未命中或出错都返回 ok=false，由调用方回源
type Cache interface {
	Get(ctx context.Context, id int64) (*Cdp, bool)
	Set(ctx context.Context, cdp *Cdp)
}
