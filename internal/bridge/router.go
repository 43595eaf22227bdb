package bridge

import "context"

// RouterStatus is the protocol-level status of a bridge transfer.
type RouterStatus string

const (
	StatusPending   RouterStatus = "pending"
	StatusBridging  RouterStatus = "bridging"
	StatusCompleted RouterStatus = "completed"
	StatusFailed    RouterStatus = "failed"
	StatusRefunded  RouterStatus = "refunded"
)

// Router is the contract a concrete bridge protocol client implements.
// The core never talks to bridge contracts directly.
type Router interface {
	// Protocol names the bridge protocol ("stargate", "across", ...).
	Protocol() string

	// Supports reports whether the router can move token from src to dst.
	Supports(srcChain, dstChain, token string) bool

	// GetStatus queries the protocol for the state of a transfer.
	GetStatus(ctx context.Context, bridgeID string) (RouterStatus, error)
}

// RouterFactory holds the registered routers and resolves which one serves a
// route.
type RouterFactory struct {
	routers []Router
}

// NewRouterFactory creates a factory over the given routers.
func NewRouterFactory(routers ...Router) *RouterFactory {
	return &RouterFactory{routers: routers}
}

// Register adds a router.
func (f *RouterFactory) Register(r Router) {
	f.routers = append(f.routers, r)
}

// FindSupportedRouter returns the first router supporting the route, or nil
// when none does. A nil result is not terminal: protocol clients register
// asynchronously and a route may become supported later.
func (f *RouterFactory) FindSupportedRouter(srcChain, dstChain, token string) Router {
	for _, r := range f.routers {
		if r.Supports(srcChain, dstChain, token) {
			return r
		}
	}
	return nil
}
