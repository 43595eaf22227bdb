// Package bridge contains the bridge-side infrastructure: route latency/cost
// prediction from historical samples, the router abstraction over concrete
// bridge protocols, and recovery of interrupted bridge executions.
package bridge

import "fmt"

// conservativeRoute is the built-in estimate used for a route with too little
// history to model. Latency in seconds, cost in ETH.
type conservativeRoute struct {
	LatencySeconds float64
	CostETH        float64
}

// conservativeRoutes are deliberately pessimistic defaults per route key.
var conservativeRoutes = map[string]conservativeRoute{
	"ethereum-arbitrum-stargate": {180, 0.001},
	"ethereum-polygon-stargate":  {180, 0.001},
	"ethereum-optimism-stargate": {180, 0.001},
	"arbitrum-optimism-stargate": {90, 0.0003},
	"optimism-arbitrum-stargate": {90, 0.0003},
	"ethereum-arbitrum-across":   {120, 0.002},
	"ethereum-optimism-across":   {120, 0.002},
	"arbitrum-ethereum-native":   {604800, 0.005}, // 7-day optimistic rollup exit
	"optimism-ethereum-native":   {604800, 0.005},
}

// defaultConservative covers routes absent from the table.
var defaultConservative = conservativeRoute{300, 0.0015}

// RouteKey builds the canonical "{src}-{dst}-{bridge}" history key.
func RouteKey(srcChain, dstChain, bridgeName string) string {
	return fmt.Sprintf("%s-%s-%s", srcChain, dstChain, bridgeName)
}

// conservativeFor returns the built-in estimate for a route.
func conservativeFor(routeKey string) conservativeRoute {
	if r, ok := conservativeRoutes[routeKey]; ok {
		return r
	}
	return defaultConservative
}

// congestionAt maps an hour of day (UTC) to a congestion level. Peak European
// and US overlap hours carry the highest level.
func congestionAt(hourUTC int) float64 {
	switch {
	case hourUTC >= 12 && hourUTC < 18:
		return 0.7
	case hourUTC >= 6 && hourUTC < 22:
		return 0.4
	default:
		return 0.1
	}
}
