package router

import (
	"context"
	"fmt"

	"swarm/core"
	"swarm/protocol"
)

// LeastLoadedRouter implements core.Router by picking the eligible node with
// the fewest assigned sessions.
type LeastLoadedRouter struct {
	// defaultModel is served to requests that name no model.
	defaultModel string
}

// NewLeastLoadedRouter creates a LeastLoadedRouter.
func NewLeastLoadedRouter(defaultModel string) *LeastLoadedRouter {
	return &LeastLoadedRouter{defaultModel: defaultModel}
}

// Select chooses the node for req. nodes must be in registration order; ties
// go to the earliest node. If req.Model is empty it is bound to the selected
// node's model.
func (r *LeastLoadedRouter) Select(ctx context.Context, nodes []core.NodeView, req *core.InferenceRequest) (core.NodeView, error) {
	if err := ctx.Err(); err != nil {
		return core.NodeView{}, err
	}

	want := req.Model
	if want == "" {
		want = r.defaultModel
	}

	// Phase 1: hard filters
	var candidates []core.NodeView
	for _, n := range nodes {
		if n.Status != protocol.StatusOnline {
			continue
		}
		if want == "" || n.Model() != want {
			continue
		}
		candidates = append(candidates, n)
	}

	if len(candidates) == 0 {
		return core.NodeView{}, fmt.Errorf("model %q: %w", want, core.ErrNoAvailableNode)
	}

	// Phase 2: least load, first wins
	best := selectLeastLoaded(candidates)
	if req.Model == "" {
		req.Model = best.Model()
	}
	return best, nil
}

func selectLeastLoaded(candidates []core.NodeView) core.NodeView {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Load < best.Load {
			best = c
		}
	}
	return best
}
