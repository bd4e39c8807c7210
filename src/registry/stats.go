package registry

import "context"

// NodeStats is a node snapshot with derived figures.
type NodeStats struct {
	Node
	Utilization float64
	Connections map[string]int
}

// Stats is the cluster-wide view returned by Registry.Stats.
type Stats struct {
	Nodes          []NodeStats
	Links          []Link
	TotalStorage   int64
	UsedStorage    int64
	Utilization    float64
	TotalBandwidth int
	Version        uint64
}

// Stats recomputes usage from src, writes it back into the counters and
// returns per-node and aggregate figures. A nil src skips reconciliation.
func (r *Registry) Stats(ctx context.Context, src UsageSource) (Stats, error) {
	if src != nil {
		if err := r.Reconcile(ctx, src); err != nil {
			return Stats{}, err
		}
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	st := Stats{
		Nodes:   make([]NodeStats, 0, len(r.order)),
		Links:   r.linksLocked(),
		Version: r.version,
	}
	for _, id := range r.order {
		node := *r.nodes[id]
		conns := make(map[string]int, len(r.links[id]))
		for peer, bw := range r.links[id] {
			conns[peer] = bw
		}
		st.Nodes = append(st.Nodes, NodeStats{
			Node:        node,
			Utilization: node.Utilization(),
			Connections: conns,
		})
		st.TotalStorage += node.TotalStorage
		st.UsedStorage += node.UsedStorage
		st.TotalBandwidth += node.Bandwidth
	}
	if st.TotalStorage > 0 {
		st.Utilization = float64(st.UsedStorage) / float64(st.TotalStorage) * 100
	}
	return st, nil
}
