package placement

// OrderSource supplies the stable node enumeration placement works from.
type OrderSource interface {
	Order() ([]string, uint64)
}

// Selection is the ordered set of nodes chosen for one block. Nodes[0] is
// the primary; Version is the node order version it was computed against.
type Selection struct {
	Nodes   []string
	Version uint64
}

func (s Selection) Empty() bool {
	return len(s.Nodes) == 0
}

func (s Selection) Primary() string {
	if len(s.Nodes) == 0 {
		return ""
	}
	return s.Nodes[0]
}

func (s Selection) Replicas() []string {
	if len(s.Nodes) < 2 {
		return nil
	}
	return s.Nodes[1:]
}

// Policy picks the nodes that hold a block and its replicas.
type Policy interface {
	SelectNodes(blockIndex uint32, replication int) Selection
}

// RoundRobin starts block i at offset i mod n and walks the order
// cyclically, so consecutive blocks rotate their primary.
type RoundRobin struct {
	source OrderSource
}

func NewRoundRobin(source OrderSource) *RoundRobin {
	return &RoundRobin{source: source}
}

func (p *RoundRobin) SelectNodes(blockIndex uint32, replication int) Selection {
	order, version := p.source.Order()
	return Selection{Nodes: Select(order, blockIndex, replication), Version: version}
}

// Select applies round-robin placement to a fixed order. It returns
// min(replication, len(order)) distinct ids, or nil when order is empty.
func Select(order []string, blockIndex uint32, replication int) []string {
	n := len(order)
	if n == 0 {
		return nil
	}
	count := min(max(replication, 1), n)
	start := int(blockIndex % uint32(n))

	out := make([]string, 0, count)
	for j := 0; j < count; j++ {
		out = append(out, order[(start+j)%n])
	}
	return out
}
