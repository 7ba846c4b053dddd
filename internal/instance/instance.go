package instance

import (
	"sort"
	"time"

	"fleet/internal/runner/launchspec"
)

// Limits are optional per-instance ceilings; zero means unlimited.
type Limits struct {
	MaxTokens int64         `json:"max_tokens,omitempty"`
	MaxCost   float64       `json:"max_cost,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Counters accumulate usage reported for an instance.
type Counters struct {
	TokensUsed     int64     `json:"tokens_used"`
	CostAccrued    float64   `json:"cost_accrued"`
	RequestCount   int64     `json:"request_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Usage is one usage report, added onto Counters.
type Usage struct {
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// ExceededBy reports which limit c breaks, if any.
func (l Limits) ExceededBy(c Counters) (string, bool) {
	if l.MaxTokens > 0 && c.TokensUsed > l.MaxTokens {
		return "max_tokens", true
	}
	if l.MaxCost > 0 && c.CostAccrued > l.MaxCost {
		return "max_cost", true
	}
	return "", false
}

// Instance is an immutable snapshot of one managed instance.
type Instance struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Role         string          `json:"role,omitempty"`
	Kind         launchspec.Kind `json:"kind"`
	State        State           `json:"state"`
	ParentID     string          `json:"parent_id,omitempty"`
	Children     []string        `json:"children,omitempty"`
	Workspace    string          `json:"workspace,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	TerminatedAt time.Time       `json:"terminated_at,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Counters     Counters        `json:"counters"`
	Limits       Limits          `json:"limits"`
}

// Terminal reports whether the snapshot is in an absorbing state.
func (i Instance) Terminal() bool {
	return i.State.Terminal()
}

// Summary aggregates instance counts by state.
type Summary struct {
	Total     int           `json:"total"`
	Active    int           `json:"active"`
	ByState   map[State]int `json:"by_state"`
	Instances []Instance    `json:"instances"`
}

// NewSummary builds a Summary from snapshots, sorted by creation time.
func NewSummary(instances []Instance) Summary {
	summary := Summary{
		ByState:   make(map[State]int, len(States)),
		Instances: instances,
	}
	for _, state := range States {
		summary.ByState[state] = 0
	}
	for _, inst := range instances {
		summary.Total++
		summary.ByState[inst.State]++
		if !inst.State.Terminal() {
			summary.Active++
		}
	}
	SortByCreation(summary.Instances)
	return summary
}

// TreeNode is one node of an instance hierarchy.
type TreeNode struct {
	Instance Instance   `json:"instance"`
	Children []TreeNode `json:"children,omitempty"`
}

// Size counts the nodes in the subtree rooted at n.
func (n TreeNode) Size() int {
	size := 1
	for _, child := range n.Children {
		size += child.Size()
	}
	return size
}

// SortByCreation orders snapshots oldest first, then by id.
func SortByCreation(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}
