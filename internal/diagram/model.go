// Package diagram renders chains as flowcharts: Mermaid, ASCII and
// graphviz images. Runtime step state, when present, colors the nodes.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep    NodeKind = "step"
	NodeKindGuarded NodeKind = "guarded" // step with a condition
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order.
type DiagramModel struct {
	Title  string
	Status string
	Nodes  []*Node
	Edges  []Edge
}

// Node is a chain step or one of the virtual start/end nodes.
type Node struct {
	ID        string
	Label     string
	Kind      NodeKind
	Condition string
	Status    *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge connects two consecutive nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
