package diagram

import (
	"fmt"

	"github.com/rendis/opchain/pkg/schema"
)

// Build constructs a DiagramModel from a chain. Steps that have run (any
// status other than pending) get a status overlay. Edges into a guarded
// step carry its condition.
func Build(def *schema.ChainDefinition) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: chain is nil")
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		nodes = append(nodes, stepToNode(&def.Steps[i], i))
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edge := Edge{From: nodes[i-1].ID, To: nodes[i].ID}
		if nodes[i].Condition != "" {
			edge.Label = "if " + nodes[i].Condition
		}
		edges = append(edges, edge)
	}

	return &DiagramModel{
		Title:  titleFromDef(def),
		Status: string(def.Status),
		Nodes:  nodes,
		Edges:  edges,
	}, nil
}

// stepToNode maps a step to a node. Steps without an id are named by
// position, matching what normalization would assign.
func stepToNode(step *schema.Step, index int) *Node {
	id := step.ID
	if id == "" {
		id = fmt.Sprintf("step_%d", index+1)
	}
	node := &Node{
		ID:        id,
		Label:     fmt.Sprintf("%s\n(%s)", id, step.Tool),
		Kind:      NodeKindStep,
		Condition: step.Options.Condition,
	}
	if node.Condition != "" {
		node.Kind = NodeKindGuarded
	}
	if step.Status != "" && step.Status != schema.StepStatusPending {
		node.Status = &StatusOverlay{
			Status:     string(step.Status),
			DurationMs: step.DurationMs,
			Attempts:   step.Attempts,
			Error:      step.Error,
		}
	}
	return node
}

func titleFromDef(def *schema.ChainDefinition) string {
	switch {
	case def.Name != "":
		return def.Name
	case def.ID != "":
		return def.ID
	default:
		return "Chain"
	}
}
