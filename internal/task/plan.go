// internal/task/plan.go
package task

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NodeKind tags plan arena nodes.
type NodeKind string

const (
	// NodeInstruction is a single natural-language step.
	NodeInstruction NodeKind = "instruction"
	// NodeSequence runs its children in order.
	NodeSequence NodeKind = "sequence"
	// NodeConditional evaluates a visual condition and takes one branch.
	NodeConditional NodeKind = "conditional"
)

// NoNode marks an absent child reference.
const NoNode = -1

// PlanNode is one arena entry. Children, Then and Else are indexes into
// Plan.Nodes; unused references hold NoNode.
type PlanNode struct {
	Kind NodeKind

	// Instruction nodes.
	Instruction string

	// Sequence nodes.
	Children []int

	// Conditional nodes.
	Condition string
	Then      int
	Else      int
}

// Plan is a flat arena of nodes plus the root index. The arena form keeps
// traversal iterative-friendly and the whole plan trivially inspectable.
type Plan struct {
	Nodes []PlanNode
	Root  int
}

// InstructionCount returns how many instruction leaves the plan holds.
func (p *Plan) InstructionCount() int {
	n := 0
	for _, node := range p.Nodes {
		if node.Kind == NodeInstruction {
			n++
		}
	}
	return n
}

// -- NLU wire format --
//
// The planner model answers with a recursive parsed_task document. Nothing
// in it is trusted: it is decoded defensively and validated structurally
// before anything executes.

// Planner command_type values.
const (
	commandSingle      = "SINGLE_INSTRUCTION"
	commandSequential  = "SEQUENTIAL_INSTRUCTIONS"
	commandConditional = "CONDITIONAL_INSTRUCTION"
)

type nluEnvelope struct {
	ParsedTask *nluTask `json:"parsed_task"`
}

type nluTask struct {
	CommandType          string    `json:"command_type"`
	Instruction          string    `json:"instruction"`
	Steps                []nluStep `json:"steps"`
	ConditionDescription string    `json:"condition_description"`
	IfTrue               *nluTask  `json:"if_true"`
	IfFalse              *nluTask  `json:"if_false"`
}

// nluStep tolerates the model emitting either a nested task object or a bare
// instruction string as a sequence element.
type nluStep struct {
	task *nluTask
}

func (s *nluStep) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var instruction string
		if err := json.Unmarshal(data, &instruction); err != nil {
			return err
		}
		s.task = &nluTask{CommandType: commandSingle, Instruction: instruction}
		return nil
	}
	var t nluTask
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	s.task = &t
	return nil
}

// ParsePlan decodes a planner response into a validated plan arena.
func ParsePlan(response string, maxDepth int) (*Plan, error) {
	envelope, err := llmutil.ParseJSONResponse[nluEnvelope](response)
	if err != nil {
		return nil, schemas.E(schemas.ErrCodePlanParse, "decoding planner response: %w", err)
	}
	if envelope.ParsedTask == nil {
		return nil, schemas.E(schemas.ErrCodePlanParse, "planner response has no parsed_task")
	}
	return buildPlan(envelope.ParsedTask, maxDepth)
}

// buildPlan flattens the recursive NLU document into the arena, enforcing
// the depth bound as it goes.
func buildPlan(root *nluTask, maxDepth int) (*Plan, error) {
	p := &Plan{Root: NoNode}
	rootIdx, err := p.addTask(root, 1, maxDepth)
	if err != nil {
		return nil, err
	}
	p.Root = rootIdx
	return p, nil
}

func (p *Plan) addTask(t *nluTask, depth, maxDepth int) (int, error) {
	if depth > maxDepth {
		return NoNode, schemas.E(schemas.ErrCodePlanParse, "plan nesting exceeds depth limit %d", maxDepth)
	}

	switch strings.ToUpper(strings.TrimSpace(t.CommandType)) {
	case commandSingle:
		instruction := strings.TrimSpace(t.Instruction)
		if instruction == "" {
			return NoNode, schemas.E(schemas.ErrCodePlanParse, "single instruction with empty text")
		}
		return p.append(PlanNode{
			Kind: NodeInstruction, Instruction: instruction, Then: NoNode, Else: NoNode,
		}), nil

	case commandSequential:
		if len(t.Steps) == 0 {
			return NoNode, schemas.E(schemas.ErrCodePlanParse, "sequential task with no steps")
		}
		children := make([]int, 0, len(t.Steps))
		for i, step := range t.Steps {
			if step.task == nil {
				return NoNode, schemas.E(schemas.ErrCodePlanParse, "sequential step %d is empty", i)
			}
			idx, err := p.addTask(step.task, depth+1, maxDepth)
			if err != nil {
				return NoNode, err
			}
			children = append(children, idx)
		}
		return p.append(PlanNode{
			Kind: NodeSequence, Children: children, Then: NoNode, Else: NoNode,
		}), nil

	case commandConditional:
		condition := strings.TrimSpace(t.ConditionDescription)
		if condition == "" {
			return NoNode, schemas.E(schemas.ErrCodePlanParse, "conditional task with empty condition_description")
		}
		if t.IfTrue == nil && t.IfFalse == nil {
			return NoNode, schemas.E(schemas.ErrCodePlanParse, "conditional task with no branches")
		}

		thenIdx, elseIdx := NoNode, NoNode
		var err error
		if t.IfTrue != nil {
			if thenIdx, err = p.addTask(t.IfTrue, depth+1, maxDepth); err != nil {
				return NoNode, err
			}
		}
		if t.IfFalse != nil {
			if elseIdx, err = p.addTask(t.IfFalse, depth+1, maxDepth); err != nil {
				return NoNode, err
			}
		}
		return p.append(PlanNode{
			Kind: NodeConditional, Condition: condition, Then: thenIdx, Else: elseIdx,
		}), nil

	case "":
		return NoNode, schemas.E(schemas.ErrCodePlanParse, "task is missing command_type")
	default:
		return NoNode, schemas.E(schemas.ErrCodePlanParse, "unknown command_type %q", t.CommandType)
	}
}

func (p *Plan) append(node PlanNode) int {
	p.Nodes = append(p.Nodes, node)
	return len(p.Nodes) - 1
}

// node fetches an arena entry, guarding against out-of-range references a
// hostile document could smuggle in.
func (p *Plan) node(idx int) (*PlanNode, error) {
	if idx < 0 || idx >= len(p.Nodes) {
		return nil, fmt.Errorf("plan node reference %d out of range", idx)
	}
	return &p.Nodes[idx], nil
}
