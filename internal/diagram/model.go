package diagram

// NodeKind selects how a node is drawn.
type NodeKind string

const (
	NodeKindStep   NodeKind = "step"
	NodeKindSwitch NodeKind = "switch"
	NodeKindLoop   NodeKind = "loop"
	NodeKindDelay  NodeKind = "delay"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Groups []*Group   // loop bodies
	Levels [][]string // node ids by depth from the start node
}

// Node is one step, or the virtual start or end node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Group  string // id of the innermost loop whose body holds the node
	Status *StatusOverlay
}

// Group is the body of a loop step.
type Group struct {
	ID      string // loop step id
	Label   string
	Members []string
}

// StatusOverlay carries the recorded outcome of a step.
type StatusOverlay struct {
	Status     string // a schema.StepStatus
	DurationMs int64
	Attempts   int
	Iterations int // results recorded for the step, >1 inside loop bodies
	Error      string
}

// Edge connects two nodes. Back marks a loop back-edge.
type Edge struct {
	From  string
	To    string
	Label string
	Back  bool
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
