// Package graph holds an in-memory interchange graph (the ONNX model
// structure), its protobuf wire codec and a reference interpreter.
package graph

import (
	"fmt"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DataType is an ONNX TensorProto element type.
type DataType int32

const (
	Float DataType = 1
	Uint8 DataType = 2
	Int8  DataType = 3
	Int32 DataType = 6
	Int64 DataType = 7
)

func (d DataType) String() string {
	switch d {
	case Float:
		return "float32"
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int32(d))
	}
}

// Size is the element width in bytes.
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Float, Int32:
		return 4
	case Int64:
		return 8
	default:
		return 0
	}
}

// Operator domains.
const (
	DomainONNX      = ""
	DomainMicrosoft = "com.microsoft"
)

// Tensor is a dense tensor. Exactly the slice matching DType is populated.
type Tensor struct {
	Name  string
	DType DataType
	Dims  []int64

	F32 []float32
	I64 []int64
	I32 []int32
	U8  []uint8
	I8  []int8
}

// FloatTensor builds a float tensor.
func FloatTensor(name string, dims []int64, v []float32) *Tensor {
	return &Tensor{Name: name, DType: Float, Dims: slices.Clone(dims), F32: v}
}

// Int64Tensor builds an int64 tensor.
func Int64Tensor(name string, dims []int64, v []int64) *Tensor {
	return &Tensor{Name: name, DType: Int64, Dims: slices.Clone(dims), I64: v}
}

// Int8Tensor builds an int8 tensor.
func Int8Tensor(name string, dims []int64, v []int8) *Tensor {
	return &Tensor{Name: name, DType: Int8, Dims: slices.Clone(dims), I8: v}
}

// Len is the number of elements implied by Dims.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// stored is the number of elements actually held.
func (t *Tensor) stored() int {
	switch t.DType {
	case Float:
		return len(t.F32)
	case Int64:
		return len(t.I64)
	case Int32:
		return len(t.I32)
	case Uint8:
		return len(t.U8)
	case Int8:
		return len(t.I8)
	}
	return -1
}

// ByteSize is the size of the tensor payload.
func (t *Tensor) ByteSize() int { return t.Len() * t.DType.Size() }

// Validate checks that the payload matches the shape.
func (t *Tensor) Validate() error {
	if t.DType.Size() == 0 {
		return fmt.Errorf("tensor %s: unsupported %s", t.Name, t.DType)
	}
	for _, d := range t.Dims {
		if d < 0 {
			return fmt.Errorf("tensor %s: negative dimension in %v", t.Name, t.Dims)
		}
	}
	if got := t.stored(); got != t.Len() {
		return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Dims, t.Len(), got)
	}
	return nil
}

// AttrKind is an ONNX AttributeProto type.
type AttrKind int32

const (
	AttrFloat  AttrKind = 1
	AttrInt    AttrKind = 2
	AttrString AttrKind = 3
	AttrInts   AttrKind = 7
)

// Attribute is a node attribute.
type Attribute struct {
	Name string
	Kind AttrKind
	F    float32
	I    int64
	S    string
	Ints []int64
}

func IntAttr(name string, v int64) Attribute     { return Attribute{Name: name, Kind: AttrInt, I: v} }
func FloatAttr(name string, v float32) Attribute { return Attribute{Name: name, Kind: AttrFloat, F: v} }
func StringAttr(name, v string) Attribute        { return Attribute{Name: name, Kind: AttrString, S: v} }

// Node is one operator application. An empty input name marks an omitted
// optional input.
type Node struct {
	Name    string
	OpType  string
	Domain  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute
}

// Attr returns the named attribute.
func (n *Node) Attr(name string) (Attribute, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// IntAttr returns an int attribute or def.
func (n *Node) IntAttr(name string, def int64) int64 {
	if a, ok := n.Attr(name); ok && a.Kind == AttrInt {
		return a.I
	}
	return def
}

// FloatAttr returns a float attribute or def.
func (n *Node) FloatAttr(name string, def float32) float32 {
	if a, ok := n.Attr(name); ok && a.Kind == AttrFloat {
		return a.F
	}
	return def
}

// Dim is a tensor dimension: a fixed size or a named symbolic one.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo is a typed graph input or output.
type ValueInfo struct {
	Name  string
	DType DataType
	Shape []Dim
}

// Graph is a topologically ordered node list with its constants.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers *orderedmap.OrderedMap[string, *Tensor]
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

// NewGraph returns an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, Initializers: orderedmap.New[string, *Tensor]()}
}

// Initializer returns the named constant.
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	return g.Initializers.Get(name)
}

// SetInitializer adds t, or replaces an existing constant of the same name
// in place.
func (g *Graph) SetInitializer(t *Tensor) {
	g.Initializers.Set(t.Name, t)
}

// InitializerList returns the constants in table order.
func (g *Graph) InitializerList() []*Tensor {
	out := make([]*Tensor, 0, g.Initializers.Len())
	for p := g.Initializers.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Consumers counts how many node inputs read each value.
func (g *Graph) Consumers() map[string]int {
	out := map[string]int{}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in != "" {
				out[in]++
			}
		}
	}
	for _, o := range g.Outputs {
		out[o.Name]++
	}
	return out
}

// OpsetImport is one operator set the model depends on.
type OpsetImport struct {
	Domain  string
	Version int64
}

// Model is a complete interchange model.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Opsets          []OpsetImport
	Metadata        map[string]string
	Graph           *Graph
}

// Validate checks that every node input is produced before it is read.
func (m *Model) Validate() error {
	g := m.Graph
	if g == nil {
		return fmt.Errorf("graph: model has no graph")
	}
	known := map[string]bool{"": true}
	for _, in := range g.Inputs {
		known[in.Name] = true
	}
	for _, t := range g.InitializerList() {
		if err := t.Validate(); err != nil {
			return err
		}
		known[t.Name] = true
	}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if !known[in] {
				return fmt.Errorf("graph: node %s (%s) reads undefined value %q", n.Name, n.OpType, in)
			}
		}
		for _, out := range n.Outputs {
			known[out] = true
		}
	}
	for _, o := range g.Outputs {
		if !known[o.Name] {
			return fmt.Errorf("graph: output %q is never produced", o.Name)
		}
	}
	return nil
}

// WeightBytes sums the payload size of every initializer.
func (m *Model) WeightBytes() int64 {
	var n int64
	for _, t := range m.Graph.InitializerList() {
		n += int64(t.ByteSize())
	}
	return n
}
