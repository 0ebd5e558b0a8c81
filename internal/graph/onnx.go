package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the ONNX messages this codec reads and writes.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDomain    protowire.Number = 7

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrS    protowire.Number = 4
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorInt32Data    protowire.Number = 5
	tensorInt64Data    protowire.Number = 7
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorExternalData protowire.Number = 13
	tensorDataLocation protowire.Number = 14

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType  protowire.Number = 1
	tensorElemType  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
	dimParam        protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

const dataLocationExternal = 1

// ExternalRef locates a tensor payload stored outside the model file.
type ExternalRef struct {
	Location string
	Offset   int64
	Length   int64
}

// Placer decides where initializer payloads go. Returning ok=false keeps
// the payload inline as raw_data.
type Placer func(t *Tensor, raw []byte) (ref ExternalRef, ok bool, err error)

// Resolver reads an external payload back.
type Resolver func(ref ExternalRef) ([]byte, error)

// Marshal encodes m in protobuf wire format. place may be nil.
func Marshal(m *Model, place Placer) ([]byte, error) {
	if m.Graph == nil {
		return nil, errors.New("onnx: model has no graph")
	}
	var b []byte
	b = appendVarintField(b, modelIRVersion, uint64(m.IRVersion))
	b = appendStringField(b, modelProducerName, m.ProducerName)
	b = appendStringField(b, modelProducerVersion, m.ProducerVersion)
	g, err := encodeGraph(m.Graph, place)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, modelGraph, g)
	for _, o := range m.Opsets {
		var ob []byte
		ob = appendStringField(ob, opsetDomain, o.Domain)
		ob = appendVarintField(ob, opsetVersion, uint64(o.Version))
		b = appendMessage(b, modelOpsetImport, ob)
	}
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b = appendMessage(b, modelMetadataProps, encodeEntry(k, m.Metadata[k]))
	}
	return b, nil
}

func encodeGraph(g *Graph, place Placer) ([]byte, error) {
	var b []byte
	for i := range g.Nodes {
		b = appendMessage(b, graphNode, encodeNode(&g.Nodes[i]))
	}
	b = appendStringField(b, graphName, g.Name)
	for _, t := range g.InitializerList() {
		tb, err := encodeTensor(t, place)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, graphInitializer, tb)
	}
	for _, vi := range g.Inputs {
		b = appendMessage(b, graphInput, encodeValueInfo(vi))
	}
	for _, vi := range g.Outputs {
		b = appendMessage(b, graphOutput, encodeValueInfo(vi))
	}
	return b, nil
}

func encodeNode(n *Node) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, nodeName, n.Name)
	b = appendStringField(b, nodeOpType, n.OpType)
	for _, a := range n.Attrs {
		b = appendMessage(b, nodeAttribute, encodeAttr(a))
	}
	b = appendStringField(b, nodeDomain, n.Domain)
	return b
}

func encodeAttr(a Attribute) []byte {
	var b []byte
	b = appendStringField(b, attrName, a.Name)
	switch a.Kind {
	case AttrFloat:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttrInt:
		b = appendVarintField(b, attrI, uint64(a.I))
	case AttrString:
		b = protowire.AppendTag(b, attrS, protowire.BytesType)
		b = protowire.AppendString(b, a.S)
	case AttrInts:
		for _, v := range a.Ints {
			b = appendVarintField(b, attrInts, uint64(v))
		}
	}
	return appendVarintField(b, attrType, uint64(a.Kind))
}

func encodeTensor(t *Tensor, place Placer) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	for _, d := range t.Dims {
		b = appendVarintField(b, tensorDims, uint64(d))
	}
	b = appendVarintField(b, tensorDataType, uint64(t.DType))
	b = appendStringField(b, tensorName, t.Name)
	raw := RawData(t)
	if place != nil {
		ref, ok, err := place(t, raw)
		if err != nil {
			return nil, err
		}
		if ok {
			for _, kv := range [][2]string{
				{"location", ref.Location},
				{"offset", strconv.FormatInt(ref.Offset, 10)},
				{"length", strconv.FormatInt(ref.Length, 10)},
			} {
				b = appendMessage(b, tensorExternalData, encodeEntry(kv[0], kv[1]))
			}
			return appendVarintField(b, tensorDataLocation, dataLocationExternal), nil
		}
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, raw), nil
}

func encodeValueInfo(vi ValueInfo) []byte {
	var shape []byte
	for _, d := range vi.Shape {
		var db []byte
		if d.Param != "" {
			db = appendStringField(db, dimParam, d.Param)
		} else {
			db = appendVarintField(db, dimValue, uint64(d.Value))
		}
		shape = appendMessage(shape, shapeDim, db)
	}
	var tt []byte
	tt = appendVarintField(tt, tensorElemType, uint64(vi.DType))
	tt = appendMessage(tt, tensorTypeShape, shape)
	var typ []byte
	typ = appendMessage(typ, typeTensorType, tt)

	var b []byte
	b = appendStringField(b, valueInfoName, vi.Name)
	return appendMessage(b, valueInfoType, typ)
}

func encodeEntry(k, v string) []byte {
	var b []byte
	b = appendStringField(b, entryKey, k)
	return appendStringField(b, entryValue, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// RawData returns the little-endian payload of t.
func RawData(t *Tensor) []byte {
	out := make([]byte, t.ByteSize())
	switch t.DType {
	case Float:
		for i, v := range t.F32 {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Int64:
		for i, v := range t.I64 {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
		}
	case Int32:
		for i, v := range t.I32 {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
	case Uint8:
		copy(out, t.U8)
	case Int8:
		for i, v := range t.I8 {
			out[i] = byte(v)
		}
	}
	return out
}

func setRaw(t *Tensor, raw []byte) error {
	n := t.Len()
	if len(raw) != n*t.DType.Size() {
		return fmt.Errorf("onnx: tensor %s: raw data holds %d bytes, want %d", t.Name, len(raw), n*t.DType.Size())
	}
	switch t.DType {
	case Float:
		t.F32 = make([]float32, n)
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case Int64:
		t.I64 = make([]int64, n)
		for i := range t.I64 {
			t.I64[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case Int32:
		t.I32 = make([]int32, n)
		for i := range t.I32 {
			t.I32[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case Uint8:
		t.U8 = slices.Clone(raw)
	case Int8:
		t.I8 = make([]int8, n)
		for i, v := range raw {
			t.I8[i] = int8(v)
		}
	default:
		return fmt.Errorf("onnx: tensor %s: unsupported %s", t.Name, t.DType)
	}
	return nil
}

// field is one decoded wire field.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint32
	bytes  []byte
}

func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// varints reads a repeated varint field in packed or unpacked form.
func varints(f field) ([]uint64, error) {
	if f.typ == protowire.VarintType {
		return []uint64{f.varint}, nil
	}
	var out []uint64
	for b := f.bytes; len(b) > 0; {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

func fixed32s(f field) ([]uint32, error) {
	if f.typ == protowire.Fixed32Type {
		return []uint32{f.fixed}, nil
	}
	var out []uint32
	for b := f.bytes; len(b) > 0; {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// Unmarshal decodes a model. resolve reads external initializer data and may
// be nil when the model is known to be self-contained.
func Unmarshal(data []byte, resolve Resolver) (*Model, error) {
	m := &Model{Metadata: map[string]string{}}
	err := fields(data, func(f field) error {
		switch f.num {
		case modelIRVersion:
			m.IRVersion = int64(f.varint)
		case modelProducerName:
			m.ProducerName = string(f.bytes)
		case modelProducerVersion:
			m.ProducerVersion = string(f.bytes)
		case modelGraph:
			g, err := decodeGraph(f.bytes, resolve)
			if err != nil {
				return err
			}
			m.Graph = g
		case modelOpsetImport:
			var o OpsetImport
			if err := fields(f.bytes, func(f field) error {
				switch f.num {
				case opsetDomain:
					o.Domain = string(f.bytes)
				case opsetVersion:
					o.Version = int64(f.varint)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Opsets = append(m.Opsets, o)
		case modelMetadataProps:
			k, v, err := decodeEntry(f.bytes)
			if err != nil {
				return err
			}
			m.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}
	if m.Graph == nil {
		return nil, errors.New("onnx: model has no graph")
	}
	return m, nil
}

func decodeGraph(b []byte, resolve Resolver) (*Graph, error) {
	g := NewGraph("")
	err := fields(b, func(f field) error {
		switch f.num {
		case graphNode:
			n, err := decodeNode(f.bytes)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case graphName:
			g.Name = string(f.bytes)
		case graphInitializer:
			t, err := decodeTensor(f.bytes, resolve)
			if err != nil {
				return err
			}
			g.SetInitializer(t)
		case graphInput:
			vi, err := decodeValueInfo(f.bytes)
			if err != nil {
				return err
			}
			g.Inputs = append(g.Inputs, vi)
		case graphOutput:
			vi, err := decodeValueInfo(f.bytes)
			if err != nil {
				return err
			}
			g.Outputs = append(g.Outputs, vi)
		}
		return nil
	})
	return g, err
}

func decodeNode(b []byte) (Node, error) {
	var n Node
	err := fields(b, func(f field) error {
		switch f.num {
		case nodeInput:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case nodeOutput:
			n.Outputs = append(n.Outputs, string(f.bytes))
		case nodeName:
			n.Name = string(f.bytes)
		case nodeOpType:
			n.OpType = string(f.bytes)
		case nodeDomain:
			n.Domain = string(f.bytes)
		case nodeAttribute:
			a, err := decodeAttr(f.bytes)
			if err != nil {
				return err
			}
			n.Attrs = append(n.Attrs, a)
		}
		return nil
	})
	return n, err
}

func decodeAttr(b []byte) (Attribute, error) {
	var a Attribute
	err := fields(b, func(f field) error {
		switch f.num {
		case attrName:
			a.Name = string(f.bytes)
		case attrF:
			a.F = math.Float32frombits(f.fixed)
		case attrI:
			a.I = int64(f.varint)
		case attrS:
			a.S = string(f.bytes)
		case attrInts:
			vs, err := varints(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				a.Ints = append(a.Ints, int64(v))
			}
		case attrType:
			a.Kind = AttrKind(f.varint)
		}
		return nil
	})
	return a, err
}

func decodeTensor(b []byte, resolve Resolver) (*Tensor, error) {
	t := &Tensor{}
	var (
		raw      []byte
		hasRaw   bool
		external bool
		ext      = map[string]string{}
		floats   []uint32
		ints     []uint64
	)
	err := fields(b, func(f field) error {
		switch f.num {
		case tensorDims:
			vs, err := varints(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				t.Dims = append(t.Dims, int64(v))
			}
		case tensorDataType:
			t.DType = DataType(f.varint)
		case tensorName:
			t.Name = string(f.bytes)
		case tensorRawData:
			raw, hasRaw = f.bytes, true
		case tensorFloatData:
			vs, err := fixed32s(f)
			if err != nil {
				return err
			}
			floats = append(floats, vs...)
		case tensorInt32Data, tensorInt64Data:
			vs, err := varints(f)
			if err != nil {
				return err
			}
			ints = append(ints, vs...)
		case tensorExternalData:
			k, v, err := decodeEntry(f.bytes)
			if err != nil {
				return err
			}
			ext[k] = v
		case tensorDataLocation:
			external = f.varint == dataLocationExternal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case external:
		if resolve == nil {
			return nil, fmt.Errorf("onnx: tensor %s: external data without a resolver", t.Name)
		}
		ref, err := parseExternal(ext)
		if err != nil {
			return nil, fmt.Errorf("onnx: tensor %s: %w", t.Name, err)
		}
		data, err := resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("onnx: tensor %s: %w", t.Name, err)
		}
		err = setRaw(t, data)
		return t, err
	case hasRaw:
		return t, setRaw(t, raw)
	}
	if err := setTyped(t, floats, ints); err != nil {
		return nil, err
	}
	return t, t.Validate()
}

func setTyped(t *Tensor, floats []uint32, ints []uint64) error {
	switch t.DType {
	case Float:
		t.F32 = make([]float32, len(floats))
		for i, v := range floats {
			t.F32[i] = math.Float32frombits(v)
		}
	case Int64:
		t.I64 = make([]int64, len(ints))
		for i, v := range ints {
			t.I64[i] = int64(v)
		}
	case Int32:
		t.I32 = make([]int32, len(ints))
		for i, v := range ints {
			t.I32[i] = int32(v)
		}
	case Uint8:
		t.U8 = make([]uint8, len(ints))
		for i, v := range ints {
			t.U8[i] = uint8(v)
		}
	case Int8:
		t.I8 = make([]int8, len(ints))
		for i, v := range ints {
			t.I8[i] = int8(v)
		}
	default:
		return fmt.Errorf("onnx: tensor %s: unsupported %s", t.Name, t.DType)
	}
	return nil
}

func parseExternal(kv map[string]string) (ExternalRef, error) {
	ref := ExternalRef{Location: kv["location"], Length: -1}
	if ref.Location == "" {
		return ref, errors.New("external data has no location")
	}
	if s, ok := kv["offset"]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ref, fmt.Errorf("external offset: %w", err)
		}
		ref.Offset = v
	}
	if s, ok := kv["length"]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ref, fmt.Errorf("external length: %w", err)
		}
		ref.Length = v
	}
	return ref, nil
}

func decodeValueInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := fields(b, func(f field) error {
		switch f.num {
		case valueInfoName:
			vi.Name = string(f.bytes)
		case valueInfoType:
			return fields(f.bytes, func(f field) error {
				if f.num != typeTensorType {
					return nil
				}
				return fields(f.bytes, func(f field) error {
					switch f.num {
					case tensorElemType:
						vi.DType = DataType(f.varint)
					case tensorTypeShape:
						return fields(f.bytes, func(f field) error {
							if f.num != shapeDim {
								return nil
							}
							var d Dim
							err := fields(f.bytes, func(f field) error {
								switch f.num {
								case dimValue:
									d.Value = int64(f.varint)
								case dimParam:
									d.Param = string(f.bytes)
								}
								return nil
							})
							vi.Shape = append(vi.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}

func decodeEntry(b []byte) (string, string, error) {
	var k, v string
	err := fields(b, func(f field) error {
		switch f.num {
		case entryKey:
			k = string(f.bytes)
		case entryValue:
			v = string(f.bytes)
		}
		return nil
	})
	return k, v, err
}
