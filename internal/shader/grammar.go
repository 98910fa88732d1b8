package shader

type operandKind int

const (
	kindID operandKind = iota
	kindIDs
	kindLiteral
	kindString
	kindEnum
	kindDecoration
)

type operand struct {
	kind  operandKind
	enums map[string]uint32
}

type instruction struct {
	opcode     uint32
	resultType bool
	result     bool
	operands   []operand
}

const (
	magicNumber   = 0x07230203
	version1_0    = 0x00010000
	opEntryPoint  = 15
	opCapability  = 17
	opDecorate    = 71
	opAtomicCmpXc = 230
)

var (
	capabilities = map[string]uint32{
		"Shader":        1,
		"SampledBuffer": 46,
		"ImageBuffer":   47,
	}
	addressingModels = map[string]uint32{
		"Logical": 0,
	}
	memoryModels = map[string]uint32{
		"Simple":  0,
		"GLSL450": 1,
	}
	executionModels = map[string]uint32{
		"Vertex":    0,
		"Fragment":  4,
		"GLCompute": 5,
	}
	sourceLanguages = map[string]uint32{
		"Unknown": 0,
		"GLSL":    2,
	}
	storageClasses = map[string]uint32{
		"UniformConstant": 0,
		"Input":           1,
		"Uniform":         2,
		"Output":          3,
		"Function":        7,
		"Image":           11,
		"StorageBuffer":   12,
	}
	dims = map[string]uint32{
		"1D":     0,
		"2D":     1,
		"3D":     2,
		"Cube":   3,
		"Buffer": 5,
	}
	imageFormats = map[string]uint32{
		"Unknown": 0,
		"Rgba32f": 1,
		"R32f":    3,
		"R32i":    24,
		"R32ui":   33,
	}
	functionControls = map[string]uint32{
		"None":       0,
		"Inline":     1,
		"DontInline": 2,
	}
	decorations = map[string]uint32{
		"BuiltIn":       11,
		"Restrict":      19,
		"Coherent":      23,
		"NonWritable":   24,
		"Binding":       33,
		"DescriptorSet": 34,
	}
	builtIns = map[string]uint32{
		"Position":      0,
		"PointSize":     1,
		"VertexIndex":   42,
		"InstanceIndex": 43,
	}
)

const decorationBuiltIn = 11

func id() operand { return operand{kind: kindID} }
func ids() operand { return operand{kind: kindIDs} }
func literal() operand { return operand{kind: kindLiteral} }
func str() operand { return operand{kind: kindString} }
func enum(values map[string]uint32) operand { return operand{kind: kindEnum, enums: values} }

// instructions covers what the embedded programs use and nothing more.
var instructions = map[string]instruction{
	"OpSource":       {opcode: 3, operands: []operand{enum(sourceLanguages), literal()}},
	"OpName":         {opcode: 5, operands: []operand{id(), str()}},
	"OpMemoryModel":  {opcode: 14, operands: []operand{enum(addressingModels), enum(memoryModels)}},
	"OpEntryPoint":   {opcode: opEntryPoint, operands: []operand{enum(executionModels), id(), str(), ids()}},
	"OpCapability":   {opcode: opCapability, operands: []operand{enum(capabilities)}},
	"OpTypeVoid":     {opcode: 19, result: true},
	"OpTypeInt":      {opcode: 21, result: true, operands: []operand{literal(), literal()}},
	"OpTypeFloat":    {opcode: 22, result: true, operands: []operand{literal()}},
	"OpTypeVector":   {opcode: 23, result: true, operands: []operand{id(), literal()}},
	"OpTypeImage":    {opcode: 25, result: true, operands: []operand{id(), enum(dims), literal(), literal(), literal(), literal(), enum(imageFormats)}},
	"OpTypePointer":  {opcode: 32, result: true, operands: []operand{enum(storageClasses), id()}},
	"OpTypeFunction": {opcode: 33, result: true, operands: []operand{id(), ids()}},

	"OpConstant":          {opcode: 43, resultType: true, result: true, operands: []operand{id(), literal()}},
	"OpConstantComposite": {opcode: 44, resultType: true, result: true, operands: []operand{id(), ids()}},
	"OpFunction":          {opcode: 54, resultType: true, result: true, operands: []operand{id(), enum(functionControls), id()}},
	"OpFunctionEnd":       {opcode: 56},
	"OpVariable":          {opcode: 59, resultType: true, result: true, operands: []operand{id(), enum(storageClasses)}},
	"OpImageTexelPointer": {opcode: 60, resultType: true, result: true, operands: []operand{id(), id(), id(), id()}},
	"OpLoad":              {opcode: 61, resultType: true, result: true, operands: []operand{id(), id()}},
	"OpStore":             {opcode: 62, operands: []operand{id(), id()}},
	"OpDecorate":          {opcode: opDecorate, operands: []operand{id(), {kind: kindDecoration}}},

	"OpAtomicCompareExchange": {opcode: opAtomicCmpXc, resultType: true, result: true, operands: []operand{id(), id(), id(), id(), id(), id(), id()}},

	"OpLabel":  {opcode: 248, result: true},
	"OpReturn": {opcode: 253},
}
