// Package shader holds the diagnostic's GPU program as SPIR-V assembly
// text and turns it into the words a shader module is created from.
package shader

import (
	"bufio"
	"embed"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

//go:embed shaders
var fileSystem embed.FS

const AtomicCompareSwapSource = "shaders/atomic_cas.spvasm"

// AtomicCompareSwap returns the assembled vertex program that
// compare-and-swaps each slot of the texel buffer from the sentinel to its
// vertex index.
func AtomicCompareSwap() ([]uint32, error) {
	text, err := fileSystem.ReadFile(AtomicCompareSwapSource)
	if err != nil {
		return nil, errors.Wrap(err, "read shader source")
	}

	code, err := Assemble(string(text))
	if err != nil {
		return nil, errors.Wrapf(err, "assemble %s", AtomicCompareSwapSource)
	}
	return code, nil
}

type assembler struct {
	ids     map[string]uint32
	defined map[string]bool
	words   []uint32
}

// Assemble encodes SPIR-V assembly text as a SPIR-V 1.0 module. Every %name
// gets a numeric ID in order of first appearance.
func Assemble(text string) ([]uint32, error) {
	a := &assembler{
		ids:     map[string]uint32{},
		defined: map[string]bool{},
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++

		tokens, err := tokenize(scanner.Text())
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNumber)
		}
		if len(tokens) == 0 {
			continue
		}

		err = a.line(tokens)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNumber)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	for name := range a.ids {
		if !a.defined[name] {
			return nil, errors.Newf("%s is referenced but never defined", name)
		}
	}

	header := []uint32{magicNumber, version1_0, 0, uint32(len(a.ids) + 1), 0}
	return append(header, a.words...), nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ';':
			return tokens, nil
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, errors.New("unterminated string")
			}
			tokens = append(tokens, line[i:i+end+2])
			i += end + 2
		default:
			end := strings.IndexAny(line[i:], " \t\r;")
			if end < 0 {
				end = len(line) - i
			}
			tokens = append(tokens, line[i:i+end])
			i += end
		}
	}
	return tokens, nil
}

func (a *assembler) id(name string) (uint32, error) {
	if !strings.HasPrefix(name, "%") || len(name) == 1 {
		return 0, errors.Newf("expected an id, got %q", name)
	}
	if v, ok := a.ids[name]; ok {
		return v, nil
	}
	v := uint32(len(a.ids) + 1)
	a.ids[name] = v
	return v, nil
}

func (a *assembler) line(tokens []string) error {
	var resultName string
	if len(tokens) >= 3 && tokens[1] == "=" {
		resultName = tokens[0]
		tokens = tokens[2:]
	}

	opName := tokens[0]
	inst, ok := instructions[opName]
	if !ok {
		return errors.Newf("unsupported instruction %s", opName)
	}
	args := tokens[1:]

	if inst.result != (resultName != "") {
		if inst.result {
			return errors.Newf("%s needs a result id", opName)
		}
		return errors.Newf("%s has no result", opName)
	}

	var body []uint32
	operands := inst.operands
	if inst.resultType {
		if len(args) == 0 {
			return errors.Newf("%s: missing result type", opName)
		}
		resultType, err := a.id(args[0])
		if err != nil {
			return errors.Wrap(err, opName)
		}
		body = append(body, resultType)
		args = args[1:]
		operands = operands[1:]
	}

	if inst.result {
		if a.defined[resultName] {
			return errors.Newf("%s is defined twice", resultName)
		}
		result, err := a.id(resultName)
		if err != nil {
			return errors.Wrap(err, opName)
		}
		a.defined[resultName] = true
		body = append(body, result)
	}

	encoded, err := a.operands(operands, args)
	if err != nil {
		return errors.Wrap(err, opName)
	}
	body = append(body, encoded...)

	wordCount := uint32(len(body) + 1)
	a.words = append(a.words, wordCount<<16|inst.opcode)
	a.words = append(a.words, body...)
	return nil
}

func (a *assembler) operands(kinds []operand, args []string) ([]uint32, error) {
	var words []uint32
	for _, kind := range kinds {
		switch kind.kind {
		case kindIDs:
			for _, arg := range args {
				v, err := a.id(arg)
				if err != nil {
					return nil, err
				}
				words = append(words, v)
			}
			args = nil
			continue
		case kindDecoration:
			encoded, err := decoration(args)
			if err != nil {
				return nil, err
			}
			words = append(words, encoded...)
			args = nil
			continue
		}

		if len(args) == 0 {
			return nil, errors.New("too few operands")
		}
		arg := args[0]
		args = args[1:]

		switch kind.kind {
		case kindID:
			v, err := a.id(arg)
			if err != nil {
				return nil, err
			}
			words = append(words, v)
		case kindLiteral:
			v, err := number(arg)
			if err != nil {
				return nil, err
			}
			words = append(words, v)
		case kindString:
			s, err := strconv.Unquote(arg)
			if err != nil {
				return nil, errors.Wrapf(err, "string %s", arg)
			}
			words = append(words, encodeString(s)...)
		case kindEnum:
			v, ok := kind.enums[arg]
			if !ok {
				return nil, errors.Newf("unknown enumerant %q", arg)
			}
			words = append(words, v)
		}
	}

	if len(args) > 0 {
		return nil, errors.Newf("unexpected operands %v", args)
	}
	return words, nil
}

func decoration(args []string) ([]uint32, error) {
	if len(args) == 0 {
		return nil, errors.New("missing decoration")
	}
	v, ok := decorations[args[0]]
	if !ok {
		return nil, errors.Newf("unknown decoration %q", args[0])
	}
	words := []uint32{v}

	if v == decorationBuiltIn {
		if len(args) != 2 {
			return nil, errors.New("BuiltIn takes exactly one operand")
		}
		builtIn, ok := builtIns[args[1]]
		if !ok {
			return nil, errors.Newf("unknown built-in %q", args[1])
		}
		return append(words, builtIn), nil
	}

	for _, arg := range args[1:] {
		n, err := number(arg)
		if err != nil {
			return nil, err
		}
		words = append(words, n)
	}
	return words, nil
}

// number encodes a 32-bit literal. Anything with a decimal point or an
// exponent is a float; negative integers are stored as two's complement.
func number(s string) (uint32, error) {
	hex := strings.HasPrefix(strings.ToLower(strings.TrimPrefix(s, "-")), "0x")
	if strings.ContainsAny(s, ".eE") && !hex {
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "literal %s", s)
		}
		return math.Float32bits(float32(f)), nil
	}

	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "literal %s", s)
	}
	if n < math.MinInt32 || n > math.MaxUint32 {
		return 0, errors.Newf("literal %s does not fit in 32 bits", s)
	}
	return uint32(n), nil
}

// encodeString packs a nul-terminated UTF-8 string into little-endian
// words, padding the last word with zeros.
func encodeString(s string) []uint32 {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}

	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return words
}
