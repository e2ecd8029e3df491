// Package wire encodes the fixed-width frames exchanged with the detector
// process: 4-byte opcodes and response codes, and the scalar parameters that
// follow them.
package wire

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Size is the width of every opcode, response code and int32 parameter.
const Size = 4

// FloatSize is the width of a float64 parameter.
const FloatSize = 8

// order matches struct.pack('i') on the x86 hosts the detector runs on.
var order = binary.LittleEndian

var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrUnknownResponse = errors.New("unknown response code")
	ErrShortFrame      = errors.New("short frame")
)

type Opcode int32

const (
	ImageRequest Opcode = iota
	LoadFromFile
	LoadFromPython
	RunAlgorithm
	Equalize
	CalculateBackground
	CalculateSignal
	CalculateSignificance
	Cluster
)

var opcodeNames = map[Opcode]string{
	ImageRequest:          "image_request",
	LoadFromFile:          "load_from_file",
	LoadFromPython:        "load_from_python",
	RunAlgorithm:          "run_algorithm",
	Equalize:              "equalize",
	CalculateBackground:   "calculate_background",
	CalculateSignal:       "calculate_signal",
	CalculateSignificance: "calculate_significance",
	Cluster:               "cluster",
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		m[name] = op
	}
	return m
}()

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "opcode(" + strconv.Itoa(int(o)) + ")"
}

func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Opcodes returns every known opcode in wire order.
func Opcodes() []Opcode {
	ops := maps.Keys(opcodeNames)
	slices.Sort(ops)
	return ops
}

// ParseOpcode maps a snake_case name such as "calculate_background" back to
// its opcode.
func ParseOpcode(name string) (Opcode, error) {
	op, ok := opcodesByName[name]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownOpcode, "%q", name)
	}
	return op, nil
}

type Response int32

const (
	Success Response = iota
	NotImplemented
	Error
)

var responseNames = map[Response]string{
	Success:        "success",
	NotImplemented: "not_implemented",
	Error:          "error",
}

func (r Response) String() string {
	if name, ok := responseNames[r]; ok {
		return name
	}
	return "response(" + strconv.Itoa(int(r)) + ")"
}

func (r Response) Valid() bool {
	_, ok := responseNames[r]
	return ok
}

func EncodeOpcode(o Opcode) []byte { return PutInt32(int32(o)) }

func DecodeOpcode(b []byte) (Opcode, error) {
	v, err := Int32(b)
	if err != nil {
		return 0, err
	}
	op := Opcode(v)
	if !op.Valid() {
		return op, errors.Wrapf(ErrUnknownOpcode, "value %d", v)
	}
	return op, nil
}

func EncodeResponse(r Response) []byte { return PutInt32(int32(r)) }

func DecodeResponse(b []byte) (Response, error) {
	v, err := Int32(b)
	if err != nil {
		return 0, err
	}
	r := Response(v)
	if !r.Valid() {
		return r, errors.Wrapf(ErrUnknownResponse, "value %d", v)
	}
	return r, nil
}

func PutInt32(v int32) []byte {
	b := make([]byte, Size)
	order.PutUint32(b, uint32(v))
	return b
}

func Int32(b []byte) (int32, error) {
	if len(b) != Size {
		return 0, errors.Wrapf(ErrShortFrame, "want %d bytes, got %d", Size, len(b))
	}
	return int32(order.Uint32(b)), nil
}

func PutFloat64(v float64) []byte {
	b := make([]byte, FloatSize)
	order.PutUint64(b, math.Float64bits(v))
	return b
}

func Float64(b []byte) (float64, error) {
	if len(b) != FloatSize {
		return 0, errors.Wrapf(ErrShortFrame, "want %d bytes, got %d", FloatSize, len(b))
	}
	return math.Float64frombits(order.Uint64(b)), nil
}
