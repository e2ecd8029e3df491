package wire

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestOpcodeValues(t *testing.T) {
	want := map[Opcode]int32{
		ImageRequest:          0,
		LoadFromFile:          1,
		LoadFromPython:        2,
		RunAlgorithm:          3,
		Equalize:              4,
		CalculateBackground:   5,
		CalculateSignal:       6,
		CalculateSignificance: 7,
		Cluster:               8,
	}
	for op, v := range want {
		b := EncodeOpcode(op)
		require.Len(t, b, Size, op.String())
		require.Equal(t, []byte{byte(v), 0, 0, 0}, b, op.String())
	}
	require.Len(t, Opcodes(), len(want))
}

func TestOpcodesSorted(t *testing.T) {
	ops := Opcodes()
	for i, op := range ops {
		require.Equal(t, Opcode(i), op)
	}
}

func TestParseOpcode(t *testing.T) {
	for _, op := range Opcodes() {
		got, err := ParseOpcode(op.String())
		require.NoError(t, err)
		require.Equal(t, op, got)
	}
	_, err := ParseOpcode("defragment")
	require.True(t, errors.Is(err, ErrUnknownOpcode))
}

func TestDecodeResponse(t *testing.T) {
	testCases := []struct {
		desc string
		in   []byte
		want Response
		err  error
	}{
		{desc: "success", in: []byte{0, 0, 0, 0}, want: Success},
		{desc: "not implemented", in: []byte{1, 0, 0, 0}, want: NotImplemented},
		{desc: "error", in: []byte{2, 0, 0, 0}, want: Error},
		{desc: "unknown", in: []byte{3, 0, 0, 0}, err: ErrUnknownResponse},
		{desc: "negative", in: []byte{0xff, 0xff, 0xff, 0xff}, err: ErrUnknownResponse},
		{desc: "short", in: []byte{0, 0}, err: ErrShortFrame},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			got, err := DecodeResponse(tC.in)
			if tC.err != nil {
				require.True(t, errors.Is(err, tC.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tC.want, got)
		})
	}
}

func TestDecodeOpcodeUnknown(t *testing.T) {
	_, err := DecodeOpcode(PutInt32(9))
	require.True(t, errors.Is(err, ErrUnknownOpcode))
}

func TestScalars(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 51, math.MaxInt32, math.MinInt32} {
		got, err := Int32(PutInt32(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	for _, v := range []float64{0, 1, -2.5, math.SmallestNonzeroFloat64, math.MaxFloat64} {
		b := PutFloat64(v)
		require.Len(t, b, FloatSize)
		got, err := Float64(b)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	// 1.0 as a little-endian IEEE-754 double
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}, PutFloat64(1))
}

func TestStringUnknown(t *testing.T) {
	require.Equal(t, "opcode(42)", Opcode(42).String())
	require.Equal(t, "response(-1)", Response(-1).String())
}
