package asm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/asm"
)

func TestCodeSegmentZeroValue(t *testing.T) {
	code := asm.NewCodeSegment(nil)
	require.Equal(t, 0, code.Size())
	require.Equal(t, 0, code.Len())
	require.Equal(t, 0, len(code.Bytes()))

	buf := code.Next()
	require.Equal(t, 0, buf.Len())
	require.Equal(t, 0, len(buf.Bytes()))
}

func TestCodeSegmentNextAligns(t *testing.T) {
	code := asm.NewCodeSegment(nil)
	buf := code.Next()
	buf.WriteUint32(0xe320f000)
	require.Equal(t, 4, code.Size())

	next := code.Next()
	require.Equal(t, 16, code.Size())
	require.Equal(t, 0, next.Len())
	next.WriteUint32(1)
	require.Equal(t, 20, code.Size())
	require.Equal(t, []byte{1, 0, 0, 0}, next.Bytes())
}

func TestBufferWriteUint32(t *testing.T) {
	withBuffer(t, func(buf asm.Buffer) {
		values := []uint32{0, 1, 0xe1a00001, 0xffffffff}
		var expected []byte
		for i, v := range values {
			buf.WriteUint32(v)
			expected = append(expected, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
			require.Equal(t, 4*(i+1), buf.Len())
			require.Equal(t, expected, buf.Bytes())
		}
	})
}

func TestBufferPutUint32(t *testing.T) {
	withBuffer(t, func(buf asm.Buffer) {
		buf.WriteUint32(0)
		buf.WriteUint32(0)
		buf.PutUint32(4, 0xea000000)
		require.Equal(t, uint32(0), buf.Uint32At(0))
		require.Equal(t, uint32(0xea000000), buf.Uint32At(4))
	})
}

func TestBufferReset(t *testing.T) {
	withBuffer(t, func(buf asm.Buffer) {
		_, err := buf.Write([]byte("Hello World!"))
		require.NoError(t, err)
		require.Equal(t, 12, buf.Len())
		require.Equal(t, []byte("Hello World!"), buf.Bytes())

		buf.Reset()
		require.Equal(t, 0, buf.Len())
		require.Equal(t, []byte{}, buf.Bytes())
	})
}

func TestBufferTruncate(t *testing.T) {
	withBuffer(t, func(buf asm.Buffer) {
		_, err := buf.Write([]byte("Hello World!"))
		require.NoError(t, err)

		buf.Truncate(5)
		require.Equal(t, 5, buf.Len())
		require.Equal(t, []byte("Hello"), buf.Bytes())
	})
}

func withBuffer(t *testing.T, f func(asm.Buffer)) {
	code := asm.NewCodeSegment(nil)
	// Repeat the test multiple times to ensure that Next works as expected.
	for i := 0; i < 10; i++ {
		f(code.Next())
	}
}
