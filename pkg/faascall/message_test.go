package faascall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	c := FuncCall{FuncID: 7, MethodID: 2, ClientID: 0, CallID: 12345}
	got := Unpack(c.Pack())
	assert.Equal(t, c, got)
}

func TestPackDoesNotCollideAcrossCallIDBoundary(t *testing.T) {
	a := FuncCall{ClientID: 0, CallID: 65536}
	b := FuncCall{ClientID: 1, CallID: 0}
	assert.NotEqual(t, a.Pack(), b.Pack())
}

func TestPackUnpackRoundTripFullCallIDRange(t *testing.T) {
	c := FuncCall{FuncID: 7, MethodID: 2, ClientID: 65535, CallID: 4294967295}
	got := Unpack(c.Pack())
	assert.Equal(t, c, got)
}

func TestIsExternal(t *testing.T) {
	assert.True(t, FuncCall{ClientID: 0}.IsExternal())
	assert.False(t, FuncCall{ClientID: 9}.IsExternal())
}

func TestInvalidFullCallIDIsAllOnes(t *testing.T) {
	assert.Equal(t, ^uint64(0), InvalidFullCallID)
}

func TestShmNaming(t *testing.T) {
	assert.Equal(t, "func_call_input_42", InputShmName(42))
	assert.Equal(t, "func_call_output_42", OutputShmName(42))
}

func TestEncodeDecodeHeaderInline(t *testing.T) {
	m := Message{
		Type:            InvokeFunc,
		Call:            FuncCall{FuncID: 1, MethodID: 0, ClientID: 0, CallID: 9},
		ParentFullCallID: InvalidFullCallID,
		PayloadSize:     2,
		InlineData:      []byte("hi"),
	}
	wire, err := Encode(m)
	require.NoError(t, err)
	require.Len(t, wire, HeaderSize()+2)

	got, inlineLen, err := DecodeHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, 2, inlineLen)
	assert.Equal(t, m.Call, got.Call)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.ParentFullCallID, got.ParentFullCallID)
	assert.False(t, got.UsesShm())
	assert.Equal(t, 2, got.PayloadLen())
}

func TestEncodeDecodeHeaderShm(t *testing.T) {
	m := Message{
		Type:        FuncCallComplete,
		Call:        FuncCall{FuncID: 1, CallID: 9},
		PayloadSize: -8192,
	}
	wire, err := Encode(m)
	require.NoError(t, err)

	got, inlineLen, err := DecodeHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, 0, inlineLen)
	assert.True(t, got.UsesShm())
	assert.Equal(t, 8192, got.PayloadLen())
}

func TestEncodeRejectsOversizedInline(t *testing.T) {
	_, err := Encode(Message{InlineData: make([]byte, InlineDataSize+1)})
	assert.Error(t, err)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeHeader(make([]byte, HeaderSize()-1))
	assert.Error(t, err)
}
