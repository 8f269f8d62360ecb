package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxMessageRoundTrip(t *testing.T) {
	txs := [][]byte{[]byte("bbb"), []byte("aaa"), []byte("ccc")}

	stem := EncodeTxMessage(txs, false, false)
	msg, err := DecodeTxMessage(stem)
	require.NoError(t, err)
	require.False(t, msg.DandelionFluff)
	require.Empty(t, msg.Padding)
	// Stem sends preserve arrival order.
	require.Equal(t, [][]byte{[]byte("bbb"), []byte("aaa"), []byte("ccc")}, msg.Txs)
}

func TestTxMessageFluffSorts(t *testing.T) {
	txs := [][]byte{[]byte("bbb"), []byte("aaa"), []byte("ccc")}
	fluff := EncodeTxMessage(txs, false, true)
	msg, err := DecodeTxMessage(fluff)
	require.NoError(t, err)
	require.True(t, msg.DandelionFluff)
	require.Equal(t, [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}, msg.Txs)
}

func TestTxMessagePaddingGranularity(t *testing.T) {
	padded := EncodeTxMessage([][]byte{[]byte("tx")}, true, true)
	require.Zero(t, len(padded)%txPadGranularity, "padded message must end on a kibibyte boundary")

	msg, err := DecodeTxMessage(padded)
	require.NoError(t, err)
	require.NotEmpty(t, msg.Padding)
	require.True(t, bytes.Equal(msg.Padding, make([]byte, len(msg.Padding))))
	require.Equal(t, [][]byte{[]byte("tx")}, msg.Txs)
}

func TestTxMessageDecodeErrors(t *testing.T) {
	_, err := DecodeTxMessage([]byte{1, 2})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Count claims more blobs than the bytes can hold.
	truncated := EncodeTxMessage([][]byte{[]byte("abc")}, false, false)
	truncated = truncated[:len(truncated)-6]
	_, err = DecodeTxMessage(truncated)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
