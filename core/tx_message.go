package core

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// txPadGranularity is the boundary fluffed tx messages are padded to when
// padding is enabled, hiding the exact batch size from a passive observer.
const txPadGranularity = 1024

// TxMessage is the payload of a CommandNewTransactions notify. The blobs
// themselves are opaque to the transport.
type TxMessage struct {
	Txs            [][]byte
	Padding        []byte
	DandelionFluff bool
}

// EncodeTxMessage serializes the payload. Fluff sends sort the blobs so
// the wire order cannot leak the order transactions arrived in; stem sends
// preserve order. When pad is set the encoded size is rounded up to the
// next kibibyte boundary with zero bytes.
func EncodeTxMessage(txs [][]byte, pad, fluff bool) []byte {
	if fluff {
		sorted := make([][]byte, len(txs))
		copy(sorted, txs)
		sort.Slice(sorted, func(i, j int) bool {
			return string(sorted[i]) < string(sorted[j])
		})
		txs = sorted
	}

	size := 1 + 4
	for _, tx := range txs {
		size += 4 + len(tx)
	}
	size += 4

	padding := 0
	if pad {
		if rem := (size + txPadGranularity - 1) / txPadGranularity * txPadGranularity; rem > size {
			padding = rem - size
		}
	}

	out := make([]byte, 0, size+padding)
	if fluff {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(txs)))
	for _, tx := range txs {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(tx)))
		out = append(out, tx...)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(padding))
	out = append(out, make([]byte, padding)...)
	return out
}

// DecodeTxMessage parses a CommandNewTransactions payload.
func DecodeTxMessage(raw []byte) (TxMessage, error) {
	var msg TxMessage
	if len(raw) < 9 {
		return msg, fmt.Errorf("%w: tx message of %d bytes", ErrInvalidArgument, len(raw))
	}
	msg.DandelionFluff = raw[0] != 0
	count := binary.LittleEndian.Uint32(raw[1:])
	at := 5
	for i := uint32(0); i < count; i++ {
		if len(raw)-at < 4 {
			return msg, fmt.Errorf("%w: truncated tx length", ErrInvalidArgument)
		}
		n := int(binary.LittleEndian.Uint32(raw[at:]))
		at += 4
		if len(raw)-at < n {
			return msg, fmt.Errorf("%w: truncated tx blob", ErrInvalidArgument)
		}
		msg.Txs = append(msg.Txs, raw[at:at+n])
		at += n
	}
	if len(raw)-at < 4 {
		return msg, fmt.Errorf("%w: truncated padding length", ErrInvalidArgument)
	}
	n := int(binary.LittleEndian.Uint32(raw[at:]))
	at += 4
	if len(raw)-at < n {
		return msg, fmt.Errorf("%w: truncated padding", ErrInvalidArgument)
	}
	msg.Padding = raw[at : at+n]
	return msg, nil
}

// MakeTxNotify frames a tx notification for a single connection.
func MakeTxNotify(txs [][]byte, pad, fluff bool) ByteSlice {
	return MakeNotify(CommandNewTransactions, EncodeTxMessage(txs, pad, fluff))
}

// MakeFragmentedTxNotify frames a tx notification chopped into noise-sized
// fragments for covert channels. Padding is never applied: the channel's
// constant frame size already hides the payload length.
func MakeFragmentedTxNotify(txs [][]byte, fragmentSize int) (ByteSlice, error) {
	return MakeFragmented(fragmentSize, CommandNewTransactions, EncodeTxMessage(txs, false, false))
}
