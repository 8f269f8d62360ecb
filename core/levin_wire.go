package core

import (
	"encoding/binary"
	"fmt"
)

// Levin wire constants. Every frame starts with a fixed 33-byte
// little-endian header carrying the signature, payload length, dispatch
// flags and command id.
const (
	LevinSignature      uint64 = 0x0101010101012101
	LevinProtocolVer    uint32 = 1
	LevinHeaderSize            = 33
	LevinPacketRequest  uint32 = 0x00000001
	LevinPacketResponse uint32 = 0x00000002
	LevinPacketBegin    uint32 = 0x00000004
	LevinPacketEnd      uint32 = 0x00000008
)

// LevinHeader is the decoded form of the fixed frame header.
type LevinHeader struct {
	Signature  uint64
	PayloadLen uint64
	ReturnData bool
	Command    uint32
	ReturnCode int32
	Flags      uint32
	Version    uint32
}

// IsFragment reports whether the frame carries neither a request nor a
// response and therefore belongs to a fragmented (or noise) message.
func (h *LevinHeader) IsFragment() bool {
	return h.Flags&(LevinPacketRequest|LevinPacketResponse) == 0
}

// IsNoise reports whether the frame is a standalone dummy frame that the
// receiver must discard.
func (h *LevinHeader) IsNoise() bool {
	return h.IsFragment() && h.Flags&(LevinPacketBegin|LevinPacketEnd) == (LevinPacketBegin|LevinPacketEnd)
}

func (h *LevinHeader) encodeTo(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], h.Signature)
	binary.LittleEndian.PutUint64(dst[8:], h.PayloadLen)
	if h.ReturnData {
		dst[16] = 1
	} else {
		dst[16] = 0
	}
	binary.LittleEndian.PutUint32(dst[17:], h.Command)
	binary.LittleEndian.PutUint32(dst[21:], uint32(h.ReturnCode))
	binary.LittleEndian.PutUint32(dst[25:], h.Flags)
	binary.LittleEndian.PutUint32(dst[29:], h.Version)
}

// ParseHeader decodes a frame header, rejecting frames whose signature or
// protocol version do not match exactly.
func ParseHeader(raw []byte) (LevinHeader, error) {
	if len(raw) < LevinHeaderSize {
		return LevinHeader{}, ErrOutOfRange
	}
	h := LevinHeader{
		Signature:  binary.LittleEndian.Uint64(raw[0:]),
		PayloadLen: binary.LittleEndian.Uint64(raw[8:]),
		ReturnData: raw[16] != 0,
		Command:    binary.LittleEndian.Uint32(raw[17:]),
		ReturnCode: int32(binary.LittleEndian.Uint32(raw[21:])),
		Flags:      binary.LittleEndian.Uint32(raw[25:]),
		Version:    binary.LittleEndian.Uint32(raw[29:]),
	}
	if h.Signature != LevinSignature {
		return LevinHeader{}, ErrBadSignature
	}
	if h.Version != LevinProtocolVer {
		return LevinHeader{}, ErrBadVersion
	}
	return h, nil
}

func makeFrame(command uint32, payload []byte, returnData bool, returnCode int32, flags uint32) ByteSlice {
	stream := NewByteStream(LevinHeaderSize + len(payload))
	head := LevinHeader{
		Signature:  LevinSignature,
		PayloadLen: uint64(len(payload)),
		ReturnData: returnData,
		Command:    command,
		ReturnCode: returnCode,
		Flags:      flags,
		Version:    LevinProtocolVer,
	}
	var raw [LevinHeaderSize]byte
	head.encodeTo(raw[:])
	stream.Write(raw[:])
	stream.Write(payload)
	return stream.GrabSlice()
}

// MakeInvoke frames a request that expects a response.
func MakeInvoke(command uint32, payload []byte) ByteSlice {
	return makeFrame(command, payload, true, 0, LevinPacketRequest)
}

// MakeNotify frames a one-way request.
func MakeNotify(command uint32, payload []byte) ByteSlice {
	return makeFrame(command, payload, false, 0, LevinPacketRequest)
}

// MakeResponse frames a reply to an earlier invoke.
func MakeResponse(command uint32, returnCode int32, payload []byte) ByteSlice {
	return makeFrame(command, payload, false, returnCode, LevinPacketResponse)
}

// MakeNoise builds a dummy frame of exactly totalSize bytes on the wire.
// Receivers drop it; it exists so covert channels can keep a constant
// traffic shape.
func MakeNoise(totalSize int) (ByteSlice, error) {
	if totalSize < LevinHeaderSize {
		return ByteSlice{}, fmt.Errorf("%w: noise frame of %d bytes", ErrInvalidArgument, totalSize)
	}
	stream := NewByteStream(totalSize)
	head := LevinHeader{
		Signature:  LevinSignature,
		PayloadLen: uint64(totalSize - LevinHeaderSize),
		Command:    0,
		Flags:      LevinPacketBegin | LevinPacketEnd,
		Version:    LevinProtocolVer,
	}
	var raw [LevinHeaderSize]byte
	head.encodeTo(raw[:])
	stream.Write(raw[:])
	stream.Write(make([]byte, totalSize-LevinHeaderSize))
	return stream.GrabSlice(), nil
}

// MakeFragmented splits a notify into frames of exactly fragmentSize bytes
// on the wire. The reassembled payload starts with an inner header so the
// receiver can dispatch it like a regular frame; the final fragment is
// zero-padded to the frame boundary.
//
// A message that fits one frame is emitted as a single regular notify,
// zero-padded to fragmentSize: a one-frame fragment would carry both the
// BEGIN and END flags and be dropped as noise by the receiver.
func MakeFragmented(fragmentSize int, command uint32, payload []byte) (ByteSlice, error) {
	if fragmentSize <= LevinHeaderSize {
		return ByteSlice{}, fmt.Errorf("%w: fragment size %d", ErrInvalidArgument, fragmentSize)
	}
	if LevinHeaderSize+len(payload) <= fragmentSize {
		padded := make([]byte, fragmentSize-LevinHeaderSize)
		copy(padded, payload)
		return makeFrame(command, padded, false, 0, LevinPacketRequest), nil
	}
	if fragmentSize < 2*LevinHeaderSize {
		return ByteSlice{}, fmt.Errorf("%w: fragment size %d too small to split", ErrInvalidArgument, fragmentSize)
	}
	chunk := fragmentSize - LevinHeaderSize
	frames := (LevinHeaderSize + len(payload) + chunk - 1) / chunk

	// The logical message is one inner header followed by the payload; the
	// concatenation is chopped into equal chunks and the tail zero-padded
	// so every frame is exactly fragmentSize bytes on the wire.
	innerHead := LevinHeader{
		Signature:  LevinSignature,
		PayloadLen: uint64(len(payload)),
		Command:    command,
		Flags:      LevinPacketRequest,
		Version:    LevinProtocolVer,
	}
	full := make([]byte, LevinHeaderSize+len(payload), frames*chunk)
	innerHead.encodeTo(full)
	copy(full[LevinHeaderSize:], payload)
	full = full[:frames*chunk]

	stream := NewByteStream(frames * fragmentSize)
	frag := LevinHeader{
		Signature:  LevinSignature,
		PayloadLen: uint64(chunk),
		Command:    0,
		Flags:      LevinPacketBegin,
		Version:    LevinProtocolVer,
	}
	var raw [LevinHeaderSize]byte
	for i := 0; i < frames; i++ {
		if i == frames-1 {
			frag.Flags |= LevinPacketEnd
		}
		frag.encodeTo(raw[:])
		stream.Write(raw[:])
		frag.Flags = 0
		stream.Write(full[i*chunk : (i+1)*chunk])
	}
	return stream.GrabSlice(), nil
}
