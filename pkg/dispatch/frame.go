package dispatch

import (
	"sync/atomic"
	"unsafe"
)

// FrameAlignment is the byte boundary every frame (header + payload +
// padding) is aligned to.
const FrameAlignment = 8

// HeaderLength is the fixed size of a frame header, already a multiple
// of FrameAlignment.
const HeaderLength = 16

// frame types.
const (
	frameTypeUser    int16 = 0
	frameTypePadding int16 = -1
)

// flag bits, stored in the single flags byte of the header.
const (
	flagFailed uint8 = 1 << 0
)

// Frame header layout, all fields in host byte order:
//
//	0   length    int32  // <0 claimed, >0 committed, 0 unwritten
//	4   type      int16  // frameTypeUser or frameTypePadding
//	6   flags     uint8  // flagFailed, ...
//	7   _pad      uint8
//	8   streamID   int32
//	12  _pad      [4]byte
const (
	offsetLength   = 0
	offsetType     = 4
	offsetFlags    = 6
	offsetStreamID = 8
)

// MinFragmentLength is the smallest a claimed fragment can be: a bare
// header with no payload, already aligned.
const MinFragmentLength = HeaderLength

// alignedFrameLength returns the total on-wire size (header + payload,
// rounded up to FrameAlignment) needed to hold a payload of n bytes.
func alignedFrameLength(payloadLen int32) int32 {
	return alignUp(HeaderLength+payloadLen, FrameAlignment)
}

func lengthPtr(buf []byte, offset int32) *int32 {
	return (*int32)(unsafe.Pointer(&buf[offset+offsetLength]))
}

// loadFrameLength does an acquire-load of the header length field so
// that a subscriber observing a positive (committed) length also
// observes the payload bytes a producer wrote before its release-store.
func loadFrameLength(buf []byte, offset int32) int32 {
	return atomic.LoadInt32(lengthPtr(buf, offset))
}

// storeFrameLengthRelease publishes the header length with release
// semantics: writes issued before this call (the payload copy, the
// other header fields) are visible to any reader that subsequently
// observes the new length value.
func storeFrameLengthRelease(buf []byte, offset int32, length int32) {
	atomic.StoreInt32(lengthPtr(buf, offset), length)
}

func writeFrameType(buf []byte, offset int32, typ int16) {
	*(*int16)(unsafe.Pointer(&buf[offset+offsetType])) = typ
}

func readFrameType(buf []byte, offset int32) int16 {
	return *(*int16)(unsafe.Pointer(&buf[offset+offsetType]))
}

func writeStreamID(buf []byte, offset int32, streamID int32) {
	*(*int32)(unsafe.Pointer(&buf[offset+offsetStreamID])) = streamID
}

func readStreamID(buf []byte, offset int32) int32 {
	return *(*int32)(unsafe.Pointer(&buf[offset+offsetStreamID]))
}

func flagsPtr(buf []byte, offset int32) *uint8 {
	return &buf[offset+offsetFlags]
}

func setFailedFlag(buf []byte, offset int32) {
	*flagsPtr(buf, offset) |= flagFailed
}

func isFailed(buf []byte, offset int32) bool {
	return *flagsPtr(buf, offset)&flagFailed != 0
}

// writeClaimedHeader writes a freshly-claimed (uncommitted) frame
// header: negative length, user type, stream id, and clears flags.
func writeClaimedHeader(buf []byte, offset int32, frameLen int32, streamID int32) {
	writeFrameType(buf, offset, frameTypeUser)
	*flagsPtr(buf, offset) = 0
	writeStreamID(buf, offset, streamID)
	// length is written last, with release semantics, so a concurrent
	// reader never observes a negative-but-stale header.
	storeFrameLengthRelease(buf, offset, -frameLen)
}

// writePaddingHeader writes an immediately-visible padding frame that
// fills the remainder of a partition. A padding frame shorter than
// HeaderLength carries only its length, type and flags.
func writePaddingHeader(buf []byte, offset int32, frameLen int32) {
	writeFrameType(buf, offset, frameTypePadding)
	*flagsPtr(buf, offset) = 0
	if frameLen >= HeaderLength {
		writeStreamID(buf, offset, 0)
	}
	storeFrameLengthRelease(buf, offset, frameLen)
}

// commitClaimed flips a claimed header's length from negative to
// positive, publishing the frame to subscribers.
func commitClaimed(buf []byte, offset int32) {
	length := loadFrameLength(buf, offset)
	if length < 0 {
		storeFrameLengthRelease(buf, offset, -length)
	}
}
