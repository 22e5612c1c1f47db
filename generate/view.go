package generate

import "unsafe"

// asUint16 reinterprets a byte buffer as a uint16 slice of half its length,
// matching the accelerator's native little-endian tensor layout on every
// platform this driver targets. Used for attention-mask buffers, which the
// runtime reads/writes as raw uint16 in place.
func asUint16(buf []byte) []uint16 {
	if len(buf)%2 != 0 {
		panic("generate: buffer length not a multiple of 2")
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&buf[0])), len(buf)/2)
}

// asInt32 reinterprets a byte buffer as an int32 slice of a quarter its
// length. Used for token/position input buffers.
func asInt32(buf []byte) []int32 {
	if len(buf)%4 != 0 {
		panic("generate: buffer length not a multiple of 4")
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&buf[0])), len(buf)/4)
}
