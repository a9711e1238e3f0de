package logbuffer

import "unsafe"

// unsafeAt returns a pointer to the int32 frame-length field at the front
// of partition[offset:], so it can be atomically stored/loaded without a
// copy. Every caller only ever does this at a frame boundary, which is
// always aligned to FrameAlignment (32 bytes), satisfying int32 alignment.
func unsafeAt(partition []byte, offset int32) unsafe.Pointer {
	return unsafe.Pointer(&partition[offset])
}
