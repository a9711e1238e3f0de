package logbuffer

import (
	"sync/atomic"

	"github.com/aeronio/mediadriver/internal/wire"
)

// ScanResult describes what Scan found starting at termOffset.
type ScanResult struct {
	// Length is the number of contiguous committed bytes available to
	// send, bounded by maxLength.
	Length int32
	// HitPadding is true if the scan stopped because it reached a
	// committed PADDING frame (which is included in Length).
	HitPadding bool
	// HitUncommitted is true if the scan stopped because the next frame
	// hasn't been release-stored yet (frame_length still 0).
	HitUncommitted bool
}

// Scan walks committed frames in partition starting at termOffset, up to
// maxLength bytes, for the Network Publication send loop (spec.md §4.2
// step 3). It stops at the first frame whose frame_length is still zero
// (not yet committed) or at a PADDING frame (included in the result, since
// spec.md §8 invariant 3 requires a consumer scan to see exactly what a
// successful append committed).
func Scan(partition []byte, termOffset, maxLength int32) ScanResult {
	var result ScanResult
	offset := termOffset
	termLength := int32(len(partition))

	for offset < termLength && result.Length < maxLength {
		frameLength := atomic.LoadInt32((*int32)(unsafeAt(partition, offset)))
		if frameLength == 0 {
			result.HitUncommitted = true
			break
		}

		aligned := wire.Align(frameLength)
		if result.Length+aligned > maxLength {
			break
		}

		h, err := wire.ParseHeader(partition[offset:])
		isPadding := err == nil && h.Type == wire.FrameTypePad

		result.Length += aligned
		offset += aligned

		if isPadding {
			result.HitPadding = true
			break
		}
	}

	return result
}
