package capture

import (
	"math"

	"github.com/petems/tapcap/internal/hal"
)

// loudnessGain scales RMS so that typical program material lands in a
// useful part of the [0,1] meter range.
const loudnessGain = 2.0

// rmsLoudness computes the root-mean-square of the buffer's first
// channel over its frame count, scales it by gain and clamps to [0,1].
// An empty buffer is silence.
func rmsLoudness(buf hal.Buffer, gain float64) float64 {
	if buf.Frames == 0 || buf.Channels == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < buf.Frames; i++ {
		s := float64(buf.Samples[i*buf.Channels])
		sum += s * s
	}
	v := math.Sqrt(sum/float64(buf.Frames)) * gain

	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
