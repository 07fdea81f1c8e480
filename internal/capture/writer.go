package capture

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/petems/tapcap/internal/hal"
)

const outputBitDepth = 16

// wavSink writes captured buffers incrementally to a WAV file. The
// encoder's header is finalized on close, so a sink that is never
// closed leaves a file with a stale header but intact sample data.
type wavSink struct {
	file   *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	frames uint64
}

// newWavSink creates the output file and a PCM encoder mirroring the
// tap's sample rate and channel count.
func newWavSink(path string, format hal.StreamFormat) (*wavSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, int(format.SampleRate), outputBitDepth, format.Channels, 1)

	return &wavSink{
		file: f,
		enc:  enc,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{
				NumChannels: format.Channels,
				SampleRate:  int(format.SampleRate),
			},
			SourceBitDepth: outputBitDepth,
		},
	}, nil
}

// write converts one delivered buffer to 16-bit PCM and appends it.
func (s *wavSink) write(buf hal.Buffer) error {
	n := buf.Frames * buf.Channels
	if n == 0 {
		return nil
	}
	if cap(s.buf.Data) < n {
		s.buf.Data = make([]int, n)
	}
	s.buf.Data = s.buf.Data[:n]
	for i := 0; i < n; i++ {
		s.buf.Data[i] = int(float32ToInt16(buf.Samples[i]))
	}

	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("writing %d frames: %w", buf.Frames, err)
	}
	s.frames += uint64(buf.Frames)
	return nil
}

// close finalizes the WAV header and closes the file.
func (s *wavSink) close() error {
	encErr := s.enc.Close()
	fileErr := s.file.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}

func float32ToInt16(x float32) int16 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	// 32767 on the positive side avoids overflow at full scale.
	return int16(x * 32767.0)
}
