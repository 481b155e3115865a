// Package device provides raw PCM capture and playback endpoints: signed
// 16-bit little-endian interleaved samples on files, pipes or stdin.
package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

const (
	// Stdin selects standard input as the capture device.
	Stdin = "-"
	// Silence is a capture device producing zeros in real time.
	Silence = "silence"
)

// ReaderInput reads frames from r, paced to real time when pace > 0.
type ReaderInput struct {
	r    io.Reader
	c    io.Closer
	pace time.Duration
	next time.Time
	buf  []byte
}

var _ core.PCMInput = (*ReaderInput)(nil)

func NewReaderInput(r io.ReadCloser, pace time.Duration) *ReaderInput {
	return &ReaderInput{r: r, c: r, pace: pace}
}

func (in *ReaderInput) ReadFrame(frame []int16) error {
	if need := len(frame) * 2; cap(in.buf) < need {
		in.buf = make([]byte, need)
	}
	buf := in.buf[:len(frame)*2]
	if _, err := io.ReadFull(in.r, buf); err != nil {
		return err
	}
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	in.wait()
	return nil
}

func (in *ReaderInput) wait() {
	if in.pace <= 0 {
		return
	}
	now := time.Now()
	if in.next.IsZero() || now.Sub(in.next) > time.Second {
		in.next = now
	}
	in.next = in.next.Add(in.pace)
	if d := time.Until(in.next); d > 0 {
		time.Sleep(d)
	}
}

func (in *ReaderInput) Close() error { return in.c.Close() }

type zeroReader struct{ closed chan struct{} }

func (z zeroReader) Read(p []byte) (int, error) {
	select {
	case <-z.closed:
		return 0, io.EOF
	default:
	}
	clear(p)
	return len(p), nil
}

func (z zeroReader) Close() error {
	select {
	case <-z.closed:
	default:
		close(z.closed)
	}
	return nil
}

// InputOpener returns a media.InputOpener reading from path.
func InputOpener(path string) media.InputOpener {
	return func(c core.AudioConstraints) (core.PCMInput, error) {
		pace := time.Duration(c.FrameDurationMs) * time.Millisecond
		switch path {
		case Stdin:
			return NewReaderInput(io.NopCloser(os.Stdin), pace), nil
		case Silence:
			return NewReaderInput(zeroReader{closed: make(chan struct{})}, pace), nil
		case "":
			return nil, fmt.Errorf("no capture input configured")
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return NewReaderInput(f, pace), nil
	}
}

// WriterOutput writes frames to w.
type WriterOutput struct {
	w   io.WriteCloser
	buf []byte
}

var _ core.PCMOutput = (*WriterOutput)(nil)

func NewWriterOutput(w io.WriteCloser) *WriterOutput { return &WriterOutput{w: w} }

func (o *WriterOutput) WriteFrame(frame []int16) error {
	o.buf = o.buf[:0]
	for _, s := range frame {
		o.buf = binary.LittleEndian.AppendUint16(o.buf, uint16(s))
	}
	_, err := o.w.Write(o.buf)
	return err
}

func (o *WriterOutput) Close() error { return o.w.Close() }

var pathSafe = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

// OutputOpener writes audio-<participant>.pcm files under dir, or discards
// everything when dir is empty.
func OutputOpener(dir string) media.OutputOpener {
	return func(id domain.ParticipantID) (core.PCMOutput, error) {
		if dir == "" {
			return NewWriterOutput(discard{}), nil
		}
		f, err := os.Create(filepath.Join(dir, "audio-"+pathSafe.Replace(string(id))+".pcm"))
		if err != nil {
			return nil, err
		}
		return NewWriterOutput(f), nil
	}
}
