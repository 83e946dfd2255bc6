package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/tphakala/flac"

	"github.com/tphakala/audiobridge/internal/errors"
)

// ErrUnsupportedFormat is returned for data no decoder recognizes.
var ErrUnsupportedFormat = errors.NewStd("unsupported audio format")

// Format is an encoded container recognized by Sniff.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatAIFF    Format = "aiff"
	FormatFLAC    Format = "flac"
	FormatMP3     Format = "mp3"
	FormatVorbis  Format = "ogg"
)

// Sniff identifies a container from its first bytes.
func Sniff(header []byte) Format {
	switch {
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		return FormatWAV
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("FORM")) &&
		(bytes.Equal(header[8:12], []byte("AIFF")) || bytes.Equal(header[8:12], []byte("AIFC"))):
		return FormatAIFF
	case bytes.HasPrefix(header, []byte("fLaC")):
		return FormatFLAC
	case bytes.HasPrefix(header, []byte("OggS")):
		return FormatVorbis
	case bytes.HasPrefix(header, []byte("ID3")):
		return FormatMP3
	case len(header) >= 2 && header[0] == 0xff && header[1]&0xe0 == 0xe0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// DecodeFile decodes a whole file. maxBytes > 0 rejects larger files.
func DecodeFile(path string, maxBytes int64) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("engine").
			Category(errors.CategoryFileIO).
			Context("operation", "open_sound_file").
			FileContext(path, 0).
			Build()
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.New(err).
			Component("engine").
			Category(errors.CategoryFileIO).
			Context("operation", "stat_sound_file").
			FileContext(path, 0).
			Build()
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, errors.New(fmt.Errorf("sound file is %d bytes, limit is %d", info.Size(), maxBytes)).
			Component("engine").
			Category(errors.CategoryLimit).
			Context("operation", "decode_sound_file").
			FileContext(path, info.Size()).
			Build()
	}

	pcm, err := decode(f)
	if err != nil {
		return nil, errors.New(err).
			Component("engine").
			Category(errors.CategoryFileParsing).
			Context("operation", "decode_sound_file").
			FileContext(path, info.Size()).
			Build()
	}
	return pcm, nil
}

// DecodeBytes decodes an encoded file held in memory.
func DecodeBytes(data []byte) (*PCM, error) {
	pcm, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New(err).
			Component("engine").
			Category(errors.CategoryFileParsing).
			Context("operation", "decode_sound_memory").
			Context("size", len(data)).
			Build()
	}
	return pcm, nil
}

func decode(r io.ReadSeeker) (*PCM, error) {
	header := make([]byte, 12)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var pcm *PCM
	format := Sniff(header[:n])
	switch format {
	case FormatWAV:
		pcm, err = decodeWAV(r)
	case FormatAIFF:
		pcm, err = decodeAIFF(r)
	case FormatFLAC:
		pcm, err = decodeFLAC(r)
	case FormatMP3:
		pcm, err = decodeMP3(r)
	case FormatVorbis:
		pcm, err = decodeVorbis(r)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	if pcm.Channels <= 0 || pcm.SampleRate <= 0 {
		return nil, fmt.Errorf("decoded stream has %d channels at %d Hz", pcm.Channels, pcm.SampleRate)
	}
	if pcm.Frames() == 0 {
		return nil, fmt.Errorf("decoded stream holds no audio")
	}
	pcm.Format = format
	return pcm, nil
}

// sampleDivisor returns the full-scale value of a signed integer sample.
func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 8:
		return 128, nil
	case 16:
		return 32768, nil
	case 24:
		return 8388608, nil
	case 32:
		return 2147483648, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

// intBufferToPCM normalizes go-audio integer samples. WAV stores 8-bit
// samples unsigned.
func intBufferToPCM(buf *audio.IntBuffer, bitDepth int, unsigned8 bool) (*PCM, error) {
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("decoder returned no format")
	}
	divisor, err := sampleDivisor(bitDepth)
	if err != nil {
		return nil, err
	}
	offset := 0
	if bitDepth == 8 && unsigned8 {
		offset = 128
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v-offset) / divisor
	}
	return &PCM{Samples: samples, Channels: buf.Format.NumChannels, SampleRate: buf.Format.SampleRate}, nil
}

func decodeWAV(r io.ReadSeeker) (*PCM, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav file", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: wav audio format %d, only PCM is supported", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading wav samples: %w", err)
	}
	return intBufferToPCM(buf, int(dec.BitDepth), true)
}

func decodeAIFF(r io.ReadSeeker) (*PCM, error) {
	dec := aiff.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid aiff file", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading aiff samples: %w", err)
	}
	return intBufferToPCM(buf, int(dec.BitDepth), false)
}

func decodeFLAC(r io.Reader) (*PCM, error) {
	dec, err := flac.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("opening flac stream: %w", err)
	}
	divisor, err := sampleDivisor(dec.BitsPerSample)
	if err != nil {
		return nil, err
	}
	width := dec.BitsPerSample / 8

	samples := make([]float32, 0, int(dec.TotalSamples)*dec.NChannels)
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding flac frame: %w", err)
		}
		for i := 0; i+width <= len(frame); i += width {
			var v int32
			switch width {
			case 1:
				v = int32(int8(frame[i]))
			case 2:
				v = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
			case 3:
				v = int32(uint32(frame[i])<<8|uint32(frame[i+1])<<16|uint32(frame[i+2])<<24) >> 8
			default:
				v = int32(binary.LittleEndian.Uint32(frame[i:]))
			}
			samples = append(samples, float32(v)/divisor)
		}
	}
	return &PCM{Samples: samples, Channels: dec.NChannels, SampleRate: dec.SampleRate}, nil
}

func decodeMP3(r io.Reader) (*PCM, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("opening mp3 stream: %w", err)
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decoding mp3 stream: %w", err)
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return &PCM{Samples: samples, Channels: 2, SampleRate: dec.SampleRate()}, nil
}

func decodeVorbis(r io.Reader) (*PCM, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding vorbis stream: %w", err)
	}
	return &PCM{Samples: samples, Channels: format.Channels, SampleRate: format.SampleRate}, nil
}
