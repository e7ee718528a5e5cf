// Package audio provides PCM container encoding for synthesized speech.
//
// The direct synthesis variant produces mono float32 sample buffers; this
// package turns them into 16-bit PCM WAV files, or MP3 via an external
// encoder binary.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV container layout constants for 16-bit PCM mono.
const (
	wavHeaderSize    = 44
	riffChunkPad     = 36
	fmtChunkSize     = 16
	pcmFormatTag     = 1
	monoChannels     = 1
	bitsPerSample    = 16
	bytesPerSample   = 2
	pcmSampleMax     = 32767
	pcmSampleMin     = -32768
	float32SampleMax = 1.0
	float32SampleMin = -1.0
)

// Static errors.
var (
	ErrNoSamples      = errors.New("no samples to encode")
	ErrInvalidRate    = errors.New("sample rate must be positive")
	ErrMalformedWAV   = errors.New("malformed WAV data")
	ErrUnsupportedWAV = errors.New("unsupported WAV encoding")
)

// EncodeWAV encodes mono float32 samples as a 16-bit PCM WAV file at the
// given sample rate. Samples are clipped to [-1, 1] before quantization.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	if sampleRate <= 0 {
		return nil, ErrInvalidRate
	}

	dataSize := len(samples) * bytesPerSample
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataSize))

	writeWAVHeader(buf, dataSize, sampleRate)

	for _, sample := range samples {
		pcm := quantizeSample(sample)

		// Writes to bytes.Buffer cannot fail.
		_ = binary.Write(buf, binary.LittleEndian, pcm)
	}

	return buf.Bytes(), nil
}

// DecodeWAV parses a 16-bit PCM mono WAV file produced by EncodeWAV and
// returns the samples and sample rate.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("%w: shorter than header", ErrMalformedWAV)
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrMalformedWAV)
	}

	formatTag := binary.LittleEndian.Uint16(data[20:22])
	channels := binary.LittleEndian.Uint16(data[22:24])
	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	bits := binary.LittleEndian.Uint16(data[34:36])

	if formatTag != pcmFormatTag || channels != monoChannels || bits != bitsPerSample {
		return nil, 0, fmt.Errorf(
			"%w: format=%d channels=%d bits=%d",
			ErrUnsupportedWAV,
			formatTag,
			channels,
			bits,
		)
	}

	dataSize := binary.LittleEndian.Uint32(data[40:44])
	payload := data[wavHeaderSize:]

	if int(dataSize) > len(payload) {
		return nil, 0, fmt.Errorf("%w: truncated data chunk", ErrMalformedWAV)
	}

	payload = payload[:dataSize]
	samples := make([]float32, len(payload)/bytesPerSample)

	for i := range samples {
		pcm := int16(binary.LittleEndian.Uint16(payload[i*bytesPerSample:]))
		samples[i] = float32(pcm) / float32(pcmSampleMax+1)
	}

	return samples, int(sampleRate), nil
}

func writeWAVHeader(buf *bytes.Buffer, dataSize, sampleRate int) {
	byteRate := sampleRate * monoChannels * bytesPerSample
	blockAlign := monoChannels * bytesPerSample

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(riffChunkPad+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(fmtChunkSize))
	_ = binary.Write(buf, binary.LittleEndian, uint16(pcmFormatTag))
	_ = binary.Write(buf, binary.LittleEndian, uint16(monoChannels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))
}

func quantizeSample(sample float32) int16 {
	clipped := math.Max(float32SampleMin, math.Min(float32SampleMax, float64(sample)))

	scaled := math.Round(clipped * (pcmSampleMax + 1))
	if scaled > pcmSampleMax {
		scaled = pcmSampleMax
	}

	if scaled < pcmSampleMin {
		scaled = pcmSampleMin
	}

	return int16(scaled)
}
