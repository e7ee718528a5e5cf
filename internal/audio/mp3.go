package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"

	"github.com/book-expert/logger"
)

const (
	tempPCMPattern = "kokoro-pcm-*.raw"
	tempMP3Pattern = "kokoro-audio-*.mp3"

	hertzPerKilohertz = 1000.0
)

// MP3Encoder encodes PCM samples to MP3 by delegating to an external encoder
// binary (lame). Hosts without the binary simply fail the encode, which the
// caller treats as the trigger for the WAV fallback.
type MP3Encoder struct {
	binary string
	log    *logger.Logger
}

// NewMP3Encoder creates an encoder invoking the given binary.
func NewMP3Encoder(binary string, log *logger.Logger) *MP3Encoder {
	return &MP3Encoder{
		binary: binary,
		log:    log,
	}
}

// Encode converts mono float32 samples to MP3 at the given sample rate.
func (e *MP3Encoder) Encode(
	ctx context.Context,
	samples []float32,
	sampleRate int,
) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	if sampleRate <= 0 {
		return nil, ErrInvalidRate
	}

	pcmPath, pcmErr := e.writeTempPCM(samples)
	if pcmErr != nil {
		return nil, pcmErr
	}
	defer e.removeTemp(pcmPath)

	mp3File, mp3Err := os.CreateTemp("", tempMP3Pattern)
	if mp3Err != nil {
		return nil, fmt.Errorf("failed to create temp file for mp3 output: %w", mp3Err)
	}

	mp3Path := mp3File.Name()

	closeErr := mp3File.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close temp mp3 file: %w", closeErr)
	}
	defer e.removeTemp(mp3Path)

	runErr := e.runEncoder(ctx, pcmPath, mp3Path, sampleRate)
	if runErr != nil {
		return nil, runErr
	}

	mp3Data, readErr := os.ReadFile(mp3Path)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read encoded mp3: %w", readErr)
	}

	if len(mp3Data) == 0 {
		return nil, fmt.Errorf("%w: encoder produced no output", ErrNoSamples)
	}

	return mp3Data, nil
}

func (e *MP3Encoder) writeTempPCM(samples []float32) (string, error) {
	pcmFile, err := os.CreateTemp("", tempPCMPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for pcm input: %w", err)
	}

	pcm := make([]byte, len(samples)*bytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(
			pcm[i*bytesPerSample:],
			uint16(quantizeSample(sample)),
		)
	}

	_, writeErr := pcmFile.Write(pcm)
	closeErr := pcmFile.Close()

	if writeErr != nil {
		e.removeTemp(pcmFile.Name())

		return "", fmt.Errorf("failed to write pcm samples: %w", writeErr)
	}

	if closeErr != nil {
		e.removeTemp(pcmFile.Name())

		return "", fmt.Errorf("failed to close temp pcm file: %w", closeErr)
	}

	return pcmFile.Name(), nil
}

func (e *MP3Encoder) runEncoder(ctx context.Context, pcmPath, mp3Path string, sampleRate int) error {
	args := []string{
		"-r",
		"--little-endian",
		"--signed",
		"--bitwidth", "16",
		"-m", "m",
		"-s", fmt.Sprintf("%g", float64(sampleRate)/hertzPerKilohertz),
		pcmPath,
		mp3Path,
	}

	// #nosec G204 -- encoder binary comes from operator-owned configuration
	cmd := exec.CommandContext(ctx, e.binary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"mp3 encoder execution failed: %w - output: %s",
			err,
			string(output),
		)
	}

	return nil
}

func (e *MP3Encoder) removeTemp(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil {
		e.log.Warn("Failed to remove temp file '%s': %v", path, removeErr)
	}
}
