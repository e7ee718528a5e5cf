package direct

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/logger"
)

const (
	tempSamplesPattern = "kokoro-samples-*.f32"
	float32Bytes       = 4
)

// ErrMisalignedSamples indicates the synthesis binary emitted a sample buffer
// that is not a whole number of float32 values.
var ErrMisalignedSamples = errors.New("synthesized sample data is not float32-aligned")

// ExecPipeline implements core.SpeechPipeline by invoking the Kokoro
// synthesis binary per request. The binary writes raw little-endian float32
// mono PCM to the export path.
type ExecPipeline struct {
	binary     string
	sampleRate int
	log        *logger.Logger
}

// NewExecPipeline creates a pipeline backed by the given synthesis binary.
func NewExecPipeline(binary string, sampleRate int, log *logger.Logger) *ExecPipeline {
	return &ExecPipeline{
		binary:     binary,
		sampleRate: sampleRate,
		log:        log,
	}
}

// Synthesize runs the synthesis binary and returns its output as one segment.
func (p *ExecPipeline) Synthesize(
	ctx context.Context,
	text, voice string,
	speed float64,
) ([][]float32, error) {
	tempFile, err := os.CreateTemp("", tempSamplesPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for synthesis output: %w", err)
	}

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			p.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	closeErr := tempFile.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close temp synthesis file: %w", closeErr)
	}

	args := []string{
		"--text", text,
		"--voice", voice,
		"--speed", strconv.FormatFloat(speed, 'f', -1, 64),
		"--rate", strconv.Itoa(p.sampleRate),
		"--export", tempFile.Name(),
	}

	// #nosec G204 -- the binary path comes from operator-owned configuration
	cmd := exec.CommandContext(ctx, p.binary, args...)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return nil, fmt.Errorf(
			"synthesis binary execution failed: %w - output: %s",
			runErr,
			string(output),
		)
	}

	raw, readErr := os.ReadFile(tempFile.Name())
	if readErr != nil {
		return nil, fmt.Errorf("failed to read synthesized samples: %w", readErr)
	}

	samples, decodeErr := decodeFloat32Samples(raw)
	if decodeErr != nil {
		return nil, decodeErr
	}

	if len(samples) == 0 {
		return [][]float32{}, nil
	}

	return [][]float32{samples}, nil
}

func decodeFloat32Samples(raw []byte) ([]float32, error) {
	if len(raw)%float32Bytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisalignedSamples, len(raw))
	}

	samples := make([]float32, len(raw)/float32Bytes)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*float32Bytes:])
		samples[i] = math.Float32frombits(bits)
	}

	return samples, nil
}

var _ core.SpeechPipeline = (*ExecPipeline)(nil)
