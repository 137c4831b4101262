package stt

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pion/opus"
	"github.com/pion/opus/pkg/oggreader"
	"github.com/zeozeozeo/gomplerate"

	. "github.com/maratb946/telegram-transcribe-bot/internal/logging"
)

const (
	targetSampleRate = 16000 // Whisper.cpp requires 16kHz mono
	maxFrameSize     = 5760  // Max Opus frame size (120ms at 48kHz)
)

// ConvertToFloat32 converts an audio file to 16kHz mono float32 samples,
// the input format Whisper.cpp expects. Telegram voice notes are OGG/Opus
// and can be decoded in pure Go; everything else needs ffmpeg.
func ConvertToFloat32(filePath string) ([]float32, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	// OGG/Opus: prefer ffmpeg when present, the pure Go decoder has
	// limited codec support and panics on some files
	if ext == ".ogg" || ext == ".opus" || ext == ".oga" {
		if ffmpegAvailable() {
			return convertWithFFmpeg(filePath)
		}
		samples, err := decodeOggOpusSafe(filePath)
		if err != nil {
			return nil, fmt.Errorf("OGG decoding failed (%v) - install ffmpeg for reliable audio conversion", err)
		}
		return samples, nil
	}

	if ffmpegAvailable() {
		L_debug("stt: using ffmpeg for non-OGG input", "file", filePath, "ext", ext)
		return convertWithFFmpeg(filePath)
	}

	return nil, fmt.Errorf("unsupported audio format %s (install ffmpeg for non-OGG files)", ext)
}

// decodeOggOpusSafe wraps decodeOggOpus with panic recovery; pion/opus
// can panic on malformed packets.
func decodeOggOpusSafe(filePath string) (samples []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_warn("stt: opus decoder panicked, recovered", "panic", r)
			samples = nil
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return decodeOggOpus(filePath)
}

// decodeOggOpus decodes OGG/Opus to 16kHz mono float32 using pure Go.
func decodeOggOpus(filePath string) ([]float32, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	ogg, header, err := oggreader.NewWith(file)
	if err != nil {
		return nil, fmt.Errorf("parse OGG container: %w", err)
	}

	sampleRate := int(header.SampleRate)
	channels := int(header.Channels)
	L_debug("stt: OGG header", "sampleRate", sampleRate, "channels", channels)

	decoder := opus.NewDecoder()
	outBuf := make([]byte, maxFrameSize*channels*2) // 16-bit samples

	var pcm []int16
	for {
		segments, _, err := ogg.ParseNextPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse OGG page: %w", err)
		}

		// Each segment is one Opus packet
		for _, segment := range segments {
			if len(segment) == 0 {
				continue
			}
			if _, _, err := decoder.Decode(segment, outBuf); err != nil {
				L_trace("stt: skipping packet", "error", err, "len", len(segment))
				continue
			}
			pcm = append(pcm, bytesToInt16(outBuf)...)
		}
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf("no audio samples decoded from %s", filePath)
	}

	if channels > 1 {
		pcm = toMono(pcm, channels)
	}
	if sampleRate != targetSampleRate {
		pcm = resampleInt16(pcm, sampleRate, targetSampleRate)
	}

	result := int16ToFloat32(pcm)
	L_debug("stt: decoded audio", "samples", len(result), "duration_sec", float64(len(result))/float64(targetSampleRate))

	return result, nil
}

// bytesToInt16 converts a little-endian PCM byte buffer to int16 samples,
// dropping the trailing all-zero region of the decode buffer.
func bytesToInt16(buf []byte) []int16 {
	end := len(buf)
	for end >= 2 && buf[end-1] == 0 && buf[end-2] == 0 {
		end -= 2
	}

	samples := make([]int16, 0, end/2)
	for i := 0; i+2 <= end; i += 2 {
		samples = append(samples, int16(binary.LittleEndian.Uint16(buf[i:i+2])))
	}
	return samples
}

// toMono averages interleaved channels down to one.
func toMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// resampleInt16 converts between sample rates using gomplerate.
func resampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	resampler, err := gomplerate.NewResampler(1, fromRate, toRate)
	if err != nil {
		L_warn("stt: resampler creation failed, skipping resample", "error", err)
		return samples
	}
	return resampler.ResampleInt16(samples)
}

// int16ToFloat32 normalizes int16 samples to [-1, 1].
func int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, s := range samples {
		result[i] = float32(s) / 32768.0
	}
	return result
}

// ffmpegAvailable checks if ffmpeg is installed.
func ffmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// convertWithFFmpeg decodes any audio format to 16kHz mono PCM via ffmpeg.
func convertWithFFmpeg(inputPath string) ([]float32, error) {
	tmpFile, err := os.CreateTemp("", "stt-*.raw")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cmd := exec.Command("ffmpeg",
		"-i", inputPath,
		"-ar", fmt.Sprintf("%d", targetSampleRate),
		"-ac", "1",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-y",
		tmpPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		L_debug("stt: ffmpeg output", "output", string(output))
		return nil, fmt.Errorf("ffmpeg conversion failed: %w", err)
	}

	rawData, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read converted audio: %w", err)
	}

	samples := make([]int16, len(rawData)/2)
	for i := range samples {
		samples[i] = int16(rawData[i*2]) | int16(rawData[i*2+1])<<8
	}
	return int16ToFloat32(samples), nil
}
