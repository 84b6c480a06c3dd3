package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

const wavReadChunk = 4096

// File replays a recorded trace from a .csv or mono .wav file.
type File struct {
	path string
	rate float64
	loop bool
}

// NewFile creates a file source replaying at rate samples per second.
func NewFile(path string, rate float64, loop bool) *File {
	return &File{path: path, rate: rate, loop: loop}
}

// Name implements Source.
func (f *File) Name() string { return TypeFile }

// Run replays the file in real time. It returns nil at end of file unless
// looping, in which case it runs until ctx ends.
func (f *File) Run(ctx context.Context, sink waveform.Appender) error {
	samples, err := ReadFile(f.path)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return errors.Newf("no samples in %s", filepath.Base(f.path)).
			Component("source").
			Category(errors.CategoryFileParsing).
			Build()
	}

	period, batch := pacing(f.rate)
	GetLogger().Info("File source started",
		logger.String("file", filepath.Base(f.path)),
		logger.Int("samples", len(samples)),
		logger.Bool("loop", f.loop))

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		end := min(pos+batch, len(samples))
		sink.Append(samples[pos:end]...)
		pos = end
		if pos < len(samples) {
			continue
		}
		if !f.loop {
			GetLogger().Info("File source reached end of file", logger.String("file", filepath.Base(f.path)))
			return nil
		}
		pos = 0
	}
}

// ReadFile loads every sample from a .csv or .wav file.
func ReadFile(path string) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryFileIO).
			Context("operation", "open").
			Context("file", filepath.Base(path)).
			Build()
	}
	defer func() { _ = file.Close() }()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".txt":
		return readCSV(file)
	case ".wav":
		return readWAV(file)
	default:
		return nil, errors.Newf("unsupported file type %q", ext).
			Component("source").
			Category(errors.CategoryValidation).
			Context("file", filepath.Base(path)).
			Build()
	}
}

// readCSV reads one value per line, or the "value" column when the first
// row is a header.
func readCSV(r io.Reader) ([]float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	column := 0
	var samples []float64
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, csvError(err, line)
		}

		if line == 1 {
			if idx, isHeader := headerColumn(record); isHeader {
				if idx < 0 {
					return nil, csvError(errors.NewStd("header has no value column"), line)
				}
				column = idx
				continue
			}
		}

		if column >= len(record) {
			return nil, csvError(errors.NewStd("missing value column"), line)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[column]), 64)
		if err != nil {
			return nil, csvError(err, line)
		}
		samples = append(samples, v)
	}
}

// headerColumn reports whether record is a header and, if so, the index of
// its value column (-1 when absent). A single-column header of any name is
// accepted.
func headerColumn(record []string) (int, bool) {
	if len(record) == 0 {
		return 0, false
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64); err == nil {
		return 0, false
	}
	for i, name := range record {
		if strings.EqualFold(strings.TrimSpace(name), "value") {
			return i, true
		}
	}
	if len(record) == 1 {
		return 0, true
	}
	return -1, true
}

func csvError(err error, line int) error {
	return errors.New(err).
		Component("source").
		Category(errors.CategoryFileParsing).
		Context("format", "csv").
		Context("line", line).
		Build()
}

// readWAV decodes mono PCM and normalizes it to [-1, 1].
func readWAV(r io.ReadSeeker) ([]float64, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, wavError(errors.NewStd("input is not a valid WAV audio file"))
	}
	if decoder.NumChans != 1 {
		return nil, wavError(fmt.Errorf("unsupported number of channels: %d", decoder.NumChans))
	}

	var divisor float64
	switch decoder.BitDepth {
	case 16:
		divisor = 32768.0
	case 24:
		divisor = 8388608.0
	case 32:
		divisor = 2147483648.0
	default:
		return nil, wavError(fmt.Errorf("unsupported bit depth: %d", decoder.BitDepth))
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, wavReadChunk),
		Format: &audio.Format{SampleRate: int(decoder.SampleRate), NumChannels: 1},
	}

	var samples []float64
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, wavError(err)
		}
		if n == 0 {
			return samples, nil
		}
		for _, s := range buf.Data[:n] {
			samples = append(samples, min(max(float64(s)/divisor, -1), 1))
		}
	}
}

func wavError(err error) error {
	return errors.New(err).
		Component("source").
		Category(errors.CategoryFileParsing).
		Context("format", "wav").
		Build()
}
