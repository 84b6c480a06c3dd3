package analysis

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/features"
	"github.com/tphakala/pulsecheck/internal/quality"
	"github.com/tphakala/pulsecheck/internal/source"
)

type fixedClassifier struct {
	state classifier.State
	probs classifier.Probabilities
	err   error
	calls int
}

func (f *fixedClassifier) State() classifier.State { return f.state }

func (f *fixedClassifier) Classify(context.Context, features.Vector) (classifier.Probabilities, error) {
	f.calls++
	return f.probs, f.err
}

func simSamples(n int) []float64 {
	return source.NewPPGSim(source.SimConfig{SampleRate: 30, Seed: 7}).Generate(n)
}

func TestAnalyzeSamplesWindows(t *testing.T) {
	t.Parallel()
	clf := &fixedClassifier{state: classifier.StateReady, probs: classifier.Probabilities{0.1, 0.1, 0.8}}
	var out bytes.Buffer

	err := AnalyzeSamples(t.Context(), clf, simSamples(1000), FileOptions{Window: 300, Hop: 150}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// offsets 0, 150, ..., 600 plus the header
	require.Len(t, lines, 6)
	assert.Equal(t, []string{"SEQ", "OFFSET", "LABEL", "CONFIDENCE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", "0", "excellent", "80.0"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"5", "600", "excellent", "80.0"}, strings.Fields(lines[5]))
	assert.Equal(t, 5, clf.calls)
}

func TestAnalyzeSamplesFeatures(t *testing.T) {
	t.Parallel()
	clf := &fixedClassifier{state: classifier.StateReady, probs: classifier.Probabilities{0.6, 0.3, 0.1}}
	var out bytes.Buffer

	require.NoError(t, AnalyzeSamples(t.Context(), clf, simSamples(200), FileOptions{Features: true}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Len(t, strings.Fields(lines[0]), 4+features.Count)
	assert.Contains(t, lines[0], "SNR_DB")
	row := strings.Fields(lines[1])
	require.Len(t, row, 4+features.Count)
	assert.Equal(t, "bad", row[2])

	want := features.Extract(simSamples(200))
	assert.Equal(t, strconv.FormatFloat(want[features.SNR], 'g', 5, 64), row[4+features.SNR])
}

func TestAnalyzeSamplesFailedWindowRow(t *testing.T) {
	t.Parallel()
	clf := &fixedClassifier{state: classifier.StateReady, err: classifier.ErrInferenceFailed}
	var out bytes.Buffer

	require.NoError(t, AnalyzeSamples(t.Context(), clf, simSamples(200), FileOptions{Features: true}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	row := strings.Fields(lines[1])
	require.Len(t, row, 4+features.Count)
	assert.Equal(t, "failed", row[2])
	assert.Equal(t, "-", row[4])
}

func TestAnalyzeSamplesRejectsShortInput(t *testing.T) {
	t.Parallel()
	clf := &fixedClassifier{state: classifier.StateReady}
	err := AnalyzeSamples(t.Context(), clf, simSamples(quality.MinSamples-1), FileOptions{}, &bytes.Buffer{})
	require.ErrorIs(t, err, quality.ErrInsufficientSamples)
	assert.Zero(t, clf.calls)
}

func TestAnalyzeSamplesRequiresReadyModel(t *testing.T) {
	t.Parallel()
	clf := &fixedClassifier{state: classifier.StateFailed}
	err := AnalyzeSamples(t.Context(), clf, simSamples(300), FileOptions{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestFileAnalysisRejectsDirectory(t *testing.T) {
	t.Parallel()
	err := FileAnalysis(t.Context(), &conf.Settings{}, t.TempDir(), FileOptions{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestFileAnalysisMissingFile(t *testing.T) {
	t.Parallel()
	err := FileAnalysis(t.Context(), &conf.Settings{}, filepath.Join(t.TempDir(), "none.csv"), FileOptions{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
