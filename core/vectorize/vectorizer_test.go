package vectorize

import (
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adalundhe/docmaker/core/corpus"
	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viterin/vek/vek32"
)

func lineSeq(lines ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, l := range lines {
			if !yield(l, nil) {
				return
			}
		}
	}
}

func newVectorizer(t *testing.T, seqLen, skip, linesToRead int) *Vectorizer {
	t.Helper()
	v, err := New(Options{SeqLen: seqLen, Skip: skip, LinesToRead: linesToRead})
	require.NoError(t, err)
	return v
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{SeqLen: 0, Skip: 2})
	assert.True(t, errors.Is(err, dmerrors.ErrConfig))

	_, err = New(Options{SeqLen: 10, Skip: 0})
	assert.True(t, errors.Is(err, dmerrors.ErrConfig))
}

func TestWindowCount(t *testing.T) {
	tests := []struct {
		length, seqLen, skip, want int
	}{
		{720, 50, 2, 335},
		{721, 50, 2, 336},
		{51, 50, 2, 1},
		{50, 50, 2, 0},
		{10, 50, 2, 0},
		{100, 10, 1, 90},
		{100, 10, 3, 30},
	}

	for _, tt := range tests {
		got := WindowCount(tt.length, tt.seqLen, tt.skip)
		assert.Equal(t, tt.want, got, "WindowCount(%d, %d, %d)", tt.length, tt.seqLen, tt.skip)
	}
}

func TestAccumulateLineCap(t *testing.T) {
	v := newVectorizer(t, 5, 1, 2)

	text, count, err := v.Accumulate(lineSeq("a ", "b ", "c ", "d ", "e "))
	require.NoError(t, err)

	// the cap is exceeded on the third line, which is kept
	assert.Equal(t, 3, count)
	assert.Equal(t, "a b c ", text)
}

func TestAccumulateUnlimited(t *testing.T) {
	v := newVectorizer(t, 5, 1, -1)

	text, count, err := v.Accumulate(lineSeq("a ", "b ", "c "))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, "a b c ", text)
}

func TestAccumulatePropagatesError(t *testing.T) {
	v := newVectorizer(t, 5, 1, -1)
	boom := dmerrors.New(dmerrors.KindInput, "test", "unreadable")

	seq := func(yield func(string, error) bool) {
		if !yield("ok ", nil) {
			return
		}
		yield("", boom)
	}

	_, _, err := v.Accumulate(seq)
	assert.True(t, errors.Is(err, dmerrors.ErrInput))
}

func TestWindows(t *testing.T) {
	v := newVectorizer(t, 3, 2, -1)

	windows := v.Windows("abcdefg")

	require.Len(t, windows, 2)
	assert.Equal(t, Window{Offset: 0, Context: []rune("abc"), Target: 'd'}, windows[0])
	assert.Equal(t, Window{Offset: 2, Context: []rune("cde"), Target: 'f'}, windows[1])
}

func TestFromTextABC(t *testing.T) {
	v := newVectorizer(t, 50, 2, -1)
	text := strings.Repeat("abc", 240)
	require.Len(t, text, 720)

	batch, voc, err := v.FromText(text)
	require.NoError(t, err)

	assert.Equal(t, 3, voc.Size())
	xs, ys := batch.Shape()
	assert.Equal(t, [3]int{335, 50, 3}, xs)
	assert.Equal(t, [2]int{335, 3}, ys)
	assertOneHot(t, batch)

	// window i starts at 2i, so its target is text[2i+50]
	for i := 0; i < batch.N; i++ {
		r, ok := voc.Rune(batch.TargetID(i))
		require.True(t, ok)
		assert.Equal(t, rune(text[2*i+50]), r)
	}
}

func TestVectorizeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train_set.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("abc", 240)+"\n"), 0644))

	v := newVectorizer(t, 50, 2, DefaultLinesToRead)
	batch, voc, err := v.Vectorize(corpus.NewReader(path).Lines())
	require.NoError(t, err)

	// the appended space makes 721 characters and a fourth symbol
	assert.Equal(t, 4, voc.Size())
	assert.Equal(t, 336, batch.N)
	assertOneHot(t, batch)
}

func TestFromTextEmptyDataset(t *testing.T) {
	v := newVectorizer(t, 50, 2, -1)

	for _, text := range []string{"", "short text", strings.Repeat("x", 50)} {
		batch, voc, err := v.FromText(text)
		require.Error(t, err)
		assert.True(t, errors.Is(err, dmerrors.ErrEmptyDataset))
		assert.Nil(t, batch)
		assert.Nil(t, voc)
	}
}

func TestVectorizeMissingFile(t *testing.T) {
	v := newVectorizer(t, 50, 2, -1)

	_, _, err := v.Vectorize(corpus.NewReader(filepath.Join(t.TempDir(), "nope.txt")).Lines())
	assert.True(t, errors.Is(err, dmerrors.ErrInput))
}

func TestFromTextRoundTrip(t *testing.T) {
	v := newVectorizer(t, 4, 1, -1)
	text := "naïve café, déjà vu "

	batch, voc, err := v.FromText(text)
	require.NoError(t, err)
	assertOneHot(t, batch)

	runes := []rune(text)
	for i := 0; i < batch.N; i++ {
		for j := 0; j < batch.SeqLen; j++ {
			r, ok := voc.Rune(vek32.ArgMax(batch.Step(i, j)))
			require.True(t, ok)
			assert.Equal(t, runes[i+j], r)
		}
	}
}

func TestStats(t *testing.T) {
	v := newVectorizer(t, 3, 2, 1)

	stats, voc, err := v.Stats(lineSeq("ab ", "cd ", "ef "))
	require.NoError(t, err)

	assert.Equal(t, Stats{Lines: 2, Characters: 6, VocabSize: 5, Windows: 2}, stats)
	assert.Equal(t, 5, voc.Size())
}

func TestBatchSplit(t *testing.T) {
	v := newVectorizer(t, 2, 1, -1)
	batch, _, err := v.FromText("abcdefghijkl")
	require.NoError(t, err)
	require.Equal(t, 10, batch.N)

	train, val := batch.Split(0.1)
	require.NotNil(t, val)
	assert.Equal(t, 9, train.N)
	assert.Equal(t, 1, val.N)
	assert.Equal(t, batch.Target(9), val.Target(0))
	assert.Equal(t, batch.Window(9), val.Window(0))

	whole, none := batch.Split(0)
	assert.Same(t, batch, whole)
	assert.Nil(t, none)
}

func assertOneHot(t *testing.T, b *Batch) {
	t.Helper()
	for i := 0; i < b.N; i++ {
		for j := 0; j < b.SeqLen; j++ {
			require.Equal(t, float32(1), vek32.Sum(b.Step(i, j)), "X[%d,%d,:]", i, j)
		}
		require.Equal(t, float32(1), vek32.Sum(b.Target(i)), "y[%d,:]", i)
	}
}
