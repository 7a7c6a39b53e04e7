package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func collect(t *testing.T, r *Reader) []string {
	t.Helper()
	var lines []string
	for line, err := range r.Lines() {
		require.NoError(t, err)
		lines = append(lines, line)
	}
	return lines
}

func TestReaderLines(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.txt", "  hello world \r\nsecond\tline\n\nlast")

	lines := collect(t, NewReader(path))

	assert.Equal(t, []string{"hello world ", "second\tline ", " ", "last "}, lines)
}

func TestReaderRestartable(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.txt", "a\nb\nc\n")
	r := NewReader(path)

	first := collect(t, r)
	second := collect(t, r)

	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestReaderEarlyStop(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.txt", "a\nb\nc\n")

	var got []string
	for line, err := range NewReader(path).Lines() {
		require.NoError(t, err)
		got = append(got, line)
		if len(got) == 2 {
			break
		}
	}

	assert.Equal(t, []string{"a ", "b "}, got)
}

func TestReaderMissingFile(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "missing.txt"))

	var errs []error
	for line, err := range r.Lines() {
		assert.Empty(t, line)
		errs = append(errs, err)
	}

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], dmerrors.ErrInput))
	assert.True(t, errors.Is(errs[0], os.ErrNotExist))
}

func TestReaderUnicode(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.txt", "naïve café\n")

	lines := collect(t, NewReader(path))

	assert.Equal(t, []string{"naïve café "}, lines)
}

func TestMultiReader(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "one\ntwo\n")
	b := writeFile(t, dir, "b.txt", "three\n")

	lines := collect(t, NewMultiReader(a, b))

	assert.Equal(t, []string{"one ", "two ", "three "}, lines)
}

func TestResolvePlainFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "train_set.txt", "x\n")

	r, err := Resolve(dir, "train_set.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "train_set.txt")}, r.Paths())
}

func TestResolveGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "b\n")
	writeFile(t, dir, "a.txt", "a\n")
	writeFile(t, dir, "notes.md", "skip\n")
	writeFile(t, dir, "nested/c.txt", "c\n")

	r, err := Resolve(dir, "*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")}, r.Paths())

	r, err = Resolve(dir, "**.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"a ", "b ", "c "}, collect(t, r))
}

func TestResolveNoMatches(t *testing.T) {
	_, err := Resolve(t.TempDir(), "*.txt")

	require.Error(t, err)
	assert.True(t, errors.Is(err, dmerrors.ErrInput))
}
