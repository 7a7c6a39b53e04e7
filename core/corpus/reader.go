// Package corpus streams training text as a lazy, restartable sequence of
// normalized lines.
package corpus

import (
	"bufio"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/gobwas/glob"
)

// maxLineBytes bounds a single corpus line.
const maxLineBytes = 16 * 1024 * 1024

// Reader yields the lines of one or more files in order. Every call to Lines
// reopens the files, so a Reader may be iterated any number of times.
type Reader struct {
	paths []string
}

// NewReader creates a Reader over a single file.
func NewReader(path string) *Reader {
	return &Reader{paths: []string{path}}
}

// NewMultiReader creates a Reader that streams paths back to back.
func NewMultiReader(paths ...string) *Reader {
	return &Reader{paths: append([]string(nil), paths...)}
}

// Paths returns the files this Reader streams, in order.
func (r *Reader) Paths() []string {
	return append([]string(nil), r.paths...)
}

// Lines yields each line trimmed of surrounding whitespace with a single
// space appended. The sequence stops at the first error, which is yielded
// with an empty line. Files are closed when the consumer stops early.
func (r *Reader) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, path := range r.paths {
			if !streamFile(path, yield) {
				return
			}
		}
	}
}

func streamFile(path string, yield func(string, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		yield("", dmerrors.Wrap(dmerrors.KindInput, "corpus.Lines", "cannot open training file", err).With("path", path))
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if !yield(strings.TrimSpace(sc.Text())+" ", nil) {
			return false
		}
	}
	if err := sc.Err(); err != nil {
		yield("", dmerrors.Wrap(dmerrors.KindInput, "corpus.Lines", "cannot read training file", err).With("path", path))
		return false
	}
	return true
}

// Resolve expands pattern relative to dataDir into a Reader. A pattern
// without glob metacharacters names a single file, which is not checked
// here; opening it reports any error. Glob matches are read in lexical order
// and an empty match set is an input error.
func Resolve(dataDir, pattern string) (*Reader, error) {
	if !hasMeta(pattern) {
		path := pattern
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, pattern)
		}
		return NewReader(path), nil
	}

	matcher, err := glob.Compile(filepath.ToSlash(pattern), '/')
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.KindInput, "corpus.Resolve", "invalid train file pattern", err).With("pattern", pattern)
	}

	var matches []string
	walkErr := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if matcher.Match(filepath.ToSlash(rel)) {
			matches = append(matches, path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, dmerrors.Wrap(dmerrors.KindInput, "corpus.Resolve", "cannot scan data directory", walkErr).With("dir", dataDir)
	}
	if len(matches) == 0 {
		return nil, dmerrors.New(dmerrors.KindInput, "corpus.Resolve", "no training files match").
			With("dir", dataDir).
			With("pattern", pattern)
	}

	sort.Strings(matches)
	return NewMultiReader(matches...), nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
