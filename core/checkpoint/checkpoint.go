// Package checkpoint persists a trained network as two files keyed by a
// stamp: <stamp>.json holds the architecture and vocabulary, <stamp>.weights
// holds every parameter matrix in gonum's binary format.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/model"
	"github.com/adalundhe/docmaker/core/vocab"
	"gonum.org/v1/gonum/mat"
)

// Format is bumped whenever the weights layout changes.
const Format = 1

const (
	manifestExt = ".json"
	weightsExt  = ".weights"
	filePerm    = 0644
)

// Manifest is the JSON side of a checkpoint.
type Manifest struct {
	Format       int                `json:"format"`
	Stamp        string             `json:"stamp"`
	Architecture model.Architecture `json:"architecture"`
	Vocabulary   string             `json:"vocabulary"`
	Epoch        int                `json:"epoch"`
	Weights      []WeightShape      `json:"weights,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

type WeightShape struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Meta is the run information stored alongside the weights.
type Meta struct {
	Epoch     int
	CreatedAt time.Time
}

// Paths returns the manifest and weights paths for stamp in dir.
func Paths(dir, stamp string) (manifest, weights string) {
	return filepath.Join(dir, stamp+manifestExt), filepath.Join(dir, stamp+weightsExt)
}

// Exists reports whether both checkpoint files are present.
func Exists(dir, stamp string) bool {
	mp, wp := Paths(dir, stamp)
	for _, p := range []string{mp, wp} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// WriteArchitecture writes the manifest alone, before any weights exist.
func WriteArchitecture(dir, stamp string, arch model.Architecture, voc *vocab.Vocabulary) error {
	m := newManifest(stamp, arch, voc, Meta{})
	mp, _ := Paths(dir, stamp)
	if err := writeManifest(mp, m); err != nil {
		return dmerrors.Wrap(dmerrors.KindCheckpoint, "checkpoint.WriteArchitecture", "cannot write architecture", err).
			With("path", mp)
	}
	return nil
}

// Save writes the weights and then the manifest, so a manifest never
// describes weights that were not written.
func Save(dir, stamp string, net model.Model, voc *vocab.Vocabulary, meta Meta) error {
	const op = "checkpoint.Save"
	mp, wp := Paths(dir, stamp)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot create checkpoint directory", err).With("path", dir)
	}

	weights := net.Weights()
	err := writeAtomic(wp, filePerm, func(w io.Writer) error {
		for _, wt := range weights {
			if _, err := wt.Value.MarshalBinaryTo(w); err != nil {
				return fmt.Errorf("marshal %s: %w", wt.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot write weights", err).With("path", wp)
	}

	m := newManifest(stamp, net.Architecture(), voc, meta)
	for _, wt := range weights {
		r, c := wt.Value.Dims()
		m.Weights = append(m.Weights, WeightShape{Name: wt.Name, Rows: r, Cols: c})
	}
	if err := writeManifest(mp, m); err != nil {
		return dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot write manifest", err).With("path", mp)
	}
	return nil
}

func newManifest(stamp string, arch model.Architecture, voc *vocab.Vocabulary, meta Meta) Manifest {
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Manifest{
		Format:       Format,
		Stamp:        stamp,
		Architecture: arch,
		Vocabulary:   string(voc.Runes()),
		Epoch:        meta.Epoch,
		CreatedAt:    created,
	}
}

func writeManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return writeAtomic(path, filePerm, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}

// ReadManifest loads and checks the JSON side of a checkpoint.
func ReadManifest(dir, stamp string) (Manifest, *vocab.Vocabulary, error) {
	const op = "checkpoint.ReadManifest"
	mp, _ := Paths(dir, stamp)

	data, err := os.ReadFile(mp)
	if err != nil {
		return Manifest{}, nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot read manifest", err).With("path", mp)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "malformed manifest", err).With("path", mp)
	}
	if m.Format != Format {
		return Manifest{}, nil, dmerrors.New(dmerrors.KindCheckpoint, op, "unsupported checkpoint format").
			With("path", mp).
			With("format", m.Format)
	}
	if err := m.Architecture.Validate(); err != nil {
		return Manifest{}, nil, dmerrors.Wrap(dmerrors.KindCheckpoint, op, "invalid architecture", err).With("path", mp)
	}

	voc := vocab.FromRunes([]rune(m.Vocabulary))
	if voc.Size() != m.Architecture.VocabSize {
		return Manifest{}, nil, dmerrors.New(dmerrors.KindCheckpoint, op, "vocabulary does not match architecture").
			With("path", mp).
			With("vocabulary", voc.Size()).
			With("vocab_size", m.Architecture.VocabSize)
	}
	return m, voc, nil
}

// Load rebuilds the network and vocabulary saved under stamp.
func Load(dir, stamp string, opts model.Options) (*model.Network, *vocab.Vocabulary, Manifest, error) {
	m, voc, err := ReadManifest(dir, stamp)
	if err != nil {
		return nil, nil, Manifest{}, err
	}
	net, err := model.New(m.Architecture, opts)
	if err != nil {
		return nil, nil, Manifest{}, dmerrors.Wrap(dmerrors.KindCheckpoint, "checkpoint.Load", "cannot build network", err)
	}
	if err := LoadWeights(dir, stamp, net); err != nil {
		return nil, nil, Manifest{}, err
	}
	return net, voc, m, nil
}

// LoadWeights reads the weights stream into an already built network whose
// parameter shapes must match the saved ones.
func LoadWeights(dir, stamp string, net model.Model) error {
	const op = "checkpoint.LoadWeights"
	_, wp := Paths(dir, stamp)

	f, err := os.Open(wp)
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot open weights", err).With("path", wp)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for _, wt := range net.Weights() {
		var saved mat.Dense
		if _, err := saved.UnmarshalBinaryFrom(r); err != nil {
			return dmerrors.Wrap(dmerrors.KindCheckpoint, op, "cannot read weight", err).
				With("path", wp).
				With("weight", wt.Name)
		}
		wr, wc := wt.Value.Dims()
		sr, sc := saved.Dims()
		if wr != sr || wc != sc {
			return dmerrors.New(dmerrors.KindCheckpoint, op, "weight shape mismatch").
				With("path", wp).
				With("weight", wt.Name).
				With("saved", fmt.Sprintf("%dx%d", sr, sc)).
				With("want", fmt.Sprintf("%dx%d", wr, wc))
		}
		wt.Value.Copy(&saved)
	}

	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		return dmerrors.New(dmerrors.KindCheckpoint, op, "trailing data after weights").With("path", wp)
	}
	return nil
}
