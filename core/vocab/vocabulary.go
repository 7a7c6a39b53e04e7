// Package vocab maps characters to dense integer ids.
package vocab

import (
	"slices"
	"strings"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
)

// Vocabulary is an immutable bijection between runes and ids in [0, Size()).
// Ids follow code-point order.
type Vocabulary struct {
	runeToID map[rune]int
	idToRune []rune
}

// Build collects the distinct runes of text.
func Build(text string) *Vocabulary {
	set := make(map[rune]struct{})
	for _, r := range text {
		set[r] = struct{}{}
	}
	runes := make([]rune, 0, len(set))
	for r := range set {
		runes = append(runes, r)
	}
	return FromRunes(runes)
}

// FromRunes builds a vocabulary from runes, sorting and de-duplicating them.
// Used to restore a vocabulary from a checkpoint.
func FromRunes(runes []rune) *Vocabulary {
	sorted := slices.Clone(runes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	runeToID := make(map[rune]int, len(sorted))
	for i, r := range sorted {
		runeToID[r] = i
	}
	return &Vocabulary{runeToID: runeToID, idToRune: sorted}
}

// Size returns the number of distinct runes.
func (v *Vocabulary) Size() int {
	return len(v.idToRune)
}

// Contains reports whether r has an id.
func (v *Vocabulary) Contains(r rune) bool {
	_, ok := v.runeToID[r]
	return ok
}

// ID returns the id of r, or a vocabulary gap error.
func (v *Vocabulary) ID(r rune) (int, error) {
	id, ok := v.runeToID[r]
	if !ok {
		return 0, dmerrors.VocabularyGap("vocab.ID", r, -1)
	}
	return id, nil
}

// Rune returns the rune for id. ok is false when id is out of range.
func (v *Vocabulary) Rune(id int) (rune, bool) {
	if id < 0 || id >= len(v.idToRune) {
		return 0, false
	}
	return v.idToRune[id], true
}

// Runes returns the runes in id order.
func (v *Vocabulary) Runes() []rune {
	return slices.Clone(v.idToRune)
}

// Encode maps every rune of s to its id. The first unknown rune fails the
// whole call with its position.
func (v *Vocabulary) Encode(s string) ([]int, error) {
	ids := make([]int, 0, len(s))
	pos := 0
	for _, r := range s {
		id, ok := v.runeToID[r]
		if !ok {
			return nil, dmerrors.VocabularyGap("vocab.Encode", r, pos)
		}
		ids = append(ids, id)
		pos++
	}
	return ids, nil
}

// Decode maps ids back to text. Out-of-range ids are a vocabulary gap.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var b strings.Builder
	b.Grow(len(ids))
	for i, id := range ids {
		r, ok := v.Rune(id)
		if !ok {
			return "", dmerrors.New(dmerrors.KindVocabularyGap, "vocab.Decode", "id out of range").
				With("id", id).
				With("position", i)
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}
