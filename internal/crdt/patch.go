package crdt

import "golang.org/x/text/unicode/norm"

// FileWatcherOrigin is the literal transaction origin used for disk-driven
// edits lifted through the diff-to-CRDT bridge, distinguishing them from
// user- or relay-driven edits.
const FileWatcherOrigin = "file-watcher"

// PatchOpKind distinguishes an insert from a delete in a TextPatchOp.
type PatchOpKind uint8

const (
	PatchInsert PatchOpKind = iota
	PatchDelete
)

// TextPatchOp is one byte-offset operation produced by DiffToPatchOps.
type TextPatchOp struct {
	Kind PatchOpKind
	// Index is the byte offset into the *original* ("old") text this op
	// targets, before any running-offset adjustment from prior ops in the
	// same batch.
	Index int
	// Text is the inserted content (PatchInsert only).
	Text string
	// Len is the byte length removed (PatchDelete only).
	Len int
}

type charEditKind uint8

const (
	editEqual charEditKind = iota
	editInsert
	editDelete
)

type charEdit struct {
	kind charEditKind
	ch   rune
}

// DiffToPatchOps computes the smallest edit sequence from oldText to
// newText using an O((M+N)*D) Myers shortest-edit-script over Unicode
// scalar values, then folds it into contiguous byte-offset insert/delete
// operations. Both inputs are normalized to NFC first, so an editor that
// writes a decomposed accented character and one that writes its composed
// form never produce a spurious insert/delete pair for the same glyph.
// Identical (post-normalization) inputs yield a nil (empty) slice.
func DiffToPatchOps(oldText, newText string) []TextPatchOp {
	oldText = norm.NFC.String(oldText)
	newText = norm.NFC.String(newText)
	if oldText == newText {
		return nil
	}
	oldChars := []rune(oldText)
	newChars := []rune(newText)
	edits := myersCharEdits(oldChars, newChars)
	return editsToPatchOps(edits)
}

func myersCharEdits(oldChars, newChars []rune) []charEdit {
	oldLen, newLen := len(oldChars), len(newChars)
	if oldLen == 0 {
		edits := make([]charEdit, newLen)
		for i, c := range newChars {
			edits[i] = charEdit{kind: editInsert, ch: c}
		}
		return edits
	}
	if newLen == 0 {
		edits := make([]charEdit, oldLen)
		for i, c := range oldChars {
			edits[i] = charEdit{kind: editDelete, ch: c}
		}
		return edits
	}

	max := oldLen + newLen
	offset := max
	v := make([]int, 2*max+1)
	trace := make([][]int, 0, max+1)
	solvedD := 0

outer:
	for d := 0; d <= max; d++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			kIdx := k + offset
			var x int
			if k == -d || (k != d && v[k-1+offset] < v[k+1+offset]) {
				x = v[k+1+offset]
			} else {
				x = v[k-1+offset] + 1
			}
			y := x - k

			for x < oldLen && y < newLen && oldChars[x] == newChars[y] {
				x++
				y++
			}
			v[kIdx] = x

			if x >= oldLen && y >= newLen {
				solvedD = d
				break outer
			}
		}
	}

	return backtrackCharEdits(oldChars, newChars, trace, solvedD, offset)
}

func backtrackCharEdits(oldChars, newChars []rune, trace [][]int, solvedD, offset int) []charEdit {
	var edits []charEdit
	x := len(oldChars)
	y := len(newChars)

	for d := solvedD; d >= 0; d-- {
		v := trace[d]
		k := x - y

		var prevK int
		if d == 0 {
			prevK = 0
		} else if k == -d || (k != d && v[k-1+offset] < v[k+1+offset]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := 0
		if d != 0 {
			prevX = v[prevK+offset]
		}
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			edits = append(edits, charEdit{kind: editEqual, ch: oldChars[x-1]})
			x--
			y--
		}

		if d == 0 {
			break
		}

		if x == prevX {
			edits = append(edits, charEdit{kind: editInsert, ch: newChars[y-1]})
			y--
		} else {
			edits = append(edits, charEdit{kind: editDelete, ch: oldChars[x-1]})
			x--
		}
	}

	for i, j := 0, len(edits)-1; i < j; i, j = i+1, j-1 {
		edits[i], edits[j] = edits[j], edits[i]
	}
	return edits
}

func editsToPatchOps(edits []charEdit) []TextPatchOp {
	var ops []TextPatchOp
	oldIndexBytes := 0

	for _, e := range edits {
		switch e.kind {
		case editEqual:
			oldIndexBytes += runeLen(e.ch)
		case editDelete:
			charLen := runeLen(e.ch)
			if n := len(ops); n > 0 && ops[n-1].Kind == PatchDelete && ops[n-1].Index+ops[n-1].Len == oldIndexBytes {
				ops[n-1].Len += charLen
			} else {
				ops = append(ops, TextPatchOp{Kind: PatchDelete, Index: oldIndexBytes, Len: charLen})
			}
			oldIndexBytes += charLen
		case editInsert:
			if n := len(ops); n > 0 && ops[n-1].Kind == PatchInsert && ops[n-1].Index == oldIndexBytes {
				ops[n-1].Text += string(e.ch)
			} else {
				ops = append(ops, TextPatchOp{Kind: PatchInsert, Index: oldIndexBytes, Text: string(e.ch)})
			}
		}
	}

	return ops
}

// ApplyPatchOps applies patchOps to the named container of doc within a
// single origin-tagged transaction, adjusting each op's byte index by a
// running offset so it targets the *current* buffer rather than the
// buffer the ops were computed against.
func ApplyPatchOps(doc *Document, container string, patchOps []TextPatchOp, origin Origin) error {
	if len(patchOps) == 0 {
		return nil
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	offset := 0
	for _, p := range patchOps {
		target := p.Index + offset
		switch p.Kind {
		case PatchDelete:
			if err := doc.removeLocked(container, target, p.Len, origin); err != nil {
				return err
			}
			offset -= p.Len
		case PatchInsert:
			if err := doc.insertLocked(container, target, p.Text, origin); err != nil {
				return err
			}
			offset += len(p.Text)
		}
	}
	return nil
}

// ApplyTextDiff computes the patch from oldText to newText and applies it
// to the named container in a single transaction tagged with
// FileWatcherOrigin (or an explicit origin, if provided via
// ApplyTextDiffWithOrigin). It returns the patch ops actually applied.
func ApplyTextDiff(doc *Document, container string, oldText, newText string) ([]TextPatchOp, error) {
	return ApplyTextDiffWithOrigin(doc, container, oldText, newText, OriginFromLabel(FileWatcherOrigin))
}

// ApplyTextDiffWithOrigin is ApplyTextDiff with an explicit origin.
func ApplyTextDiffWithOrigin(doc *Document, container string, oldText, newText string, origin Origin) ([]TextPatchOp, error) {
	ops := DiffToPatchOps(oldText, newText)
	if err := ApplyPatchOps(doc, container, ops, origin); err != nil {
		return nil, err
	}
	return ops, nil
}
