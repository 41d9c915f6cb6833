// Package diff computes the difference between the original and working
// block collections of a review task. Structured blocks produce RFC 6902
// patches, text blocks produce unified line diffs. The computation is pure:
// the same two inputs always produce the same output.
package diff

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/wI2L/jsondiff"

	"github.com/pmezard/go-difflib/difflib"
)

type BlockKind string

const (
	BlockText BlockKind = "text"
	BlockData BlockKind = "data"
)

// Block is one editable unit of proposed content within a task. The same
// block identity appears in the original, working and final collections and
// is the join key for diffing.
type Block struct {
	ID       string          `json:"id"`
	Kind     BlockKind       `json:"kind"`
	Text     string          `json:"text,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Editable bool            `json:"editable"`
}

type TextDiff struct {
	BlockID string `json:"block_id"`
	Unified string `json:"unified"`
}

type DataPatch struct {
	BlockID string `json:"block_id"`
	// Patch is an RFC 6902 operation array (add/remove/replace/move/copy/test).
	Patch json.RawMessage `json:"patch"`
}

type Result struct {
	TextDiffs []TextDiff  `json:"text_diffs,omitempty"`
	Patches   []DataPatch `json:"patches,omitempty"`
}

func (r Result) HasChanges() bool {
	return len(r.TextDiffs) > 0 || len(r.Patches) > 0
}

// Compute diffs working against original, joined by block ID. Blocks whose
// content is unchanged produce no entry. Blocks present only in original
// (removed in working) are not reported.
func Compute(original, working []Block) (Result, error) {
	byID := make(map[string]Block, len(working))
	for _, b := range working {
		byID[b.ID] = b
	}

	var out Result
	for _, orig := range original {
		work, ok := byID[orig.ID]
		if !ok {
			continue
		}

		switch orig.Kind {
		case BlockData:
			patch, err := jsonpatch.CompareJSON(orig.Value, work.Value)
			if err != nil {
				return Result{}, fmt.Errorf("diff block %s: %w", orig.ID, err)
			}
			if len(patch) == 0 {
				continue
			}
			raw, err := json.Marshal(patch)
			if err != nil {
				return Result{}, fmt.Errorf("diff block %s: %w", orig.ID, err)
			}
			out.Patches = append(out.Patches, DataPatch{BlockID: orig.ID, Patch: raw})
		default:
			if orig.Text == work.Text {
				continue
			}
			unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(orig.Text),
				B:        difflib.SplitLines(work.Text),
				FromFile: "original/" + orig.ID,
				ToFile:   "working/" + orig.ID,
				Context:  3,
			})
			if err != nil {
				return Result{}, fmt.Errorf("diff block %s: %w", orig.ID, err)
			}
			out.TextDiffs = append(out.TextDiffs, TextDiff{BlockID: orig.ID, Unified: unified})
		}
	}
	return out, nil
}
