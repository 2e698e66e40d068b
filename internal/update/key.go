package update

import (
	"github.com/google/uuid"

	"github.com/reviewstack/notedb/internal/revnote"
)

// NewCommentKey mints a comment key with a fresh random uuid.
func NewCommentKey(filename string, patchSet int) revnote.Key {
	return revnote.Key{
		UUID:     uuid.NewString(),
		Filename: filename,
		PatchSet: patchSet,
	}
}
