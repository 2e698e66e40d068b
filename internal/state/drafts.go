package state

import (
	"github.com/reviewstack/notedb/internal/revnote"
)

// DraftComments returns the comments staged in an author's draft ref that
// are not yet published at the given snapshot. Publishing a comment and
// deleting its draft are two refs in two repositories and do not commit
// atomically, so a published comment can linger in the draft ref until the
// cleanup lands; readers must not see it twice.
func DraftComments(s *Snapshot, drafts *revnote.Map) []revnote.Comment {
	if drafts == nil {
		return nil
	}
	published := map[revnote.Key]struct{}{}
	if s != nil {
		for _, list := range s.Comments {
			for _, c := range list {
				published[c.Key] = struct{}{}
			}
		}
	}

	var out []revnote.Comment
	for _, entry := range drafts.Entries {
		for _, c := range entry.Note.Comments {
			if _, dup := published[c.Key]; dup {
				continue
			}
			out = append(out, c)
		}
	}
	revnote.SortComments(out)
	return out
}
