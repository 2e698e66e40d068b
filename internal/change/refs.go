package change

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	refsChanges       = "refs/changes/"
	refsDraftComments = "refs/draft-comments/"

	// SequenceRef points directly at the blob holding the next unallocated
	// change number.
	SequenceRef = "refs/sequences/changes"
)

// MetaRef derives the change's meta ref name from its numeric id:
// refs/changes/<nn>/<id>/meta, where <nn> is the id modulo 100, zero padded.
func MetaRef(id ID) string {
	return fmt.Sprintf("%s%s/meta", refsChanges, shard(id))
}

// DraftRefPrefix is the common prefix of all draft refs of one change in
// the drafts repository.
func DraftRefPrefix(id ID) string {
	return fmt.Sprintf("%s%s/", refsDraftComments, shard(id))
}

// DraftRef derives the per-author draft ref for a change in the drafts
// repository.
func DraftRef(id ID, account AccountID) string {
	return fmt.Sprintf("%s%d", DraftRefPrefix(id), account.Int())
}

func shard(id ID) string {
	return fmt.Sprintf("%02d/%d", id.Int()%100, id.Int())
}

// ParseMetaRef recovers the change id from a meta ref name. The second
// return value is false for refs that are not change meta refs.
func ParseMetaRef(ref string) (ID, bool) {
	if !strings.HasPrefix(ref, refsChanges) || !strings.HasSuffix(ref, "/meta") {
		return 0, false
	}
	parts := strings.Split(strings.TrimPrefix(ref, refsChanges), "/")
	if len(parts) != 3 {
		return 0, false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return ID(id), true
}

// ParseDraftRef recovers the change and account ids from a draft ref name.
func ParseDraftRef(ref string) (ID, AccountID, bool) {
	if !strings.HasPrefix(ref, refsDraftComments) {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(ref, refsDraftComments), "/")
	if len(parts) != 3 {
		return 0, 0, false
	}
	id, err1 := strconv.Atoi(parts[1])
	account, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || id <= 0 || account <= 0 {
		return 0, 0, false
	}
	return ID(id), AccountID(account), true
}

// FullBranchName normalizes a branch value to its fully qualified ref name.
func FullBranchName(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}
