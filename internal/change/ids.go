// Package change holds the core identifiers and small value types shared by
// the read and write paths: change and account ids, identity strings, label
// votes, reviewer states and meta/draft ref naming.
package change

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidChangeID indicates a non-positive numeric change id.
	ErrInvalidChangeID = errors.New("change: invalid change id")
	// ErrInvalidAccountID indicates a non-positive account id.
	ErrInvalidAccountID = errors.New("change: invalid account id")
	// ErrInvalidKey indicates a malformed natural change key.
	ErrInvalidKey = errors.New("change: invalid change key")
)

// ID is the immutable numeric identifier of a change within a project.
type ID int

// NewID validates the raw value and returns an ID.
func NewID(raw int) (ID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChangeID, raw)
	}
	return ID(raw), nil
}

// Int exposes the raw numeric value.
func (id ID) Int() int {
	return int(id)
}

func (id ID) String() string {
	return fmt.Sprintf("%d", int(id))
}

// AccountID identifies an account. Accounts themselves are external to this
// engine; only the numeric id ever appears in the log.
type AccountID int

// NewAccountID validates the raw value and returns an AccountID.
func NewAccountID(raw int) (AccountID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAccountID, raw)
	}
	return AccountID(raw), nil
}

// Int exposes the raw numeric value.
func (id AccountID) Int() int {
	return int(id)
}

func (id AccountID) String() string {
	return fmt.Sprintf("%d", int(id))
}

// Key is the stable natural key of a change ("I" + 40 hex digits).
type Key string

// NewKey validates raw input and returns a Key.
func NewKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) != 41 || trimmed[0] != 'I' {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	for _, r := range trimmed[1:] {
		if !isHex(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
	}
	return Key(trimmed), nil
}

// String returns the underlying key string.
func (k Key) String() string {
	return string(k)
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// PatchSetID identifies one patch set of one change.
type PatchSetID struct {
	Change ID
	Number int
}

// NewPatchSetID binds a patch set number to its change.
func NewPatchSetID(changeID ID, number int) PatchSetID {
	return PatchSetID{Change: changeID, Number: number}
}

func (p PatchSetID) String() string {
	return fmt.Sprintf("%d,%d", int(p.Change), p.Number)
}

// ParsePatchSetID parses the "<change>,<patchset>" form used by the
// cherry-pick footer.
func ParsePatchSetID(raw string) (PatchSetID, error) {
	comma := strings.IndexByte(raw, ',')
	if comma < 0 {
		return PatchSetID{}, fmt.Errorf("change: invalid patch set id %q", raw)
	}
	changeNum, err1 := strconv.Atoi(raw[:comma])
	psNum, err2 := strconv.Atoi(raw[comma+1:])
	if err1 != nil || err2 != nil || changeNum <= 0 || psNum <= 0 {
		return PatchSetID{}, fmt.Errorf("change: invalid patch set id %q", raw)
	}
	return PatchSetID{Change: ID(changeNum), Number: psNum}, nil
}

// Project names the repository a change belongs to.
type Project string

// String returns the underlying project name.
func (p Project) String() string {
	return string(p)
}
