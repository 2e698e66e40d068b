package change

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidLabelVote indicates a label vote expression that fails the
// "<name>=<signed int>" grammar.
var ErrInvalidLabelVote = errors.New("change: invalid label vote")

// LegacySubmitLabel is the label name old writers recorded when a change
// was submitted. Votes on it are never flagged post-submit.
const LegacySubmitLabel = "SUBM"

// LabelVote is one vote on one label, e.g. Code-Review=+2.
type LabelVote struct {
	Label string
	Value int
}

// ParseLabelVote decodes the "<name>=<value>" form written by the encoder.
// The value must carry an explicit sign unless it is zero.
func ParseLabelVote(raw string) (LabelVote, error) {
	eq := strings.LastIndexByte(raw, '=')
	if eq <= 0 || eq == len(raw)-1 {
		return LabelVote{}, fmt.Errorf("%w: %q", ErrInvalidLabelVote, raw)
	}
	name := raw[:eq]
	if err := CheckLabelName(name); err != nil {
		return LabelVote{}, fmt.Errorf("%w: %q", ErrInvalidLabelVote, raw)
	}
	valueStr := raw[eq+1:]
	switch valueStr[0] {
	case '+', '-':
		if valueStr == "+0" || valueStr == "-0" {
			return LabelVote{}, fmt.Errorf("%w: %q", ErrInvalidLabelVote, raw)
		}
	default:
		if valueStr != "0" {
			return LabelVote{}, fmt.Errorf("%w: %q", ErrInvalidLabelVote, raw)
		}
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return LabelVote{}, fmt.Errorf("%w: %q", ErrInvalidLabelVote, raw)
	}
	return LabelVote{Label: name, Value: value}, nil
}

// String renders the vote with an explicit sign on positive values so the
// encoding round-trips through ParseLabelVote.
func (v LabelVote) String() string {
	if v.Value > 0 {
		return fmt.Sprintf("%s=+%d", v.Label, v.Value)
	}
	return fmt.Sprintf("%s=%d", v.Label, v.Value)
}

// CheckLabelName validates a label name: it must start with a letter and
// contain only letters, digits and interior dashes.
func CheckLabelName(name string) error {
	if name == "" {
		return fmt.Errorf("change: empty label name")
	}
	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		switch {
		case i == 0 && !isLetter:
			return fmt.Errorf("change: label name %q must start with a letter", name)
		case r == '-':
			if i == len(name)-1 {
				return fmt.Errorf("change: label name %q may not end with a dash", name)
			}
		case !isLetter && !isDigit:
			return fmt.Errorf("change: invalid character in label name %q", name)
		}
	}
	return nil
}
