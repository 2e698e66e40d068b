// Package statelease tracks, per change, which storage backend is
// authoritative during migration. The token either declares this engine
// primary or pins the exact ref state the legacy system last agreed on,
// optionally with a time-boxed read-only lease while a migrator works.
package statelease

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/reviewstack/notedb/internal/change"
)

// ErrInvalidToken indicates a consistency token that fails the grammar.
var ErrInvalidToken = errors.New("statelease: invalid token")

const primaryMarker = "N"

// Token is the parsed consistency pointer of one change.
type Token struct {
	// Primary is true when this engine owns the change outright; all other
	// fields are empty in that case.
	Primary bool
	// MetaTip is the meta ref tip the legacy system expects.
	MetaTip plumbing.Hash
	// DraftTips pins each author's draft ref tip.
	DraftTips map[change.AccountID]plumbing.Hash
	// ReadOnlyUntil is the lease deadline, zero when no lease is held.
	ReadOnlyUntil time.Time
}

// NewPrimary returns the token of a fully migrated change.
func NewPrimary() Token {
	return Token{Primary: true}
}

// Parse decodes a token. Parse and String are inverse bijections.
func Parse(raw string) (Token, error) {
	if raw == primaryMarker {
		return NewPrimary(), nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) < 2 || parts[0] != "R" {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	if !plumbing.IsHash(parts[1]) {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	t := Token{MetaTip: plumbing.NewHash(parts[1])}

	for _, part := range parts[2:] {
		if rest, ok := strings.CutPrefix(part, "ro="); ok {
			secs, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
			}
			t.ReadOnlyUntil = time.Unix(secs, 0).UTC()
			continue
		}
		acctStr, hexStr, ok := strings.Cut(part, "=")
		if !ok || !plumbing.IsHash(hexStr) {
			return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
		}
		n, err := strconv.Atoi(acctStr)
		if err != nil || n <= 0 {
			return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
		}
		if t.DraftTips == nil {
			t.DraftTips = map[change.AccountID]plumbing.Hash{}
		}
		t.DraftTips[change.AccountID(n)] = plumbing.NewHash(hexStr)
	}
	return t, nil
}

// String renders the token with draft entries sorted by account id so the
// encoding is deterministic.
func (t Token) String() string {
	if t.Primary {
		return primaryMarker
	}
	var b strings.Builder
	b.WriteString("R,")
	b.WriteString(t.MetaTip.String())

	accts := make([]change.AccountID, 0, len(t.DraftTips))
	for acct := range t.DraftTips {
		accts = append(accts, acct)
	}
	sort.Slice(accts, func(i, j int) bool { return accts[i] < accts[j] })
	for _, acct := range accts {
		fmt.Fprintf(&b, ",%d=%s", acct.Int(), t.DraftTips[acct])
	}
	if !t.ReadOnlyUntil.IsZero() {
		fmt.Fprintf(&b, ",ro=%d", t.ReadOnlyUntil.Unix())
	}
	return b.String()
}

// UpToDate reports whether the actual ref state matches what the token
// pins. A primary token is always up to date.
func (t Token) UpToDate(metaTip plumbing.Hash, draftTips map[change.AccountID]plumbing.Hash) bool {
	if t.Primary {
		return true
	}
	if t.MetaTip != metaTip {
		return false
	}
	if len(t.DraftTips) != len(draftTips) {
		return false
	}
	for acct, want := range t.DraftTips {
		if draftTips[acct] != want {
			return false
		}
	}
	return true
}

// ReadOnly reports whether a migration lease is active at the given time.
func (t Token) ReadOnly(now time.Time) bool {
	return !t.ReadOnlyUntil.IsZero() && now.Before(t.ReadOnlyUntil)
}
