package change

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIdent indicates an identity string that does not follow the
// "Name <local@server>" shape or whose local part is not an account id.
var ErrInvalidIdent = errors.New("change: invalid identity")

// Ident is the wire representation of an account acting on a change. The
// display name is advisory; the account id is always recovered from the
// local part of the email.
type Ident struct {
	Name  string
	Email string
}

// NewIdent builds the canonical identity for an account on a given server.
func NewIdent(account AccountID, serverID string) Ident {
	return Ident{
		Name:  fmt.Sprintf("User %d", account.Int()),
		Email: fmt.Sprintf("%d@%s", account.Int(), serverID),
	}
}

// String renders the identity in "Name <email>" form with the name and
// email sanitized for embedding in a single footer line.
func (i Ident) String() string {
	return sanitizeIdentPart(i.Name) + " <" + sanitizeIdentPart(i.Email) + ">"
}

// AccountID extracts the account id from the email local part.
func (i Ident) AccountID() (AccountID, error) {
	at := strings.IndexByte(i.Email, '@')
	local := i.Email
	if at >= 0 {
		local = i.Email[:at]
	}
	n, err := strconv.Atoi(local)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: cannot read account id from %q", ErrInvalidIdent, i.Email)
	}
	return AccountID(n), nil
}

// ParseIdent decodes a "Name <email>" identity string. Legacy writers used
// free-form display names, so everything before the final angle-bracketed
// email is taken verbatim as the name.
func ParseIdent(raw string) (Ident, error) {
	lt := strings.LastIndexByte(raw, '<')
	gt := strings.LastIndexByte(raw, '>')
	if lt < 0 || gt < lt {
		return Ident{}, fmt.Errorf("%w: %q", ErrInvalidIdent, raw)
	}
	return Ident{
		Name:  strings.TrimSpace(raw[:lt]),
		Email: raw[lt+1 : gt],
	}, nil
}

// ParseIdentAccount decodes an identity string and resolves its account id
// in one step.
func ParseIdentAccount(raw string) (AccountID, error) {
	ident, err := ParseIdent(raw)
	if err != nil {
		return 0, err
	}
	return ident.AccountID()
}

// sanitizeIdentPart strips the characters that would break the line- and
// bracket-oriented identity grammar.
func sanitizeIdentPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\n', '\r', '<', '>', 0:
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Address is a reviewer-by-email entry: a bare address with an optional
// display name, for reviewers that have no account.
type Address struct {
	Name  string
	Email string
}

// ParseAddress accepts either "Name <addr@host>" or a bare "addr@host".
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if lt := strings.LastIndexByte(trimmed, '<'); lt >= 0 {
		gt := strings.LastIndexByte(trimmed, '>')
		if gt < lt {
			return Address{}, fmt.Errorf("change: invalid address %q", raw)
		}
		addr := Address{
			Name:  strings.TrimSpace(trimmed[:lt]),
			Email: trimmed[lt+1 : gt],
		}
		if !strings.Contains(addr.Email, "@") {
			return Address{}, fmt.Errorf("change: invalid address %q", raw)
		}
		return addr, nil
	}
	if !strings.Contains(trimmed, "@") {
		return Address{}, fmt.Errorf("change: invalid address %q", raw)
	}
	return Address{Email: trimmed}, nil
}

// String renders the address the way it is written to a footer.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return sanitizeIdentPart(a.Name) + " <" + sanitizeIdentPart(a.Email) + ">"
}
