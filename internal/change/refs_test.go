package change

import "testing"

func TestMetaRefSharding(t *testing.T) {
	for _, tc := range []struct {
		id   ID
		want string
	}{
		{1, "refs/changes/01/1/meta"},
		{99, "refs/changes/99/99/meta"},
		{100, "refs/changes/00/100/meta"},
		{1234, "refs/changes/34/1234/meta"},
	} {
		if got := MetaRef(tc.id); got != tc.want {
			t.Fatalf("MetaRef(%d): got %q, want %q", tc.id.Int(), got, tc.want)
		}
	}
}

func TestDraftRef(t *testing.T) {
	if got := DraftRef(1234, 7); got != "refs/draft-comments/34/1234/7" {
		t.Fatalf("DraftRef: got %q", got)
	}
	if got := DraftRefPrefix(1234); got != "refs/draft-comments/34/1234/" {
		t.Fatalf("DraftRefPrefix: got %q", got)
	}
}

func TestParseMetaRef(t *testing.T) {
	id, ok := ParseMetaRef("refs/changes/34/1234/meta")
	if !ok || id != 1234 {
		t.Fatalf("ParseMetaRef: got %d ok=%v", id.Int(), ok)
	}
	for _, ref := range []string{
		"refs/heads/main",
		"refs/changes/34/1234",
		"refs/changes/34/x/meta",
		"refs/changes/34/0/meta",
		"refs/changes/34/1234/extra/meta",
	} {
		if _, ok := ParseMetaRef(ref); ok {
			t.Fatalf("ParseMetaRef(%q): expected rejection", ref)
		}
	}
}

func TestParseDraftRef(t *testing.T) {
	id, account, ok := ParseDraftRef("refs/draft-comments/34/1234/7")
	if !ok || id != 1234 || account != 7 {
		t.Fatalf("ParseDraftRef: got %d/%d ok=%v", id.Int(), account.Int(), ok)
	}
	for _, ref := range []string{
		"refs/changes/34/1234/meta",
		"refs/draft-comments/34/1234",
		"refs/draft-comments/34/1234/0",
		"refs/draft-comments/34/1234/x",
	} {
		if _, _, ok := ParseDraftRef(ref); ok {
			t.Fatalf("ParseDraftRef(%q): expected rejection", ref)
		}
	}
}

func TestFullBranchName(t *testing.T) {
	if got := FullBranchName("main"); got != "refs/heads/main" {
		t.Fatalf("FullBranchName: got %q", got)
	}
	if got := FullBranchName("refs/meta/config"); got != "refs/meta/config" {
		t.Fatalf("FullBranchName: got %q", got)
	}
}
