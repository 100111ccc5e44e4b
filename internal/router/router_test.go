package router

import (
	"strings"
	"testing"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/signal"
)

func TestExtractSignals(t *testing.T) {
	sigs := ExtractSignals("please review backend/db/migrations/0001.sql and the payments/ module")

	var files, dirs, keywords []string
	for _, s := range sigs {
		switch s.Kind {
		case signal.FileTouched:
			files = append(files, s.Value)
		case signal.DirectoryEntered:
			dirs = append(dirs, s.Value)
		case signal.Keyword:
			keywords = append(keywords, s.Value)
		default:
			t.Fatalf("unexpected kind %s", s.Kind)
		}
	}

	if len(files) != 1 || files[0] != "backend/db/migrations/0001.sql" {
		t.Errorf("files = %v", files)
	}
	if len(dirs) != 1 || dirs[0] != "payments/" {
		t.Errorf("dirs = %v", dirs)
	}
	found := false
	for _, k := range keywords {
		if k == "review" {
			found = true
		}
	}
	if !found {
		t.Errorf("keyword review missing from %v", keywords)
	}
}

func TestExtractSignalsEmpty(t *testing.T) {
	if sigs := ExtractSignals("a an to"); len(sigs) != 0 {
		t.Errorf("expected no signals, got %v", sigs)
	}
}

func TestRenderDiff(t *testing.T) {
	d := &admission.Diff{
		Tick:     7,
		Admitted: []string{"code-review"},
		Evicted:  []string{"payments"},
		Used:     1200,
		Ceiling:  30000,
	}
	out := RenderDiff(d)
	for _, want := range []string{"tick 7", "+ code-review", "- payments", "1200/30000"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q in %q", want, out)
		}
	}

	empty := &admission.Diff{Used: 500, Ceiling: 30000}
	if got := RenderDiff(empty); !strings.Contains(got, "unchanged") {
		t.Errorf("empty diff render = %q", got)
	}
}
