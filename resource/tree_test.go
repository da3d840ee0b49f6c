package resource

import "testing"

func TestTreeLongestAncestor(t *testing.T) {
	tr := NewTree()
	parent := New("/sensors")
	parent.AllowChildren = func(path string) *Resource { return New(path) }
	tr.Add("/sensors", parent)

	anc, ok := tr.LongestAncestor("/sensors/temp")
	if !ok || anc.Path != "/sensors" {
		t.Fatalf("expected /sensors as ancestor, got %+v ok=%v", anc, ok)
	}

	anc, ok = tr.LongestAncestor("/unrelated/path")
	if !ok || anc.Path != "/" {
		t.Fatalf("expected / as fallback ancestor, got %+v ok=%v", anc, ok)
	}
}

func TestTreeVisibleSortedByPath(t *testing.T) {
	tr := NewTree()
	b := New("/b")
	b.Visible = true
	a := New("/a")
	a.Visible = true
	hidden := New("/hidden")
	hidden.Visible = false
	tr.Add("/b", b)
	tr.Add("/a", a)
	tr.Add("/hidden", hidden)

	vis := tr.Visible()
	if len(vis) != 2 || vis[0].Path != "/a" || vis[1].Path != "/b" {
		t.Fatalf("unexpected visible set: %+v", vis)
	}
}

func TestRenderDiscovery(t *testing.T) {
	r := New("/sensors/temp")
	r.ResourceType = "temperature"
	r.Observable = true
	r.Payload = []byte("21.5")
	out := string(RenderDiscovery([]*Resource{r}))
	want := `</sensors/temp>;rt="temperature";sz=4;ct="0";obs`
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestQueryFilterWildcards(t *testing.T) {
	r := New("/sensors/temp")
	r.ResourceType = "temperature-sensor"
	if !r.MatchesFilters(ParseQueryFilters([]string{"rt=temperature*"})) {
		t.Fatalf("expected prefix match to succeed")
	}
	if !r.MatchesFilters(ParseQueryFilters([]string{"rt=*"})) {
		t.Fatalf("expected wildcard match to succeed")
	}
	if r.MatchesFilters(ParseQueryFilters([]string{"rt=humidity"})) {
		t.Fatalf("expected exact mismatch to fail")
	}
}
