package wellknown

import "testing"

func TestFormatValuelessAttributeHasNoTrailingEquals(t *testing.T) {
	links := []Link{{Path: "/s/temp", Attrs: []Attribute{{Key: "rt", Value: "temperature-c"}, {Key: "obs"}}}}
	got := Format(links)
	want := "</s/temp>;rt=temperature-c;obs"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFormatMultipleLinks(t *testing.T) {
	links := []Link{
		{Path: "/a", Attrs: []Attribute{{Key: "rt", Value: "x"}}},
		{Path: "/b"},
	}
	got := Format(links)
	want := "</a>;rt=x,</b>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFilterByResourceType(t *testing.T) {
	links := []Link{
		{Path: "/a", Attrs: []Attribute{{Key: "rt", Value: "sensor"}}},
		{Path: "/b", Attrs: []Attribute{{Key: "rt", Value: "actuator"}}},
	}
	got := Filter(links, []string{"rt=sensor"})
	if len(got) != 1 || got[0].Path != "/a" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestFilterByValuelessAttributePresence(t *testing.T) {
	links := []Link{
		{Path: "/edhoc", Attrs: []Attribute{{Key: "ed-r"}}},
		{Path: "/other", Attrs: []Attribute{{Key: "rt", Value: "x"}}},
	}
	got := Filter(links, []string{"ed-r"})
	if len(got) != 1 || got[0].Path != "/edhoc" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestFilterANDsMultipleTerms(t *testing.T) {
	links := []Link{
		{Path: "/a", Attrs: []Attribute{{Key: "rt", Value: "sensor"}, {Key: "if", Value: "core.s"}}},
		{Path: "/b", Attrs: []Attribute{{Key: "rt", Value: "sensor"}}},
	}
	got := Filter(links, []string{"rt=sensor", "if=core.s"})
	if len(got) != 1 || got[0].Path != "/a" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestEnsureEDHOCSynthesizesWhenAbsent(t *testing.T) {
	links := EnsureEDHOC(nil, true)
	if len(links) != 1 || links[0].Path != edhocPath {
		t.Fatalf("expected synthesized EDHOC link, got %+v", links)
	}
	got := Format(links)
	want := "</.well-known/edhoc>;rt=core.edhoc;ed-r;ed-comb-req"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEnsureEDHOCDoesNotDuplicate(t *testing.T) {
	existing := []Link{{Path: edhocPath, Attrs: []Attribute{{Key: "rt", Value: "core.edhoc"}, {Key: "ed-r"}}}}
	got := EnsureEDHOC(existing, true)
	if len(got) != 1 {
		t.Fatalf("expected exactly one EDHOC link, got %d", len(got))
	}
}

func TestEnsureEDHOCWithoutCombReq(t *testing.T) {
	links := EnsureEDHOC(nil, false)
	got := Format(links)
	want := "</.well-known/edhoc>;rt=core.edhoc;ed-r"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSortedOrdersByPath(t *testing.T) {
	links := []Link{{Path: "/b"}, {Path: "/a"}}
	got := Sorted(links)
	if got[0].Path != "/a" || got[1].Path != "/b" {
		t.Fatalf("unexpected order: %+v", got)
	}
}
