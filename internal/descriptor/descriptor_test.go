package descriptor

import (
	"slices"
	"strings"
	"testing"
)

func TestCloneIsDeep(t *testing.T) {
	d := New("https://index.example.org/esg-search")
	d.SetConstraint("project", "CMIP5")
	d.SetFacets("project", "model")
	d.Replica = Bool(false)

	c := d.Clone()
	d.AddConstraint("project", "CMIP6")
	d.SetFacets("realm")
	*d.Replica = true
	d.Query = "temperature"

	if got := c.Constraint("project"); !slices.Equal(got, []string{"CMIP5"}) {
		t.Errorf("clone constraint = %v", got)
	}
	if !slices.Equal(c.Facets, []string{"model", "project"}) {
		t.Errorf("clone facets = %v", c.Facets)
	}
	if *c.Replica {
		t.Error("clone shares replica flag")
	}
	if c.Query != "" {
		t.Error("clone shares query")
	}
	if c.Equal(d) {
		t.Error("clone still equal after edits")
	}
}

func TestConstraintAliasesAndOrder(t *testing.T) {
	a := New("node")
	a.AddConstraint("experiment_id", "historical")
	a.AddConstraint("EXPERIMENT", "rcp45", "historical")

	b := New("node")
	b.SetConstraint("experiment", "rcp45", "historical")

	if !slices.Equal(a.Constraint("experiment"), []string{"historical", "rcp45"}) {
		t.Fatalf("constraint = %v", a.Constraint("experiment"))
	}
	if a.Canonical() != b.Canonical() {
		t.Errorf("canonical differs:\n%s\n%s", a.Canonical(), b.Canonical())
	}

	a.RemoveConstraint("experiment", "rcp45")
	if !slices.Equal(a.Constraint("experiment"), []string{"historical"}) {
		t.Errorf("after remove = %v", a.Constraint("experiment"))
	}
	a.RemoveConstraint("experiment", "historical")
	if _, ok := a.Constraints["experiment"]; ok {
		t.Error("empty constraint not deleted")
	}
}

func TestValues(t *testing.T) {
	d := New("node")
	d.Type = TypeFile
	d.Distributed = false
	d.SetConstraint("dataset_id", "ds.v1|dn")
	d.SetFields(InstanceIDField...)
	d.Latest = Bool(true)

	v := d.Values()
	checks := map[string]string{
		"type":       "File",
		"distrib":    "false",
		"dataset_id": "ds.v1|dn",
		"fields":     "instance_id",
		"latest":     "true",
		"limit":      "10",
		"offset":     "0",
	}
	for k, want := range checks {
		if got := v.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if !strings.HasPrefix(d.Canonical(), "node?") {
		t.Errorf("canonical = %q", d.Canonical())
	}
}

func TestPagination(t *testing.T) {
	d := New("node")
	d.SetLimit(10)
	if got := d.PageCount(25); got != 3 {
		t.Fatalf("PageCount(25) = %d", got)
	}
	if !d.NextPage(25) || !d.NextPage(25) {
		t.Fatal("NextPage stopped early")
	}
	if d.NextPage(25) {
		t.Fatal("NextPage moved past the last page")
	}
	if d.Offset != 20 || d.Page() != 2 {
		t.Fatalf("offset = %d page = %d", d.Offset, d.Page())
	}
	if !d.PrevPage() || d.Offset != 10 {
		t.Fatalf("PrevPage offset = %d", d.Offset)
	}
	d.SetPage(0)
	if d.PrevPage() {
		t.Error("PrevPage moved before the first page")
	}
	if d.PageCount(0) != 0 {
		t.Error("PageCount(0) != 0")
	}
}

func TestParseFacet(t *testing.T) {
	for name, want := range map[string]Facet{
		"Project":          FacetProject,
		"source_id":        FacetModel,
		"time frequency":   FacetTimeFrequency,
		"frequency":        FacetTimeFrequency,
		"variable_id":      FacetVariable,
		"CF Standard Name": FacetCFStandardName,
	} {
		got, ok := ParseFacet(name)
		if !ok || got != want {
			t.Errorf("ParseFacet(%q) = %v, %v; want %v", name, got, ok, want)
		}
	}
	if _, ok := ParseFacet("colour"); ok {
		t.Error("unknown facet accepted")
	}
}
