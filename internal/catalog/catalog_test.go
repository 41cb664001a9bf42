package catalog

import "testing"

func TestCatalogNamesMatchModuleAndAction(t *testing.T) {
	seen := map[string]bool{}
	for _, entry := range All() {
		if Name(entry.Module, entry.Action) != entry.Name {
			t.Fatalf("entry %s does not match %s.%s", entry.Name, entry.Module, entry.Action)
		}
		if seen[entry.Name] {
			t.Fatalf("duplicate entry %s", entry.Name)
		}
		seen[entry.Name] = true
	}
}

func TestLookup(t *testing.T) {
	entry, ok := Lookup(StudentsView)
	if !ok || entry.Module != "estudiantes" || entry.Action != "ver" {
		t.Fatalf("unexpected lookup result %+v %v", entry, ok)
	}
	if _, ok := Lookup("nada.ver"); ok {
		t.Fatalf("expected unknown permission to be missing")
	}
	if Name(" Pagos ", "COBRAR") != PaymentsCollect {
		t.Fatalf("expected normalized name")
	}
}

func TestPermissionsHaveStableIDs(t *testing.T) {
	first, second := Permissions(), Permissions()
	if len(first) != len(All()) {
		t.Fatalf("expected one permission per entry, got %d", len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].ID == "" {
			t.Fatalf("expected stable id for %s", first[i].Name)
		}
		if first[i].Description == nil || *first[i].Description == "" {
			t.Fatalf("expected description for %s", first[i].Name)
		}
	}
}
