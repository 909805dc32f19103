package params

import "testing"

func TestGetRequiredMissing(t *testing.T) {
	s := New()
	if _, err := s.GetRequired("application_name"); err == nil {
		t.Fatal("expected error for missing required parameter")
	}
}

func TestIdenticalOverTrackedSubset(t *testing.T) {
	a := New()
	a.Insert("application_name", String("psql"))
	a.Insert("untracked_thing", String("foo"))

	b := New()
	b.Insert("application_name", String("psql"))
	b.Insert("untracked_thing", String("bar")) // differs, but untracked

	if !a.Identical(b) {
		t.Fatal("expected identical over tracked subset despite untracked divergence")
	}

	b.Insert("application_name", String("other"))
	if a.Identical(b) {
		t.Fatal("expected non-identical after tracked parameter diverges")
	}
}

func TestResetAndSetQueries(t *testing.T) {
	client := New()
	client.Insert("search_path", Tuple("app", "public"))

	server := New()
	server.Insert("statement_timeout", String("30s"))

	resets := client.ResetQueries(server)
	if len(resets) != 1 || resets[0] != "RESET statement_timeout" {
		t.Fatalf("unexpected reset queries: %v", resets)
	}

	sets := client.SetQueries(server)
	if len(sets) != 1 || sets[0] != "SET search_path TO 'app,public'" {
		t.Fatalf("unexpected set queries: %v", sets)
	}
}

func TestTupleRaw(t *testing.T) {
	v := Tuple("a", "b", "c")
	if !v.IsTuple() {
		t.Fatal("expected tuple")
	}
	if v.Raw() != "a,b,c" {
		t.Fatalf("got %q", v.Raw())
	}
}
