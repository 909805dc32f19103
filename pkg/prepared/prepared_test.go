package prepared

import "testing"

func TestPrepareAssignsStableProxyName(t *testing.T) {
	c := New(0)
	a := c.Prepare("stmt1", "SELECT $1", []int32{23})
	b := c.Prepare("stmt1", "SELECT $1", []int32{23})
	if a.ProxyName != b.ProxyName {
		t.Fatalf("expected idempotent proxy name, got %q and %q", a.ProxyName, b.ProxyName)
	}
}

func TestPrepareRedefinitionGetsNewProxyName(t *testing.T) {
	c := New(0)
	a := c.Prepare("stmt1", "SELECT $1", []int32{23})
	b := c.Prepare("stmt1", "SELECT $1, $2", []int32{23, 25})
	if a.ProxyName == b.ProxyName {
		t.Fatal("expected a new proxy name after redefinition with different SQL")
	}
}

func TestDeallocateRemoves(t *testing.T) {
	c := New(0)
	c.Prepare("stmt1", "SELECT 1", nil)
	c.Deallocate("stmt1")
	if _, ok := c.Lookup("stmt1"); ok {
		t.Fatal("expected stmt1 to be gone after Deallocate")
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	c := New(2)
	c.Prepare("a", "SELECT 1", nil)
	c.Prepare("b", "SELECT 2", nil)
	c.Prepare("c", "SELECT 3", nil) // evicts "a"
	if _, ok := c.Lookup("a"); ok {
		t.Fatal("expected least-recently-used entry to be evicted")
	}
	if _, ok := c.Lookup("c"); !ok {
		t.Fatal("expected most recently inserted entry to remain")
	}
}
