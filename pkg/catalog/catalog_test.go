package catalog_test

import (
	"testing"

	"github.com/bmwdiag/ediag/pkg/catalog"
)

func TestLookupKnownEcu(t *testing.T) {
	e, ok := catalog.Lookup("DDE")
	if !ok {
		t.Fatal("DDE not found")
	}
	if !e.Transports.Has(catalog.KLine) || !e.Transports.Has(catalog.DCan) {
		t.Fatalf("DDE should support both transports, got %s", e.Transports)
	}
	if e.KLineAddr != 0x12 || e.CanTxID != 0x612 || e.CanRxID != 0x613 {
		t.Fatalf("unexpected DDE addresses: %+v", e)
	}
}

func TestLookupUnknownEcu(t *testing.T) {
	if _, ok := catalog.Lookup("NOPE"); ok {
		t.Fatal("expected NOPE to be absent from catalog")
	}
}

func TestEveryEntryHasATransport(t *testing.T) {
	for _, e := range catalog.List() {
		if e.Transports == 0 {
			t.Fatalf("%s has no transport set", e.ID)
		}
		if e.Transports.Has(catalog.KLine) && !e.HasKLine {
			t.Fatalf("%s claims K-Line transport without an address", e.ID)
		}
		if e.Transports.Has(catalog.DCan) && !e.HasCan {
			t.Fatalf("%s claims D-CAN transport without addresses", e.ID)
		}
	}
}

func TestListReturnsACopy(t *testing.T) {
	list := catalog.List()
	list[0].ID = "mutated"
	fresh, _ := catalog.Lookup(catalog.List()[0].ID)
	if fresh.ID == "mutated" {
		t.Fatal("List() leaked internal storage")
	}
}
