package services_test

import (
	"testing"
	"time"

	"github.com/bmwdiag/ediag/pkg/services"
)

func TestDecodeReadDataByIdentifierRpm(t *testing.T) {
	now := time.Now()
	sample, err := services.DecodeReadDataByIdentifier([]byte{0x0C, 0x1A, 0x00}, now)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sample.Unit != "rpm" {
		t.Fatalf("unexpected unit: %s", sample.Unit)
	}
	want := float64(0x1A00) * 0.25
	if sample.Value != want {
		t.Fatalf("got %f want %f", sample.Value, want)
	}
}

func TestDecodeReadDataByIdentifierCoolantTemp(t *testing.T) {
	sample, err := services.DecodeReadDataByIdentifier([]byte{0x05, 80}, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sample.Value != 40 {
		t.Fatalf("expected 40C, got %f", sample.Value)
	}
}

func TestDecodeReadDataByIdentifierUnknownPid(t *testing.T) {
	_, err := services.DecodeReadDataByIdentifier([]byte{0xFE, 0x00}, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown pid")
	}
}

func TestBuildReadDataByIdentifier(t *testing.T) {
	got := services.BuildReadDataByIdentifier(0x0C)
	if len(got) != 2 || got[0] != 0x21 || got[1] != 0x0C {
		t.Fatalf("unexpected request bytes: % X", got)
	}
}
