package proto

import (
	"testing"
	"time"
)

func TestClassify_Registration(t *testing.T) {
	f := Classify("SCALE-01")
	if f.Kind != KindRegistration {
		t.Fatalf("Kind = %v, want KindRegistration", f.Kind)
	}
	if f.DeviceID != "SCALE-01" {
		t.Errorf("DeviceID = %q, want SCALE-01", f.DeviceID)
	}
}

func TestClassify_RegistrationRejectsNonTwoDigit(t *testing.T) {
	for _, line := range []string{"SCALE-1", "SCALE-123", "scale-01", "SCALE-0a", " SCALE-01x"} {
		f := Classify(line)
		if f.Kind == KindRegistration {
			t.Errorf("Classify(%q) classified as registration, want not", line)
		}
	}
}

func TestClassify_Heartbeat(t *testing.T) {
	f := Classify("HB")
	if f.Kind != KindHeartbeat {
		t.Fatalf("Kind = %v, want KindHeartbeat", f.Kind)
	}

	f = Classify("  HB  ")
	if f.Kind != KindHeartbeat {
		t.Fatalf("whitespace-padded HB: Kind = %v, want KindHeartbeat", f.Kind)
	}
}

func TestClassify_Event(t *testing.T) {
	ts := time.Date(2026, 1, 30, 10, 27, 0, 0, time.UTC)
	line := Serialize(Event{
		PLUCode:        "00001",
		ProductName:    "KIYMA",
		WeightGrams:    1234,
		Barcode:        "00000012340",
		ScaleTimestamp: ts,
	})

	f := Classify(line)
	if f.Kind != KindEvent {
		t.Fatalf("Kind = %v, want KindEvent", f.Kind)
	}
	if f.Event.PLUCode != "00001" || f.Event.WeightGrams != 1234 {
		t.Errorf("Event = %+v, unexpected fields", f.Event)
	}
	if !f.Event.ScaleTimestamp.Equal(ts) {
		t.Errorf("ScaleTimestamp = %v, want %v", f.Event.ScaleTimestamp, ts)
	}
}

func TestClassify_EventRoundTrip(t *testing.T) {
	events := []Event{
		{PLUCode: "00001", ProductName: "KIYMA", WeightGrams: 1234, Barcode: "00000012340", ScaleTimestamp: time.Date(2026, 1, 30, 10, 27, 0, 0, time.UTC)},
		{PLUCode: "00099", ProductName: "TAVUK GOGSU", WeightGrams: 0, Barcode: "99999999999", ScaleTimestamp: time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)},
	}
	for _, e := range events {
		got := Classify(Serialize(e))
		if got.Kind != KindEvent {
			t.Fatalf("round trip Kind = %v, want KindEvent", got.Kind)
		}
		if got.Event != e {
			t.Errorf("round trip = %+v, want %+v", got.Event, e)
		}
	}
}

func TestClassify_EventNegativeWeightRejected(t *testing.T) {
	f := Classify("EVT|00001|KIYMA|-5|00000012340|2026-01-30T10:27:00Z")
	if f.Kind != KindUnknown {
		t.Fatalf("Kind = %v, want KindUnknown for negative weight", f.Kind)
	}
}

func TestClassify_UnknownPreservesRaw(t *testing.T) {
	f := Classify("garbage line that matches nothing")
	if f.Kind != KindUnknown {
		t.Fatalf("Kind = %v, want KindUnknown", f.Kind)
	}
	if f.Raw != "garbage line that matches nothing" {
		t.Errorf("Raw = %q, not preserved", f.Raw)
	}
}

func TestClassify_MalformedEventShapedLineIsUnknown(t *testing.T) {
	f := Classify("EVT|00001|KIYMA|not-a-number|00000012340|2026-01-30T10:27:00Z")
	if f.Kind != KindUnknown {
		t.Fatalf("Kind = %v, want KindUnknown", f.Kind)
	}
	if f.Raw == "" {
		t.Errorf("Raw not preserved for malformed event frame")
	}
}
