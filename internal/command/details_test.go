package command

import "testing"

func TestParseDetailsFull(t *testing.T) {
	d, err := ParseDetails("115000 hb apr 26 close 20 dec")
	if err != nil {
		t.Fatalf("ParseDetails failed: %v", err)
	}
	if d.Price != 115000 {
		t.Errorf("expected price 115000, got %d", d.Price)
	}
	if d.Format != "HB" {
		t.Errorf("expected format HB, got %q", d.Format)
	}
	if d.ETA != "Apr '26" {
		t.Errorf("expected ETA \"Apr '26\", got %q", d.ETA)
	}
	if d.CloseDate != "20 Dec" {
		t.Errorf("expected close date \"20 Dec\", got %q", d.CloseDate)
	}
}

func TestParseDetailsPriceOnly(t *testing.T) {
	d, err := ParseDetails("95.000")
	if err != nil {
		t.Fatalf("ParseDetails failed: %v", err)
	}
	if d.Price != 95000 {
		t.Errorf("expected non-digits stripped (95000), got %d", d.Price)
	}
	if d.Format != "" || d.ETA != "" || d.CloseDate != "" {
		t.Errorf("expected only price set, got %+v", d)
	}
}

func TestParseDetailsIndonesianMonth(t *testing.T) {
	d, err := ParseDetails("120000 pb agustus 26")
	if err != nil {
		t.Fatalf("ParseDetails failed: %v", err)
	}
	if d.ETA != "Aug '26" {
		t.Errorf("expected \"Aug '26\", got %q", d.ETA)
	}
}

func TestParseDetailsIndonesianShortMonths(t *testing.T) {
	d, err := ParseDetails("115000 hb apr 26 close 20 des")
	if err != nil {
		t.Fatalf("ParseDetails failed: %v", err)
	}
	if d.ETA != "Apr '26" {
		t.Errorf("expected \"Apr '26\", got %q", d.ETA)
	}
	if d.CloseDate != "20 Dec" {
		t.Errorf("expected \"20 Dec\", got %q", d.CloseDate)
	}

	cases := map[string]string{
		"90000 okt":    "Oct",
		"90000 agu 27": "Aug '27",
		"90000 agt 27": "Aug '27",
	}
	for raw, want := range cases {
		d, err := ParseDetails(raw)
		if err != nil {
			t.Fatalf("ParseDetails(%q) failed: %v", raw, err)
		}
		if d.ETA != want {
			t.Errorf("ParseDetails(%q).ETA = %q, want %q", raw, d.ETA, want)
		}
	}
}

func TestParseDetailsETAWithoutYear(t *testing.T) {
	d, err := ParseDetails("80000 mei")
	if err != nil {
		t.Fatalf("ParseDetails failed: %v", err)
	}
	if d.ETA != "May" {
		t.Errorf("expected bare month, got %q", d.ETA)
	}
}

func TestParseDetailsCloseWithoutETA(t *testing.T) {
	d, err := ParseDetails("80000 close 5 jan")
	if err != nil {
		t.Fatalf("ParseDetails failed: %v", err)
	}
	if d.CloseDate != "5 Jan" {
		t.Errorf("expected \"5 Jan\", got %q", d.CloseDate)
	}
}

func TestParseDetailsErrors(t *testing.T) {
	cases := []string{
		"",
		"free shipping",   // no digits
		"100 xx",          // unknown trailing token
		"100 close 40 jan", // day out of range
		"100 close 5",      // missing month
		"100 close 5 blah", // unknown month
	}
	for _, raw := range cases {
		if _, err := ParseDetails(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}
