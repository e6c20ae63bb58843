package telemetry

import "testing"

func TestMaskPII_Email(t *testing.T) {
	out := MaskPII("contact me at anna.svensson@example.com please")
	if ContainsPII(out) {
		t.Fatalf("expected email to be masked, got %q", out)
	}
}

func TestMaskPII_Personnummer(t *testing.T) {
	out := MaskPII("mitt personnummer ar 19900101-1234")
	if ContainsPII(out) {
		t.Fatalf("expected personnummer to be masked, got %q", out)
	}
}

func TestMaskPII_Phone(t *testing.T) {
	out := MaskPII("ring mig pa 070-1234567")
	if ContainsPII(out) {
		t.Fatalf("expected phone number to be masked, got %q", out)
	}
}

func TestMaskPII_FullName(t *testing.T) {
	out := MaskPII("skicka det till Anna Svensson")
	if ContainsPII(out) {
		t.Fatalf("expected full name to be masked, got %q", out)
	}
}

func TestMaskPII_PlainTextUntouched(t *testing.T) {
	in := "vad ar klockan"
	if MaskPII(in) != in {
		t.Fatalf("expected plain text without PII to be unchanged")
	}
}
