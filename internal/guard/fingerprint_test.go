package guard

import (
	"errors"
	"testing"
)

func TestFingerprint_Normalisation(t *testing.T) {
	base, err := Fingerprint(Demographics{LastName: "Núñez", FirstName: "José", DOB: "1985-06-10", MRN: "MRN-00123456"})
	if err != nil {
		t.Fatal(err)
	}
	if len(base.FP) != 64 {
		t.Errorf("fingerprint should be 64 hex chars, got %d", len(base.FP))
	}

	same := []Demographics{
		{LastName: "NUNEZ", FirstName: "jose", DOB: "06/10/1985", MRN: "3456"},
		{LastName: "  nunez ", FirstName: "José", DOB: "June 10, 1985", MRN: "99-123456"},
		{LastName: "Nuñez", FirstName: "José", DOB: "10 Jun 1985", MRN: "A0003456"},
	}
	for _, d := range same {
		p, err := Fingerprint(d)
		if err != nil {
			t.Fatal(err)
		}
		if p.FP != base.FP {
			t.Errorf("%+v should fingerprint like the base record", d)
		}
	}

	different := []Demographics{
		{LastName: "Nunez", FirstName: "Jose", DOB: "1985-06-11", MRN: "3456"},
		{LastName: "Nunez", FirstName: "Juan", DOB: "1985-06-10", MRN: "3456"},
		{LastName: "Nunez", FirstName: "Jose", DOB: "1985-06-10", MRN: "3457"},
	}
	for _, d := range different {
		if p, _ := Fingerprint(d); p.FP == base.FP {
			t.Errorf("%+v must not collide with the base record", d)
		}
	}
}

func TestFingerprint_Preview(t *testing.T) {
	p, err := Fingerprint(Demographics{LastName: "O'Brien", FirstName: "Jane", DOB: "1985-06-10", MRN: "00123456"})
	if err != nil {
		t.Fatal(err)
	}
	if want := "J.O. DOB 1985-**-** MRN ***3456"; p.Preview != want {
		t.Errorf("preview: got %q, want %q", p.Preview, want)
	}

	p, _ = Fingerprint(Demographics{LastName: "Doe", DOB: "sometime in spring"})
	if want := "D. DOB ****"; p.Preview != want {
		t.Errorf("preview with unparsed DOB: got %q, want %q", p.Preview, want)
	}
}

func TestFingerprint_Insufficient(t *testing.T) {
	if _, err := Fingerprint(Demographics{FirstName: "Jane", MRN: "1234"}); !errors.Is(err, ErrInsufficientDemographics) {
		t.Errorf("got %v, want ErrInsufficientDemographics", err)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"  O'Brien-Núñez ": "obrien nunez",
		"Zoë":              "zoe",
		"van  der   Berg":  "van der berg",
		"":                 "",
	}
	for in, want := range cases {
		if got := normalizeName(in); got != want {
			t.Errorf("normalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
