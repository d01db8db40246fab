package account

import (
	"testing"
)

func TestParseRegion(t *testing.T) {
	cases := map[string]Region{
		"":       RegionUS,
		"us":     RegionUS,
		" ca ":   RegionCA,
		"EU":     RegionEU,
		"mars":   RegionUS,
		"Canada": RegionUS,
	}
	for input, expected := range cases {
		if r := ParseRegion(input); r != expected {
			t.Errorf("ParseRegion(%q) = %s, expected %s", input, r, expected)
		}
	}
}

func TestParseBrand(t *testing.T) {
	cases := map[string]Brand{
		"":         BrandHyundai,
		"hyundai":  BrandHyundai,
		"KIA":      BrandKia,
		" kia ":    BrandKia,
		"Genesis":  BrandGenesis,
		"ford":     BrandHyundai,
		"HYUNDAI ": BrandHyundai,
	}
	for input, expected := range cases {
		if b := ParseBrand(input); b != expected {
			t.Errorf("ParseBrand(%q) = %s, expected %s", input, b, expected)
		}
	}
}

func TestCredentialsComplete(t *testing.T) {
	full := Credentials{Username: "u", Password: "p", PIN: "1234"}
	if !full.Complete() {
		t.Error("Expected credentials to be complete")
	}
	if len(full.Missing()) != 0 {
		t.Errorf("Unexpected missing fields: %v", full.Missing())
	}

	partial := Credentials{Username: "u"}
	if partial.Complete() {
		t.Error("Expected credentials without password and PIN to be incomplete")
	}
	missing := partial.Missing()
	if len(missing) != 2 || missing[0] != "password" || missing[1] != "pin" {
		t.Errorf("Unexpected missing fields: %v", missing)
	}
}
