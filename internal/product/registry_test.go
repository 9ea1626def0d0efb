package product

import (
	"errors"
	"testing"
)

func TestGranularityOrdering(t *testing.T) {
	if !Hourly.FinerThan(Daily) {
		t.Fatal("hourly should be finer than daily")
	}
	if Monthly.FinerThan(Weekly) {
		t.Fatal("monthly should not be finer than weekly")
	}
	if Hourly.FinerThan(Hourly) {
		t.Fatal("a granularity is not finer than itself")
	}
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity(" Quarterly ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g != Quarterly {
		t.Fatalf("got %v, want quarterly", g)
	}
	if _, err := ParseGranularity("fortnightly"); err == nil {
		t.Fatal("expected error for unknown granularity")
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := Default()

	metric, ok := reg.Metric("rosa", MetricCores)
	if !ok {
		t.Fatal("rosa Cores metric missing")
	}
	if metric.AWSDimension != "four_vcpu_hour" || metric.BillingFactor != 0.25 {
		t.Fatalf("unexpected metric config: %+v", metric)
	}

	if _, ok := reg.Metric("rosa", "Transfer-gibibytes"); ok {
		t.Fatal("unknown metric should not resolve")
	}

	g, err := reg.FinestGranularity("rhel-for-x86")
	if err != nil {
		t.Fatalf("finest granularity: %v", err)
	}
	if g != Daily {
		t.Fatalf("got %v, want daily", g)
	}

	if _, err := reg.FinestGranularity("no-such-product"); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("want ErrUnknownProduct, got %v", err)
	}
}

func TestRegistryTagTables(t *testing.T) {
	reg := Default()

	tags := reg.TagsForEngProduct("69")
	if len(tags) != 1 || tags[0] != "rhel-for-x86" {
		t.Fatalf("eng id 69: got %v", tags)
	}

	tag, ok := reg.TagForRole("Red Hat Enterprise Linux Server")
	if !ok || tag != "rhel-for-x86" {
		t.Fatalf("role lookup: got %q ok=%v", tag, ok)
	}

	if !HasRHELTag([]string{"rosa", "rhel-for-x86"}) {
		t.Fatal("rhel tag not detected")
	}
	if HasRHELTag([]string{"rosa"}) {
		t.Fatal("rosa alone is not a rhel tag")
	}
}

func TestRegistryCPUSystemFactsOptIn(t *testing.T) {
	reg := Default()

	if !reg.UsesCPUSystemFacts([]string{"rhel-for-x86-els-payg"}) {
		t.Fatal("els payg should opt into cpu system facts")
	}
	if reg.UsesCPUSystemFacts([]string{"rhel-for-x86"}) {
		t.Fatal("rhel-for-x86 should not opt in")
	}
}
