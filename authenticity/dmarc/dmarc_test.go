package dmarc

import (
	"fmt"
	"testing"

	"github.com/duskmail/duskmail/authenticity/dkim"
	"github.com/duskmail/duskmail/authenticity/spf"
)

type fakeResolver struct {
	txt map[string][]string
}

func (f *fakeResolver) LookupTXT(name string) ([]string, error) {
	if v, ok := f.txt[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no record: %s", name)
}

func TestParseRecordDefaults(t *testing.T) {
	rec, isDMARC, err := ParseRecord("v=DMARC1; p=reject")
	if err != nil || !isDMARC {
		t.Fatalf("unexpected error=%v isDMARC=%v", err, isDMARC)
	}
	if rec.Policy != PolicyReject || rec.SubdomainPolicy != PolicyReject {
		t.Fatalf("unexpected policy %v/%v", rec.Policy, rec.SubdomainPolicy)
	}
	if rec.AlignDKIM != AlignRelaxed || rec.AlignSPF != AlignRelaxed || rec.Percent != 100 {
		t.Fatalf("unexpected defaults: %+v", rec)
	}
}

func TestParseRecordNotDMARC(t *testing.T) {
	_, isDMARC, err := ParseRecord("v=spf1 -all")
	if err != nil || isDMARC {
		t.Fatalf("expected isDMARC=false, got %v err=%v", isDMARC, err)
	}
}

func TestLookupWalksToParent(t *testing.T) {
	resolver := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.org": {"v=DMARC1; p=quarantine; sp=reject"},
	}}
	rec, err := Lookup(resolver, "mail.sub.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected a record from the parent domain")
	}
	if rec.Policy != PolicyQuarantine || rec.SubdomainPolicy != PolicyReject {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestLookupNoneFound(t *testing.T) {
	resolver := &fakeResolver{txt: map[string][]string{}}
	rec, err := Lookup(resolver, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected no record, got %+v", rec)
	}
}

func TestLookupMultipleRecordsEnforcesReject(t *testing.T) {
	resolver := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.org": {"v=DMARC1; p=none", "v=DMARC1; p=quarantine"},
	}}
	rec, err := Lookup(resolver, "example.org")
	if err != ErrMultipleRecords {
		t.Fatalf("expected ErrMultipleRecords, got rec=%+v err=%v", rec, err)
	}
	if rec != nil {
		t.Fatalf("expected no record alongside ErrMultipleRecords, got %+v", rec)
	}
}

func TestEvaluateAlignedDKIM(t *testing.T) {
	rec := &Record{Policy: PolicyReject, SubdomainPolicy: PolicyReject, AlignDKIM: AlignRelaxed, AlignSPF: AlignRelaxed, Domain: "example.org"}
	args := EvalArgs{
		FromDomain: "example.org",
		DKIM:       []dkim.Result{{Status: dkim.StatusPass, Domain: "example.org"}},
		SPFResult:  spf.Fail,
	}
	res := Evaluate(rec, args)
	if !res.Aligned {
		t.Fatal("expected aligned pass via DKIM")
	}
}

func TestEvaluateRelaxedAlignmentIsSuffixNotSiblings(t *testing.T) {
	rec := &Record{Policy: PolicyReject, SubdomainPolicy: PolicyReject, AlignDKIM: AlignRelaxed, AlignSPF: AlignRelaxed, Domain: "example.com"}

	// A DKIM domain of which the From domain is a dot-boundary suffix aligns.
	sub := Evaluate(rec, EvalArgs{
		FromDomain: "example.com",
		DKIM:       []dkim.Result{{Status: dkim.StatusPass, Domain: "mail.example.com"}},
		SPFResult:  spf.Fail,
	})
	if !sub.Aligned {
		t.Fatal("expected mail.example.com to align with example.com")
	}

	// Two domains that merely share a registrable suffix, without one being
	// a dot-boundary suffix of the other, must not align.
	siblings := Evaluate(rec, EvalArgs{
		FromDomain: "a.example.com",
		DKIM:       []dkim.Result{{Status: dkim.StatusPass, Domain: "b.example.com"}},
		SPFResult:  spf.Fail,
	})
	if siblings.Aligned {
		t.Fatal("expected a.example.com and b.example.com not to align")
	}
}

func TestEvaluateUnalignedFails(t *testing.T) {
	rec := &Record{Policy: PolicyReject, SubdomainPolicy: PolicyReject, AlignDKIM: AlignStrict, AlignSPF: AlignStrict, Domain: "example.org"}
	args := EvalArgs{
		FromDomain: "example.org",
		DKIM:       []dkim.Result{{Status: dkim.StatusPass, Domain: "other.org"}},
		SPFResult:  spf.Fail,
	}
	res := Evaluate(rec, args)
	if res.Aligned {
		t.Fatal("expected not aligned")
	}
	if res.AppliedPolicy != PolicyReject {
		t.Fatalf("expected reject policy, got %v", res.AppliedPolicy)
	}
}

func TestShouldSampleBounds(t *testing.T) {
	if ShouldSample(0) {
		t.Fatal("pct=0 must never enforce")
	}
	if !ShouldSample(100) {
		t.Fatal("pct=100 must always enforce")
	}
}

func TestAuthenticationResultsFormat(t *testing.T) {
	eval := &EvalResult{Aligned: false, AppliedPolicy: PolicyQuarantine, Record: &Record{Domain: "example.org"}}
	got := AuthenticationResults("mail.example.net", spf.Pass, "alice@example.org", []dkim.Result{{Status: dkim.StatusPass, Domain: "example.org"}}, eval)
	want := "mail.example.net;\r\n\tspf=pass smtp.mailfrom=alice@example.org;\r\n\tdkim=pass header.d=example.org;\r\n\tdmarc=fail policy=quarantine"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
