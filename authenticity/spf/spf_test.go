package spf

import (
	"fmt"
	"net"
	"testing"
)

type fakeResolver struct {
	txt map[string][]string
	a   map[string][]net.IP
	mx  map[string][]MXHost
}

func (f *fakeResolver) LookupTXT(name string) ([]string, error) {
	if v, ok := f.txt[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no txt: %s", name)
}

func (f *fakeResolver) LookupA(name string) ([]net.IP, error) {
	if v, ok := f.a[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no a: %s", name)
}

func (f *fakeResolver) LookupAAAA(name string) ([]net.IP, error) {
	return nil, fmt.Errorf("no aaaa: %s", name)
}

func (f *fakeResolver) LookupMX(name string) ([]MXHost, error) {
	if v, ok := f.mx[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no mx: %s", name)
}

func TestEvaluateIP4Pass(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org": {"v=spf1 ip4:203.0.113.5 -all"},
	}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("203.0.113.5")})
	if err != nil {
		t.Fatal(err)
	}
	if result != Pass {
		t.Fatalf("expected pass, got %v", result)
	}
}

func TestEvaluateAllFail(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org": {"v=spf1 ip4:203.0.113.5 -all"},
	}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("198.51.100.9")})
	if err != nil {
		t.Fatal(err)
	}
	if result != Fail {
		t.Fatalf("expected fail, got %v", result)
	}
}

func TestEvaluateNoRecordIsNone(t *testing.T) {
	// The domain answers with no TXT records at all; a failed lookup would
	// be a DNS error and yield temperror instead.
	r := &fakeResolver{txt: map[string][]string{"example.org": {}}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("203.0.113.5")})
	if err != nil {
		t.Fatal(err)
	}
	if result != None {
		t.Fatalf("expected none, got %v", result)
	}
}

func TestEvaluateInclude(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org":    {"v=spf1 include:spf.provider.net -all"},
		"spf.provider.net": {"v=spf1 ip4:203.0.113.5 ~all"},
	}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("203.0.113.5")})
	if err != nil {
		t.Fatal(err)
	}
	if result != Pass {
		t.Fatalf("expected pass via include, got %v", result)
	}
}

func TestEvaluateRedirect(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org":    {"v=spf1 redirect=spf.provider.net"},
		"spf.provider.net": {"v=spf1 ip4:203.0.113.5 -all"},
	}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("203.0.113.5")})
	if err != nil {
		t.Fatal(err)
	}
	if result != Pass {
		t.Fatalf("expected pass via redirect, got %v", result)
	}
}

func TestEvaluateSoftFailAndNeutral(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org": {"v=spf1 ip4:203.0.113.5 ~all"},
	}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("198.51.100.9")})
	if err != nil {
		t.Fatal(err)
	}
	if result != SoftFail {
		t.Fatalf("expected softfail, got %v", result)
	}

	r2 := &fakeResolver{txt: map[string][]string{
		"example.org": {"v=spf1 ip4:203.0.113.5 ?all"},
	}}
	result2, err := Evaluate(r2, "example.org", Args{IP: net.ParseIP("198.51.100.9")})
	if err != nil {
		t.Fatal(err)
	}
	if result2 != Neutral {
		t.Fatalf("expected neutral, got %v", result2)
	}
}

func TestLookupBudgetExceeded(t *testing.T) {
	txt := map[string][]string{}
	txt["example.org"] = []string{"v=spf1 include:a0.example.org -all"}
	for i := 0; i < 15; i++ {
		txt[fmt.Sprintf("a%d.example.org", i)] = []string{fmt.Sprintf("v=spf1 include:a%d.example.org -all", i+1)}
	}
	r := &fakeResolver{txt: txt}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("203.0.113.5")})
	if err == nil {
		t.Fatal("expected a lookup-budget error")
	}
	if result != TempError && result != PermError {
		t.Fatalf("expected an error result, got %v", result)
	}
}

func TestMacroExpansionIAndD(t *testing.T) {
	st := &evalState{args: Args{IP: net.ParseIP("203.0.113.5"), MailFromLocalpart: "alice", MailFromDomain: "example.org", HeloDomain: "mail.example.org"}}
	got := st.expandMacros("%{i}.%{d}", "example.org")
	if got != "203.0.113.5.example.org" {
		t.Fatalf("unexpected expansion: %q", got)
	}
}

func TestMacroExpansionEscapesAndReverse(t *testing.T) {
	st := &evalState{args: Args{IP: net.ParseIP("203.0.113.5")}}
	got := st.expandMacros("%{i}%%%_end", "example.org")
	if got != "203.0.113.5% end" {
		t.Fatalf("unexpected expansion: %q", got)
	}
	reversed := st.expandDirective("d2r", "mail.example.org")
	if reversed != "example.mail" {
		t.Fatalf("unexpected reverse expansion: %q", reversed)
	}
}

func TestUnknownMechanismIsPermError(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"example.org": {"v=spf1 bogusmech -all"},
	}}
	result, err := Evaluate(r, "example.org", Args{IP: net.ParseIP("203.0.113.5")})
	if err == nil {
		t.Fatal("expected an error for unknown mechanism")
	}
	if result != PermError {
		t.Fatalf("expected permerror, got %v", result)
	}
}
