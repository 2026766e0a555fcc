package smtpserver

import (
	"net"

	"github.com/duskmail/duskmail/authenticity/spf"
	"github.com/duskmail/duskmail/dnsresolve"
)

// spfResolverAdapter adapts dnsresolve.Resolver's LookupMX (which returns
// []dnsresolve.MXRecord{Preference, Host}) to authenticity/spf.Resolver's
// narrower []spf.MXHost{Host} shape.
type spfResolverAdapter struct {
	r *dnsresolve.Resolver
}

func (a spfResolverAdapter) LookupTXT(name string) ([]string, error) { return a.r.LookupTXT(name) }
func (a spfResolverAdapter) LookupA(name string) ([]net.IP, error)   { return a.r.LookupA(name) }
func (a spfResolverAdapter) LookupAAAA(name string) ([]net.IP, error) {
	return a.r.LookupAAAA(name)
}

func (a spfResolverAdapter) LookupMX(name string) ([]spf.MXHost, error) {
	recs, err := a.r.LookupMX(name)
	if err != nil {
		return nil, err
	}
	out := make([]spf.MXHost, len(recs))
	for i, rec := range recs {
		out[i] = spf.MXHost{Host: rec.Host}
	}
	return out, nil
}
