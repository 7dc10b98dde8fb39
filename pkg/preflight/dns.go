package preflight

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/miekg/dns"
)

// ResolvConf is read for nameservers when none are configured
const ResolvConf = "/etc/resolv.conf"

// DNSChecker passes when Host resolves to an IPv4 address through one of
// Servers. IP literals and localhost pass without a query.
type DNSChecker struct {
	Host    string
	Servers []string // host:port; empty reads ResolvConf
	Client  *dns.Client
}

// NewDNSChecker creates a checker for the host part of serverURL
func NewDNSChecker(serverURL string) *DNSChecker {
	host := serverURL
	if u, err := url.Parse(serverURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return &DNSChecker{
		Host:   host,
		Client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

// Check sends an A query to each server until one answers
func (d *DNSChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if net.ParseIP(d.Host) != nil || d.Host == "localhost" {
		return result(start, true, d.Host+" needs no lookup")
	}

	servers := d.Servers
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(ResolvConf)
		if err != nil {
			return result(start, false, fmt.Sprintf("no nameservers: %v", err))
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(d.Host), dns.TypeA)

	var lastErr error
	for _, server := range servers {
		resp, _, err := d.Client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return result(start, false, fmt.Sprintf("%s: %s from %s", d.Host, dns.RcodeToString[resp.Rcode], server))
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				return result(start, true, fmt.Sprintf("%s is %s", d.Host, a.A))
			}
		}
		return result(start, false, fmt.Sprintf("%s has no A record", d.Host))
	}

	if lastErr == nil {
		return result(start, false, "no nameservers")
	}
	return result(start, false, fmt.Sprintf("lookup failed: %v", lastErr))
}

func (d *DNSChecker) Type() CheckType {
	return CheckTypeDNS
}
