// Package policy evaluates system snapshots against a rule set and reports
// every violation found in a single combined description.
package policy

// Policy is the rule set applied to every snapshot. It is assembled at
// startup (see config.PolicyConfig) and swapped whole on reload.
type Policy struct {
	MaxCPUUsage               float64
	MaxMemoryUsage            float64
	SuspiciousProcesses       []string
	AllowedPorts              []uint16
	AllowedDomains            []string
	AllowedSigningAuthorities []string
	AllowedPaths              []string
	VerifyCodeSigning         bool
	VerifyIntegrity           bool
}

// DefaultPolicy returns the built-in rule set.
func DefaultPolicy() Policy {
	return Policy{
		MaxCPUUsage:    90.0,
		MaxMemoryUsage: 90.0,
		SuspiciousProcesses: []string{
			"netcat", "ncat", "nmap", "wireshark", "tshark",
			"tcpdump", "socat", "meterpreter",
		},
		AllowedPorts: []uint16{80, 443, 53, 22, 5432, 3306, 8080},
		AllowedDomains: []string{
			"github.com", "api.github.com", "registry.npmjs.org",
			"pypi.org", "localhost", "127.0.0.1",
		},
		AllowedSigningAuthorities: []string{"Apple", "Apple Development", "Developer ID Application"},
		AllowedPaths: []string{
			"/usr/bin", "/bin", "/sbin", "/usr/sbin", "/usr/lib", "/usr/libexec",
			"/usr/local/bin", "/usr/local/sbin", "/opt", "/snap",
		},
		VerifyCodeSigning: true,
		VerifyIntegrity:   true,
	}
}

// Clone returns a copy that shares no slices with p.
func (p Policy) Clone() Policy {
	out := p
	out.SuspiciousProcesses = append([]string(nil), p.SuspiciousProcesses...)
	out.AllowedPorts = append([]uint16(nil), p.AllowedPorts...)
	out.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	out.AllowedSigningAuthorities = append([]string(nil), p.AllowedSigningAuthorities...)
	out.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	return out
}
