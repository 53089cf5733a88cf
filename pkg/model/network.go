package model

import (
	"fmt"
	"net"
	"strconv"
)

// NetworkStats is the network part of a snapshot. The byte counters are
// cumulative since the sensor started, exclude loopback and never decrease
// when an interface counter resets or the interface goes away.
type NetworkStats struct {
	BytesSent          uint64           `json:"bytes_sent"`
	BytesReceived      uint64           `json:"bytes_received"`
	Connections        []ConnectionInfo `json:"connections"`
	SuspiciousActivity []string         `json:"suspicious_activity"`
}

// Protocol is an IP protocol number. Values other than the named ones print
// as Other(code).
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMP:
		return "ICMP"
	default:
		return fmt.Sprintf("Other(%d)", uint8(p))
	}
}

// ConnectionState is the coarse socket state tracked per connection.
type ConnectionState string

const (
	StateEstablished ConnectionState = "Established"
	StateListen      ConnectionState = "Listen"
	StateClosed      ConnectionState = "Closed"
	StateUnknown     ConnectionState = "Unknown"
)

// ConnectionInfo is one observed connection. Addresses are host:port.
type ConnectionInfo struct {
	LocalAddr  string          `json:"local_addr"`
	RemoteAddr string          `json:"remote_addr"`
	Protocol   Protocol        `json:"protocol"`
	State      ConnectionState `json:"state"`
	ProcessID  *int32          `json:"process_id,omitempty"`
	DNSName    *string         `json:"dns_name,omitempty"`
}

// Key returns the src-ip:src-port-dst-ip:dst-port tuple identifying c.
func (c ConnectionInfo) Key() string {
	return c.LocalAddr + "-" + c.RemoteAddr
}

// RemotePort extracts the remote port, or 0 when the address has none.
func (c ConnectionInfo) RemotePort() uint16 {
	_, port, err := net.SplitHostPort(c.RemoteAddr)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// RemoteHost extracts the remote host part of the address.
func (c ConnectionInfo) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.RemoteAddr)
	if err != nil {
		return c.RemoteAddr
	}
	return host
}

// Clone copies the optional fields.
func (c ConnectionInfo) Clone() ConnectionInfo {
	if c.ProcessID != nil {
		pid := *c.ProcessID
		c.ProcessID = &pid
	}
	if c.DNSName != nil {
		name := *c.DNSName
		c.DNSName = &name
	}
	return c
}
