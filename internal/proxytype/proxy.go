// Package proxytype holds the immutable Proxy value type and its mutable
// ProxyScore aggregate.
package proxytype

import "fmt"

// Transport identifies the wire protocol a proxy speaks.
type Transport string

const (
	HTTP   Transport = "http"
	HTTPS  Transport = "https"
	SOCKS4 Transport = "socks4"
	SOCKS5 Transport = "socks5"
)

// Anonymity classifies how much a proxy reveals about the caller.
type Anonymity string

const (
	Transparent Anonymity = "transparent"
	Anonymous   Anonymity = "anonymous"
	Elite       Anonymity = "elite"
)

// Credentials holds optional proxy-auth credentials.
type Credentials struct {
	User string
	Pass string
}

// Metadata holds optional provenance fields that do not affect identity.
type Metadata struct {
	Country   string
	Region    string
	ISP       string
	Anonymity Anonymity
}

// Proxy is an immutable value type. Equality is identity-only: two proxies
// are the same proxy iff Host and Port match, regardless of transport or
// metadata differences reported by different sources.
type Proxy struct {
	Host        string
	Port        int
	Transport   Transport
	Credentials *Credentials
	Metadata    Metadata
}

// ID returns the host:port identity key used everywhere a proxy needs to
// be looked up by identity (cache keys, score map keys, lease map keys).
func (p Proxy) ID() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Equal reports identity equality, ignoring transport/credentials/metadata.
func (p Proxy) Equal(other Proxy) bool {
	return p.Host == other.Host && p.Port == other.Port
}

// DialAddr returns the host:port to dial regardless of transport.
func (p Proxy) DialAddr() string {
	return p.ID()
}
