package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"net"
	"net/netip"
)

var (
	ErrOriginRejected     = errors.New("only localhost is allowed to send emails")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Policy decides whether an SMTP client may authenticate: the connection
// must come from loopback unless external clients are allowed, and the
// credentials must match exactly.
type Policy struct {
	username      string
	password      string
	allowExternal bool
}

func New(username, password string, allowExternal bool) *Policy {
	return &Policy{username: username, password: password, allowExternal: allowExternal}
}

func (p *Policy) CheckOrigin(addr net.Addr) error {
	if p.allowExternal || IsLoopback(addr) {
		return nil
	}
	return ErrOriginRejected
}

func (p *Policy) Verify(username, password string) error {
	userOK := equal(username, p.username)
	passOK := equal(password, p.password)
	if userOK && passOK {
		return nil
	}
	return ErrInvalidCredentials
}

// Authenticate applies both checks, origin first.
func (p *Policy) Authenticate(addr net.Addr, username, password string) error {
	if err := p.CheckOrigin(addr); err != nil {
		return err
	}
	return p.Verify(username, password)
}

func IsLoopback(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.IsLoopback()
	case *net.UnixAddr:
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.Unmap().IsLoopback()
}

// equal compares digests so the comparison time does not depend on where
// the inputs first differ.
func equal(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return hmac.Equal(da[:], db[:])
}
