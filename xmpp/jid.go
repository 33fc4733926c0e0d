package xmpp

import (
	"fmt"
	"strings"
)

// JID is an XMPP address. A bare JID has no resource; a full JID
// carries the connected-resource qualifier after the slash.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// ParseJID parses "local@domain/resource" into a JID. The local part and
// resource are optional; the domain is not.
func ParseJID(s string) (JID, error) {
	var j JID
	if at := strings.Index(s, "@"); at >= 0 {
		j.Local = s[:at]
		s = s[at+1:]
	}
	if slash := strings.Index(s, "/"); slash >= 0 {
		j.Domain = s[:slash]
		j.Resource = s[slash+1:]
	} else {
		j.Domain = s
	}
	if j.Domain == "" {
		return JID{}, fmt.Errorf("jid %q has no domain", s)
	}
	return j, nil
}

// MustParseJID is ParseJID for static addresses; panics on error.
func MustParseJID(s string) JID {
	j, err := ParseJID(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Bare returns the JID without its resource.
func (j JID) Bare() JID {
	j.Resource = ""
	return j
}

// IsBare reports whether the JID has no resource qualifier.
func (j JID) IsBare() bool {
	return j.Resource == ""
}

// IsZero reports whether the JID is unset.
func (j JID) IsZero() bool {
	return j.Local == "" && j.Domain == "" && j.Resource == ""
}

// BareEquals reports whether both JIDs refer to the same bare address.
func (j JID) BareEquals(o JID) bool {
	return j.Local == o.Local && j.Domain == o.Domain
}

func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteString("@")
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteString("/")
		b.WriteString(j.Resource)
	}
	return b.String()
}
