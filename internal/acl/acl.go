// Package acl implements network, client-certificate and password based
// access control, and the allow/deny command gating applied once a session
// has been bound to an entry.
package acl

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// network128 holds a 128-bit address in four big-endian 32-bit words. IPv4
// addresses occupy the first word only; the remaining three stay zero. This
// is NOT the conventional ::ffff:a.b.c.d v4-in-v6 mapping — it mirrors the
// layout produced by inet_pton(AF_INET, ...) writing into a struct
// in6_addr-sized buffer, which is what the original ACL matcher compares
// against.
type network128 [4]uint32

// Net is a parsed, pre-masked CIDR network.
type Net struct {
	Bits    int
	Network network128
}

// ParseNet parses a CIDR string such as "10.0.0.0/8" or "fe80::/64". A bare
// address without a prefix length defaults to /32 for IPv4 or /128 for
// IPv6, matching acl_net_init.
func ParseNet(cidr string) (Net, error) {
	addrPart := cidr
	bits := -1

	if slash := strings.IndexByte(cidr, '/'); slash >= 0 {
		addrPart = cidr[:slash]
		n, err := strconv.Atoi(cidr[slash+1:])
		if err != nil || n < 0 {
			return Net{}, fmt.Errorf("acl: invalid prefix length in %q", cidr)
		}
		bits = n
	}

	full, family, err := fullNetwork(addrPart)
	if err != nil {
		return Net{}, err
	}
	if bits < 0 {
		if family == 6 {
			bits = 128
		} else {
			bits = 32
		}
	}
	if bits < 0 || bits > 128 {
		return Net{}, fmt.Errorf("acl: invalid prefix length %d in %q", bits, cidr)
	}

	return Net{Bits: bits, Network: maskNetwork(full, bits)}, nil
}

// fullNetwork parses a bare address into its 128-bit representation and
// reports the address family it was parsed as (4 or 6), decided the same
// way acl_net_init decides it: by the presence of a colon.
func fullNetwork(address string) (network128, int, error) {
	family := 4
	if strings.IndexByte(address, ':') >= 0 {
		family = 6
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return network128{}, 0, fmt.Errorf("acl: invalid address %q", address)
	}

	var full network128
	if family == 4 {
		v4 := ip.To4()
		if v4 == nil {
			return network128{}, 0, fmt.Errorf("acl: %q is not an IPv4 address", address)
		}
		full[0] = binary.BigEndian.Uint32(v4)
	} else {
		v6 := ip.To16()
		if v6 == nil {
			return network128{}, 0, fmt.Errorf("acl: %q is not an IPv6 address", address)
		}
		for i := 0; i < 4; i++ {
			full[i] = binary.BigEndian.Uint32(v6[i*4 : i*4+4])
		}
	}

	return full, family, nil
}

func maskNetwork(full network128, bits int) network128 {
	var out network128
	fullWords := bits / 32
	partial := bits % 32
	copy(out[:fullWords], full[:fullWords])
	if partial > 0 && fullWords < 4 {
		mask := ^uint32(0) << (32 - partial)
		out[fullWords] = full[fullWords] & mask
	}
	return out
}

// Entry is one configured ACL: an identity (matched by network, client
// certificate common name or AUTH password) plus the command gate applied
// to sessions bound to it.
type Entry struct {
	ID    string
	Auth  string
	Cert  string
	Nets  []Net
	Allow []string
	Deny  []string
}

// Store holds the configured ACL entries in declaration order. Order
// matters: MatchNet breaks prefix-length ties in favor of the
// first-declared entry.
type Store struct {
	entries []Entry
}

// NewStore builds a Store from already-parsed entries, preserving order.
func NewStore(entries []Entry) *Store {
	return &Store{entries: append([]Entry(nil), entries...)}
}

// Config is the JSON-tagged configuration group for one ACL entry, as it
// appears under the top-level config tree's "acl" list.
type Config struct {
	ID    string   `json:"id"`
	Auth  string   `json:"auth,omitempty"`
	Cert  string   `json:"cert,omitempty"`
	Net   []string `json:"net,omitempty"`
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// BuildStore parses a list of config groups into a Store, in declaration
// order, failing fast on config-fatal conditions: an empty or duplicate
// id, or a malformed CIDR.
func BuildStore(cfgs []Config) (*Store, error) {
	seen := make(map[string]bool, len(cfgs))
	entries := make([]Entry, 0, len(cfgs))

	for _, c := range cfgs {
		if c.ID == "" {
			return nil, fmt.Errorf("acl: entry with empty id")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("acl: duplicate id %q", c.ID)
		}
		seen[c.ID] = true

		nets := make([]Net, 0, len(c.Net))
		for _, cidr := range c.Net {
			n, err := ParseNet(cidr)
			if err != nil {
				return nil, fmt.Errorf("acl %q: %w", c.ID, err)
			}
			nets = append(nets, n)
		}

		entries = append(entries, Entry{
			ID:    c.ID,
			Auth:  c.Auth,
			Cert:  c.Cert,
			Nets:  nets,
			Allow: c.Allow,
			Deny:  c.Deny,
		})
	}

	return NewStore(entries), nil
}

// ByID returns the entry with the given id, or nil.
func (s *Store) ByID(id string) *Entry {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return &s.entries[i]
		}
	}
	return nil
}

// MatchNet returns the entry whose configured network best matches
// address, preferring the longest matching prefix. On a tie in prefix
// length, the entry declared earlier wins; this is load-bearing because
// the original matcher only replaces its running result on a strictly
// longer match.
func (s *Store) MatchNet(address string) *Entry {
	full, _, err := fullNetwork(address)
	if err != nil {
		return nil
	}

	var result *Entry
	bestBits := -1
	for i := range s.entries {
		e := &s.entries[i]
		for _, n := range e.Nets {
			if n.Bits <= 0 {
				continue
			}
			if maskNetwork(full, n.Bits) == n.Network {
				if result == nil || bestBits < n.Bits {
					result = e
					bestBits = n.Bits
				}
			}
		}
	}
	return result
}

// MatchAuth returns the first entry (in declaration order) whose password
// equals auth, or nil.
func (s *Store) MatchAuth(auth string) *Entry {
	for i := range s.entries {
		if s.entries[i].Auth != "" && s.entries[i].Auth == auth {
			return &s.entries[i]
		}
	}
	return nil
}

// MatchCert returns the first entry (in declaration order) whose configured
// certificate common name equals cn, or nil.
func (s *Store) MatchCert(cn string) *Entry {
	for i := range s.entries {
		if s.entries[i].Cert != "" && s.entries[i].Cert == cn {
			return &s.entries[i]
		}
	}
	return nil
}

// Gate reports whether cmd (a command name, not case-normalized) is
// permitted for entry, which may be nil (no bound ACL, nothing configured).
//
// With no allow list, a deny list flips the default from block to pass and
// each match flips it back to block; an allow list starts from block and
// each match flips to pass. Either way, only the first matching list entry
// applies: matching is a toggle, not an accumulation.
//
// Matching a list entry against cmd is prefix-bounded to the shorter of the
// two: an allow entry of "ge" matches a command of "get". A zero-length
// comparison (an empty entry, or an empty command name) always counts as a
// match, mirroring strncasecmp(..., 0).
func Gate(entry *Entry, cmd []byte) bool {
	pass := false
	var list []string
	if entry != nil {
		list = entry.Allow
		if list == nil && entry.Deny != nil {
			list = entry.Deny
			pass = true
		}
	}
	for _, name := range list {
		if prefixEqualFold(cmd, name) {
			pass = !pass
			break
		}
	}
	return pass
}

func prefixEqualFold(cmd []byte, name string) bool {
	n := len(name)
	if len(cmd) < n {
		n = len(cmd)
	}
	if n == 0 {
		return true
	}
	return strings.EqualFold(string(cmd[:n]), name[:n])
}
