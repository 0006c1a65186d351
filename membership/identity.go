package membership

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/twmb/murmur3"
)

// DefaultDurableTimeout is the durable client timeout written to the wire
// when a member has no durable attributes.
const DefaultDurableTimeout = 300

// DurableAttrs describes a durable client. The zero value means the member
// has no durable attributes.
type DurableAttrs struct {
	ID      string
	Timeout int32
}

// Identity names a single cluster participant. It is an immutable value:
// the few fields that can change during a member's lifetime (direct port,
// process id, view id, groups) are updated through the Member wrapper, which
// publishes a fresh Identity snapshot on every change.
//
// A partial identity carries only the fields needed for comparison and
// routing. Accessing role or durable attributes on one is a programming
// error and panics.
type Identity struct {
	addr          net.IP
	port          int
	hostname      string
	directPort    int
	processID     int32
	kind          Kind
	viewID        int32
	uniqueTag     string
	name          string
	groups        []string
	durable       DurableAttrs
	version       uint16
	splitBrain    bool
	coordEligible bool
	partial       bool
}

// IdentityConfig carries the construction-time attributes of an identity.
type IdentityConfig struct {
	Addr                net.IP
	Port                int
	Hostname            string
	DirectPort          int
	ProcessID           int32
	Kind                Kind
	ViewID              int32 // -1 when the member has not been born into a view yet
	UniqueTag           string
	Name                string
	Groups              []string
	Durable             DurableAttrs
	SplitBrainEnabled   bool
	CoordinatorEligible bool
}

// NewIdentity builds a full (non-partial) identity from the given config.
func NewIdentity(conf IdentityConfig) (Identity, error) {
	if !conf.Kind.Valid() {
		return Identity{}, ErrMalformedIdentity.New(fmt.Sprintf("invalid member kind: %d", conf.Kind))
	}

	addr := normalizeAddr(conf.Addr)
	if addr == nil {
		return Identity{}, ErrMalformedIdentity.New(fmt.Sprintf("address must be 4 or 16 bytes, got %d", len(conf.Addr)))
	}

	hostname := conf.Hostname
	if hostname == "" {
		hostname = addr.String()
	}

	// View ids start at 1, so anything below that means not yet born.
	viewID := conf.ViewID
	if viewID <= 0 {
		viewID = -1
	}

	return Identity{
		addr:          addr,
		port:          conf.Port,
		hostname:      hostname,
		directPort:    conf.DirectPort,
		processID:     conf.ProcessID,
		kind:          conf.Kind,
		viewID:        viewID,
		uniqueTag:     conf.UniqueTag,
		name:          conf.Name,
		groups:        append([]string(nil), conf.Groups...),
		durable:       conf.Durable,
		version:       uint16(FormatCurrent),
		splitBrain:    conf.SplitBrainEnabled,
		coordEligible: conf.CoordinatorEligible,
	}, nil
}

// normalizeAddr brings the address to its 4-byte form when possible, since
// the same host must compare equal whether it was parsed as v4 or v4-in-v6.
func normalizeAddr(addr net.IP) net.IP {
	if v4 := addr.To4(); v4 != nil {
		return v4
	}

	if len(addr) == net.IPv6len {
		return addr
	}

	return nil
}

func (id Identity) Addr() net.IP      { return id.addr }
func (id Identity) Port() int         { return id.port }
func (id Identity) Hostname() string  { return id.hostname }
func (id Identity) DirectPort() int   { return id.directPort }
func (id Identity) ProcessID() int32  { return id.processID }
func (id Identity) Kind() Kind        { return id.kind }
func (id Identity) ViewID() int32     { return id.viewID }
func (id Identity) UniqueTag() string { return id.uniqueTag }
func (id Identity) Name() string      { return id.name }
func (id Identity) Version() uint16   { return id.version }
func (id Identity) IsPartial() bool   { return id.partial }
func (id Identity) IsLoner() bool     { return id.kind == KindLoner }

func (id Identity) SplitBrainEnabled() bool   { return id.splitBrain }
func (id Identity) CoordinatorEligible() bool { return id.coordEligible }

// RoleNames returns the member's group names. Partial identities do not
// carry them, so asking is a bug in the caller.
func (id Identity) RoleNames() []string {
	if id.partial {
		panic("membership: role names requested from a partial identity")
	}

	return append([]string(nil), id.groups...)
}

// DurableAttrs returns the durable client descriptor. Panics on a partial
// identity, same as RoleNames.
func (id Identity) DurableAttrs() DurableAttrs {
	if id.partial {
		panic("membership: durable attributes requested from a partial identity")
	}

	return id.durable
}

// HasDurableAttrs is safe to call on any identity.
func (id Identity) HasDurableAttrs() bool {
	return !id.partial && id.durable.ID != ""
}

// Compare defines the total order over identities: port first, then address
// bytes with the shorter prefix winning the tie-break, then name, then the
// unique tag when either side has one, falling back to the view-of-birth id.
// The view-id tie-break only applies when both sides have been born into a
// view: a member introduces itself before it knows its birth view, and that
// identity must still match the one the coordinator puts in the view.
// Roles and durable attributes are deliberately left out, so that a partial
// identity compares equal to the full identity of the same member.
func (id Identity) Compare(other Identity) int {
	if id.port != other.port {
		if id.port < other.port {
			return -1
		}
		return 1
	}

	if c := bytes.Compare(id.addr, other.addr); c != 0 {
		return c
	}

	if c := compareOptional(id.name, other.name); c != 0 {
		return c
	}

	if id.uniqueTag != "" || other.uniqueTag != "" {
		return compareOptional(id.uniqueTag, other.uniqueTag)
	}

	if id.viewID >= 0 && other.viewID >= 0 && id.viewID != other.viewID {
		if id.viewID < other.viewID {
			return -1
		}
		return 1
	}

	return 0
}

// compareOptional orders strings with the absent value sorting first.
func compareOptional(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// WithViewID returns a copy of the identity with the view-of-birth id set.
// Used by the coordinator when a joiner is born into its first view.
func (id Identity) WithViewID(viewID int32) Identity {
	id.viewID = viewID
	return id
}

// Equal is defined as total-order-equals-zero.
func (id Identity) Equal(other Identity) bool {
	return id.Compare(other) == 0
}

// Hash64 hashes the comparison fields of the identity. The view id stays
// out: identities that compare equal must hash equal, and the view id does
// not always participate in the comparison.
func (id Identity) Hash64() uint64 {
	buf := make([]byte, 0, 64)
	buf = append(buf, id.addr...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(id.port))
	buf = append(buf, id.name...)
	buf = append(buf, id.uniqueTag...)

	return murmur3.Sum64(buf)
}

// Key returns a string form of the identity suitable for map keys. The
// address and port alone identify a process endpoint.
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%d", id.addr, id.port)
}

// DisplayName renders the identity the way it appears in logs and alerts,
// e.g. "10.0.0.1(server1:421)<v3>:5101". Loners show their unique tag in
// place of the view id.
func (id Identity) DisplayName() string {
	var sb strings.Builder

	sb.WriteString(shortName(id.hostname))
	sb.WriteByte('(')

	if id.name != "" {
		sb.WriteString(id.name)
		sb.WriteByte(':')
	}

	fmt.Fprintf(&sb, "%d", id.processID)

	switch id.kind {
	case KindLocator:
		sb.WriteString(":locator")
	case KindAdmin:
		sb.WriteString(":admin")
	case KindLoner:
		sb.WriteString(":loner")
	}

	sb.WriteByte(')')

	if id.kind == KindLoner {
		if id.uniqueTag != "" {
			fmt.Fprintf(&sb, "<%s>", id.uniqueTag)
		}
	} else if id.viewID >= 0 {
		fmt.Fprintf(&sb, "<v%d>", id.viewID)
	}

	fmt.Fprintf(&sb, ":%d", id.port)

	return sb.String()
}

func (id Identity) String() string {
	return id.DisplayName()
}

func shortName(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i > 0 && !isDigit(hostname[0]) {
		return hostname[:i]
	}

	return hostname
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
