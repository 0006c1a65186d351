package membership

// Kind tells what sort of process a member is. A fully constructed identity
// always carries a positive kind.
type Kind uint8

const (
	// KindNormal is a regular peer-to-peer data member.
	KindNormal Kind = iota + 1

	// KindLocator is a standalone discovery process.
	KindLocator

	// KindAdmin is an administration-only member that holds no data.
	KindAdmin

	// KindLoner is an isolated member that never joins a view. Loners are
	// identified by a unique tag instead of a view-of-birth id.
	KindLoner
)

// Valid returns true if the kind is one of the defined roles.
func (k Kind) Valid() bool {
	return k >= KindNormal && k <= KindLoner
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindLocator:
		return "locator"
	case KindAdmin:
		return "admin"
	case KindLoner:
		return "loner"
	default:
		return ""
	}
}
