package membership

import "sync"

// Member wraps an Identity and owns the small set of fields that may change
// after construction. Every update publishes a new immutable snapshot and
// drops the cached display string, so readers holding an Identity obtained
// before the update keep seeing a consistent value.
type Member struct {
	mut     sync.Mutex
	ident   Identity
	display string
}

func NewMember(ident Identity) *Member {
	return &Member{ident: ident}
}

// Ident returns the current immutable snapshot.
func (m *Member) Ident() Identity {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.ident
}

// SetDirectPort records the direct-channel port once it is known.
func (m *Member) SetDirectPort(port int) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.ident.directPort = port
	m.display = ""
}

// SetProcessID records the OS process id once it is known.
func (m *Member) SetProcessID(pid int32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.ident.processID = pid
	m.display = ""
}

// SetViewID records the view-of-birth id assigned when the member is first
// included in an installed view.
func (m *Member) SetViewID(viewID int32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.ident.viewID = viewID
	m.display = ""
}

// SetGroups replaces the member's group names.
func (m *Member) SetGroups(groups []string) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.ident.groups = append([]string(nil), groups...)
	m.display = ""
}

// String returns the cached display name, recomputing it after a mutation.
func (m *Member) String() string {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.display == "" {
		m.display = m.ident.DisplayName()
	}

	return m.display
}
