package membership

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/bd2019us/geode/internal/binario"
	"github.com/bd2019us/geode/internal/generic"
)

// View is the agreed-upon, versioned list of currently-live members plus the
// designated coordinator. Views are immutable snapshots: components holding
// a view from before an install keep seeing the old, consistent one.
type View struct {
	id      int64
	members []Identity
	coord   int
}

// NewView builds a view. Member order is join order. The coordinator must
// be one of the members and must be coordinator-eligible.
func NewView(id int64, members []Identity, coordinator Identity) (View, error) {
	if len(members) == 0 {
		return View{}, fmt.Errorf("view must have at least one member")
	}

	coord := -1

	for i, m := range members {
		if m.Equal(coordinator) {
			coord = i
			break
		}
	}

	if coord < 0 {
		return View{}, fmt.Errorf("coordinator %s is not a view member", coordinator)
	}

	if !members[coord].CoordinatorEligible() {
		return View{}, fmt.Errorf("coordinator %s is not coordinator-eligible", coordinator)
	}

	return View{
		id:      id,
		members: append([]Identity(nil), members...),
		coord:   coord,
	}, nil
}

func (v View) ID() int64 {
	return v.id
}

func (v View) Size() int {
	return len(v.members)
}

// Members returns the members in join order.
func (v View) Members() []Identity {
	return append([]Identity(nil), v.members...)
}

func (v View) Coordinator() Identity {
	return v.members[v.coord]
}

// Contains reports whether the given identity is a view member.
func (v View) Contains(id Identity) bool {
	for _, m := range v.members {
		if m.Equal(id) {
			return true
		}
	}

	return false
}

// Without returns the member list with the given identities excluded,
// preserving join order. Used to assemble view-change candidates.
func (v View) Without(excluded ...Identity) []Identity {
	return generic.Filter(v.Members(), func(m Identity) bool {
		for _, e := range excluded {
			if m.Equal(e) {
				return false
			}
		}

		return true
	})
}

// NextCoordinator returns the coordinator-eligible member with the lowest
// order among the view members, skipping the excluded ones. The ok result
// is false when no member is eligible.
func (v View) NextCoordinator(excluded ...Identity) (Identity, bool) {
	var (
		best  Identity
		found bool
	)

	for _, m := range v.members {
		if !m.CoordinatorEligible() {
			continue
		}

		skip := false

		for _, e := range excluded {
			if m.Equal(e) {
				skip = true
				break
			}
		}

		if skip {
			continue
		}

		if !found || m.Compare(best) < 0 {
			best = m
			found = true
		}
	}

	return best, found
}

// Hash64 combines the member hashes, for quick consistency checks.
func (v View) Hash64() uint64 {
	hash := uint64(v.id)

	for _, m := range v.members {
		hash ^= m.Hash64()
	}

	return hash
}

func (v View) String() string {
	names := generic.Map(v.members, func(m Identity) string {
		return m.DisplayName()
	})

	return fmt.Sprintf("View[%d|%s|%s]", v.id, v.Coordinator(), strings.Join(names, ","))
}

// EncodeView writes the view with every member in its full encoding of the
// given format.
func EncodeView(w io.Writer, view View, format Format) error {
	bw := binario.NewWriter(w, binary.BigEndian)

	if err := bw.WriteUint64(uint64(view.id)); err != nil {
		return err
	}

	if err := bw.WriteVarUint(uint64(len(view.members))); err != nil {
		return err
	}

	if err := bw.WriteVarUint(uint64(view.coord)); err != nil {
		return err
	}

	for _, m := range view.members {
		if err := EncodeIdentity(w, m, format); err != nil {
			return err
		}
	}

	return nil
}

// DecodeView reads a view written by EncodeView.
func DecodeView(r io.Reader) (View, error) {
	br := binario.NewReader(r, binary.BigEndian)

	id, err := br.ReadUint64()
	if err != nil {
		return View{}, err
	}

	count, err := br.ReadVarUint()
	if err != nil {
		return View{}, err
	}

	coord, err := br.ReadVarUint()
	if err != nil {
		return View{}, err
	}

	if count == 0 || count > maxWireCount || coord >= count {
		return View{}, ErrMalformedIdentity.New(fmt.Sprintf("bad view frame: %d members, coordinator index %d", count, coord))
	}

	members := make([]Identity, count)
	for i := range members {
		if members[i], err = DecodeIdentity(r); err != nil {
			return View{}, err
		}
	}

	return View{
		id:      int64(id),
		members: members,
		coord:   int(coord),
	}, nil
}
