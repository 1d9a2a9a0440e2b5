// Package entry implements the cache's data model (spec.md §3) and the
// per-entry state machine (spec.md §4.2): object and binding entries,
// their lifecycle flags, and the condition-variable waits callers use
// to block until an entry becomes usable.
package entry

import "fmt"

// OID identifies an object in the object keyspace.
type OID uint64

func (o OID) String() string { return fmt.Sprintf("oid:%d", uint64(o)) }

// KeyTag distinguishes an ordinary binding name from the two synthetic
// sentinels. Sentinels are never transmitted or compared as strings —
// see pkg/wire for the wire-level tag.
type KeyTag uint8

const (
	KeyTagName KeyTag = iota
	KeyTagFirst
	KeyTagLast
)

// BindingKey is a binding's position in the ordered name keyspace:
// either a concrete UTF-8 name, or one of the FIRST/LAST sentinels that
// sort strictly below/above every name.
type BindingKey struct {
	Tag  KeyTag
	Name string
}

// First returns the synthetic sentinel strictly below any name.
func First() BindingKey { return BindingKey{Tag: KeyTagFirst} }

// Last returns the synthetic sentinel strictly above any name.
func Last() BindingKey { return BindingKey{Tag: KeyTagLast} }

// NameKey returns the binding key for a concrete name.
func NameKey(name string) BindingKey { return BindingKey{Tag: KeyTagName, Name: name} }

// IsSentinel reports whether k is FIRST or LAST rather than a name.
func (k BindingKey) IsSentinel() bool { return k.Tag != KeyTagName }

func (k BindingKey) String() string {
	switch k.Tag {
	case KeyTagFirst:
		return "<FIRST>"
	case KeyTagLast:
		return "<LAST>"
	default:
		return k.Name
	}
}

// tagRank orders the three tags FIRST < NAME < LAST, independent of
// their enum declaration order.
func tagRank(t KeyTag) int {
	switch t {
	case KeyTagFirst:
		return 0
	case KeyTagLast:
		return 2
	default:
		return 1
	}
}

// Compare orders binding keys by unsigned lexicographic byte order of
// their UTF-8 form, with FIRST below and LAST above every name. It
// returns <0, 0, >0 for a<b, a==b, a>b.
func Compare(a, b BindingKey) int {
	if a.Tag != b.Tag {
		return tagRank(a.Tag) - tagRank(b.Tag)
	}
	if a.Tag != KeyTagName {
		return 0
	}
	switch {
	case a.Name < b.Name:
		return -1
	case a.Name > b.Name:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b BindingKey) bool { return Compare(a, b) < 0 }
