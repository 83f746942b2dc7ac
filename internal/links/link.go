package links

import (
	"fmt"
	"slices"
	"strings"
)

// Link is one interface link from a source component to a target through a wit package.
type Link struct {
	SourceID     string   `json:"source_id" toml:"source_id"`
	Target       string   `json:"target" toml:"target"`
	Name         string   `json:"name" toml:"name"`
	WitNamespace string   `json:"wit_namespace" toml:"wit_namespace"`
	WitPackage   string   `json:"wit_package" toml:"wit_package"`
	Interfaces   []string `json:"interfaces" toml:"interfaces"`
	SourceConfig []string `json:"source_config,omitempty" toml:"source_config"`
	TargetConfig []string `json:"target_config,omitempty" toml:"target_config"`
}

// LinkKey is the identity slot shared by links with the same source, name, and package.
type LinkKey struct {
	SourceID     string `json:"source_id"`
	Name         string `json:"name"`
	WitNamespace string `json:"wit_namespace"`
	WitPackage   string `json:"wit_package"`
}

// Keyer is anything that can be reduced to a LinkKey.
type Keyer interface {
	LinkKey() LinkKey
}

// NewLinkKey builds a key from raw identity strings, generally for deletion.
func NewLinkKey(sourceID, name, witNamespace, witPackage string) LinkKey {
	return LinkKey{
		SourceID:     sourceID,
		Name:         name,
		WitNamespace: witNamespace,
		WitPackage:   witPackage,
	}
}

// LinkKey returns the key itself.
func (k LinkKey) LinkKey() LinkKey {
	return k
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s/%s -> %s:%s", k.SourceID, k.Name, k.WitNamespace, k.WitPackage)
}

// LinkKey returns the identity slot of the link.
func (l Link) LinkKey() LinkKey {
	return NewLinkKey(l.SourceID, l.Name, l.WitNamespace, l.WitPackage)
}

// Validate enforces the identity fields every stored link needs.
func (l Link) Validate() error {
	if strings.TrimSpace(l.SourceID) == "" {
		return fmt.Errorf("%w: missing source_id", ErrInvalidLink)
	}
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidLink)
	}
	if strings.TrimSpace(l.WitNamespace) == "" {
		return fmt.Errorf("%w: missing wit_namespace", ErrInvalidLink)
	}
	if strings.TrimSpace(l.WitPackage) == "" {
		return fmt.Errorf("%w: missing wit_package", ErrInvalidLink)
	}
	return nil
}

func (l Link) clone() Link {
	l.Interfaces = slices.Clone(l.Interfaces)
	l.SourceConfig = slices.Clone(l.SourceConfig)
	l.TargetConfig = slices.Clone(l.TargetConfig)
	return l
}

func (l Link) equal(other Link) bool {
	return l.SourceID == other.SourceID &&
		l.Target == other.Target &&
		l.Name == other.Name &&
		l.WitNamespace == other.WitNamespace &&
		l.WitPackage == other.WitPackage &&
		slices.Equal(l.Interfaces, other.Interfaces) &&
		slices.Equal(l.SourceConfig, other.SourceConfig) &&
		slices.Equal(l.TargetConfig, other.TargetConfig)
}

// interfaceSet is the sorted, de-duplicated interface list derived at insert time.
type interfaceSet []string

func newInterfaceSet(interfaces []string) interfaceSet {
	set := slices.Clone(interfaces)
	slices.Sort(set)
	return slices.Compact(set)
}

// intersect returns the interfaces present in both sets.
func (s interfaceSet) intersect(other interfaceSet) []string {
	var out []string
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch strings.Compare(s[i], other[j]) {
		case 0:
			out = append(out, s[i])
			i++
			j++
		case -1:
			i++
		default:
			j++
		}
	}
	return out
}

// entry pairs a stored link with its derived interface set.
type entry struct {
	link       Link
	interfaces interfaceSet
}

func newEntry(link Link) entry {
	link = link.clone()
	return entry{link: link, interfaces: newInterfaceSet(link.Interfaces)}
}

func (e entry) equal(other entry) bool {
	return e.link.equal(other.link) && slices.Equal(e.interfaces, other.interfaces)
}
