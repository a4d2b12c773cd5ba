package access

import (
	"encoding/json"
	"sort"
	"strings"
)

// ActionSet is an unordered set of action names such as "read" or "write".
type ActionSet map[string]struct{}

// NewActionSet builds a set from the given actions, normalising each name.
func NewActionSet(actions ...string) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set.Add(a)
	}
	return set
}

// Add inserts a normalised action. Blank names are ignored.
func (s ActionSet) Add(action string) {
	action = normalizeAction(action)
	if action == "" {
		return
	}
	s[action] = struct{}{}
}

// Remove deletes an action from the set.
func (s ActionSet) Remove(action string) {
	delete(s, normalizeAction(action))
}

// Has reports whether the action is present.
func (s ActionSet) Has(action string) bool {
	_, ok := s[normalizeAction(action)]
	return ok
}

// Union adds every action of other into s.
func (s ActionSet) Union(other ActionSet) {
	for a := range other {
		s[a] = struct{}{}
	}
}

// Subtract removes every action of other from s.
func (s ActionSet) Subtract(other ActionSet) {
	for a := range other {
		delete(s, a)
	}
}

// Clone returns an independent copy.
func (s ActionSet) Clone() ActionSet {
	out := make(ActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// Sorted returns the actions in lexical order.
func (s ActionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same actions.
func (s ActionSet) Equal(other ActionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for a := range s {
		if _, ok := other[a]; !ok {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array so responses are stable.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of action names.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var actions []string
	if err := json.Unmarshal(data, &actions); err != nil {
		return err
	}
	*s = NewActionSet(actions...)
	return nil
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
