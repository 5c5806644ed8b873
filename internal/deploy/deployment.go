package deploy

import (
	"sort"
)

// Deployment is an OS-process definition hosting a fixed set of named
// task activities. Activities maps an activity name to the model it
// runs. Group is an optional label that deployment hints can name to
// steer allocation.
type Deployment struct {
	Name       string
	Host       string
	Group      string
	Activities map[string]string
}

// ActivityNames returns the activity names, sorted, for deterministic
// slot iteration.
func (d *Deployment) ActivityNames() []string {
	names := make([]string, 0, len(d.Activities))
	for n := range d.Activities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MatchesHint reports whether a deployment hint selects this
// deployment, by name or by group.
func (d *Deployment) MatchesHint(hint string) bool {
	return hint == d.Name || (d.Group != "" && hint == d.Group)
}

// Slot identifies one activity of one deployment.
type Slot struct {
	Deployment string
	Activity   string
}

// String renders the slot as deployment/activity.
func (s Slot) String() string { return s.Deployment + "/" + s.Activity }
