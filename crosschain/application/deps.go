package application

import "sort"

// dependencyTracker guarda quais ids ainda não resolveram e quem espera por eles.
// Id desconhecido conta como resolvido.
type dependencyTracker struct {
	pending    map[string]struct{}
	dependents map[string]map[string]struct{}
	waitingOn  map[string][]string
}

func newDependencyTracker() *dependencyTracker {
	return &dependencyTracker{
		pending:    make(map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
		waitingOn:  make(map[string][]string),
	}
}

func (d *dependencyTracker) register(id string, deps []string) {
	d.pending[id] = struct{}{}
	if len(deps) == 0 {
		return
	}
	d.waitingOn[id] = deps
	for _, dep := range deps {
		set, ok := d.dependents[dep]
		if !ok {
			set = make(map[string]struct{})
			d.dependents[dep] = set
		}
		set[id] = struct{}{}
	}
}

func (d *dependencyTracker) unresolved(deps []string) []string {
	var out []string
	for _, dep := range deps {
		if _, ok := d.pending[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// resolve marca id como resolvido e devolve os dependentes que ficaram livres.
func (d *dependencyTracker) resolve(id string) []string {
	delete(d.pending, id)
	if deps, ok := d.waitingOn[id]; ok {
		for _, dep := range deps {
			if set := d.dependents[dep]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(d.dependents, dep)
				}
			}
		}
		delete(d.waitingOn, id)
	}

	var freed []string
	for dependent := range d.dependents[id] {
		if len(d.unresolved(d.waitingOn[dependent])) == 0 {
			freed = append(freed, dependent)
		}
	}
	delete(d.dependents, id)
	sort.Strings(freed)
	return freed
}
