package workflow

// FindAction returns the first action with the given id in a pre-order
// depth-first walk of the plan.
func (p *Plan) FindAction(id string) (*Action, error) {
	if a := p.find(p.roots, id); a != nil {
		return a, nil
	}
	return nil, newError(KindActionNotFound, "action %q not found in plan %s", id, p.URL)
}

func (p *Plan) find(idx []int, id string) *Action {
	for _, i := range idx {
		if p.actions[i].ID == id {
			return &p.actions[i]
		}
		if a := p.find(p.actions[i].children, id); a != nil {
			return a
		}
	}
	return nil
}
