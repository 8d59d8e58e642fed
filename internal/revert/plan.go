package revert

import (
	"fmt"
	"maps"

	"flippio/internal/history"
)

// plan is the ordered set of events to undo for one revert request.
type plan struct {
	target *history.ChangeEvent
	// steps lists the events to undo in application order: cascaded
	// dependents newest first, then the target.
	steps []*history.ChangeEvent
	// live is the identity of the target's row after every recorded event,
	// or nil when the row no longer exists.
	live map[string]any
}

func (p *plan) cascade() []string {
	ids := make([]string, 0, len(p.steps)-1)
	for _, s := range p.steps[:len(p.steps)-1] {
		ids = append(ids, s.ID)
	}
	return ids
}

// checkRevertible rejects events whose inverse cannot be synthesized.
func checkRevertible(e *history.ChangeEvent) error {
	switch e.Operation.(type) {
	case history.Insert, history.Update, history.Delete:
		return nil
	case history.Revert:
		return fmt.Errorf("%w: change %s is itself a revert", history.ErrNotRevertible, e.ID)
	case history.Clear, history.BulkInsert, history.BulkUpdate, history.BulkDelete:
		return fmt.Errorf("%w: %s change %s did not retain per-row values", history.ErrNotRevertible, e.Operation.Kind(), e.ID)
	default:
		return fmt.Errorf("%w: unknown operation type for change %s", history.ErrNotRevertible, e.ID)
	}
}

// reverted collects the ids undone by the Revert events among events.
func reverted(events []*history.ChangeEvent) map[string]bool {
	out := make(map[string]bool)
	for _, e := range events {
		if op, ok := e.Operation.(history.Revert); ok {
			out[op.OriginalChangeID] = true
			for _, id := range op.CascadeRevertedIDs {
				out[id] = true
			}
		}
	}
	return out
}

// effect returns the row-level effect an event had: Insert, Update or
// Delete. A Revert has the inverse effect of its original. Other events
// return an empty kind.
func effect(e *history.ChangeEvent, byID map[string]*history.ChangeEvent) history.OpKind {
	switch op := e.Operation.(type) {
	case history.Insert, history.Update, history.Delete:
		return op.Kind()
	case history.Revert:
		orig, ok := byID[op.OriginalChangeID]
		if !ok {
			return history.KindUpdate
		}
		switch orig.Operation.(type) {
		case history.Insert:
			return history.KindDelete
		case history.Delete:
			return history.KindInsert
		default:
			return history.KindUpdate
		}
	}
	return ""
}

func sameRow(a, b map[string]any) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !history.Equal(va, vb, "") {
			return false
		}
	}
	return true
}

// advance applies the key column values of changes to identity. With
// forward set the new values are applied, otherwise the old ones.
func advance(identity map[string]any, changes []history.FieldChange, forward bool) map[string]any {
	next := maps.Clone(identity)
	for _, c := range changes {
		if _, isKey := next[c.FieldName]; !isKey {
			continue
		}
		if forward {
			next[c.FieldName] = c.NewValue
		} else {
			next[c.FieldName] = c.OldValue
		}
	}
	return next
}

// follow tracks the row that e last touched through the later events,
// returning its live identity and the events that touched it. Plain
// inserts start a new row and never resume a deleted one; only a revert of
// a delete does.
func follow(e *history.ChangeEvent, later []*history.ChangeEvent, byID map[string]*history.ChangeEvent) (map[string]any, []*history.ChangeEvent) {
	var cur map[string]any
	switch e.Operation.(type) {
	case history.Insert:
		cur = maps.Clone(e.RowIdentifier)
	case history.Update:
		cur = advance(e.RowIdentifier, e.Changes, true)
	}
	last := cur
	if last == nil {
		last = maps.Clone(e.RowIdentifier)
	}

	var touched []*history.ChangeEvent
	for _, l := range later {
		if l.TableName != e.TableName || len(l.RowIdentifier) == 0 {
			continue
		}
		switch effect(l, byID) {
		case history.KindUpdate:
			if cur != nil && sameRow(l.RowIdentifier, cur) {
				touched = append(touched, l)
				cur = advance(cur, l.Changes, true)
				last = cur
			}
		case history.KindDelete:
			if cur != nil && sameRow(l.RowIdentifier, cur) {
				touched = append(touched, l)
				cur = nil
			}
		case history.KindInsert:
			if _, isRevert := l.Operation.(history.Revert); isRevert && cur == nil && sameRow(l.RowIdentifier, last) {
				touched = append(touched, l)
				cur = maps.Clone(l.RowIdentifier)
				last = cur
			}
		}
	}
	return cur, touched
}

// buildPlan decides what reverting target requires. all holds every event
// of the target's context in ledger order.
func buildPlan(target *history.ChangeEvent, all []*history.ChangeEvent) (*plan, error) {
	if err := checkRevertible(target); err != nil {
		return nil, err
	}

	idx := -1
	byID := make(map[string]*history.ChangeEvent, len(all))
	for i, e := range all {
		byID[e.ID] = e
		if e.ID == target.ID {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("change %s: %w", target.ID, history.ErrNotFound)
	}
	later := all[idx+1:]

	done := reverted(later)
	if done[target.ID] {
		return nil, fmt.Errorf("%w: change %s was already reverted", history.ErrNotRevertible, target.ID)
	}
	if len(target.RowIdentifier) == 0 {
		return nil, fmt.Errorf("%w: change %s has no row identifier", history.ErrNotRevertible, target.ID)
	}

	live, touched := follow(target, later, byID)
	p := &plan{target: target, live: live}

	if _, ok := target.Operation.(history.Insert); ok {
		for i := len(touched) - 1; i >= 0; i-- {
			t := touched[i]
			switch t.Operation.(type) {
			case history.Update, history.Delete:
				if !done[t.ID] {
					p.steps = append(p.steps, t)
				}
			}
		}
	}
	p.steps = append(p.steps, target)
	return p, nil
}
