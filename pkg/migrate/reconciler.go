package migrate

import (
	"context"
	"fmt"
)

// Reconciliation is the outcome of validating an "already exists" drift.
type Reconciliation struct {
	Migration     string    `json:"migration"`
	Object        ObjectRef `json:"object"`
	Compatible    bool      `json:"compatible"`
	Warning       bool      `json:"warning,omitempty"`
	AlreadyLogged bool      `json:"already_logged,omitempty"`
	Batch         int       `json:"batch,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Reconciler marks divergent migrations as applied when the live schema is
// minimally compatible with them having run.
type Reconciler struct {
	ledger    Ledger
	inspector Inspector
}

// NewReconciler creates a Reconciler for one target.
func NewReconciler(ledger Ledger, inspector Inspector) *Reconciler {
	return &Reconciler{ledger: ledger, inspector: inspector}
}

// Reconcile validates obj for migration id. When compatible the id is
// appended to the ledger under batch, or under the next batch when batch is
// zero. The migration's statements are never executed.
func (r *Reconciler) Reconcile(
	ctx context.Context, id string, obj ObjectRef, strict bool, batch int,
) (*Reconciliation, error) {
	res := &Reconciliation{Migration: id, Object: obj}

	logged, err := r.ledger.Has(ctx, id)
	if err != nil {
		return nil, err
	}

	if logged {
		res.Compatible = true
		res.AlreadyLogged = true

		return res, nil
	}

	compatible, warning, reason, err := r.compatible(ctx, obj, strict)
	if err != nil {
		return nil, err
	}

	res.Compatible = compatible
	res.Warning = warning
	res.Reason = reason

	if !compatible {
		return res, nil
	}

	if batch == 0 {
		if batch, err = r.ledger.NextBatch(ctx); err != nil {
			return nil, err
		}
	}

	if err := r.ledger.Log(ctx, id, batch); err != nil {
		return nil, err
	}

	res.Batch = batch

	return res, nil
}

func (r *Reconciler) compatible(
	ctx context.Context, obj ObjectRef, strict bool,
) (ok, warning bool, reason string, err error) {
	switch obj.Type {
	case ObjectTable, ObjectView:
		table, err := r.inspector.HasTable(ctx, obj.Name)
		if err != nil {
			return false, false, "", fmt.Errorf("inspecting %s %s: %w", obj.Type, obj.Name, err)
		}

		view := false
		if !table {
			if view, err = r.inspector.HasView(ctx, obj.Name); err != nil {
				return false, false, "", fmt.Errorf("inspecting %s %s: %w", obj.Type, obj.Name, err)
			}
		}

		if table || view {
			return true, false, fmt.Sprintf("%s %s exists", obj.Type, obj.Name), nil
		}

		return false, false, fmt.Sprintf("%s %s does not exist", obj.Type, obj.Name), nil
	case ObjectIndex:
		exists, err := r.inspector.HasIndex(ctx, obj.Table, obj.Name)
		if err != nil {
			return false, false, "", fmt.Errorf("inspecting index %s: %w", obj.Name, err)
		}

		// An absent index is accepted: the error was about something else
		// or the index has since been dropped.
		if !exists {
			return true, false, fmt.Sprintf("index %s is absent", obj.Name), nil
		}

		return false, false, fmt.Sprintf("index %s is present", obj.Name), nil
	case ObjectConstraint:
		exists, err := r.inspector.HasConstraint(ctx, obj.Table, obj.Name)
		if err != nil {
			return false, false, "", fmt.Errorf("inspecting constraint %s: %w", obj.Name, err)
		}

		if exists {
			return true, false, fmt.Sprintf("constraint %s exists", obj.Name), nil
		}

		return false, false, fmt.Sprintf("constraint %s does not exist", obj.Name), nil
	case ObjectColumn:
		if obj.Table != "" {
			exists, err := r.inspector.HasColumn(ctx, obj.Table, obj.Name)
			if err != nil {
				return false, false, "", fmt.Errorf("inspecting column %s.%s: %w", obj.Table, obj.Name, err)
			}

			if exists {
				return true, false, fmt.Sprintf("column %s.%s exists", obj.Table, obj.Name), nil
			}

			return false, false, fmt.Sprintf("column %s.%s does not exist", obj.Table, obj.Name), nil
		}
	}

	// Unknown objects, and columns whose table cannot be derived.
	if strict {
		return false, false, "object cannot be verified in strict mode", nil
	}

	return true, true, "object could not be verified", nil
}
