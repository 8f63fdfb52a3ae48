package migrate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the Detector's prediction for a pending migration.
type Verdict string

const (
	// VerdictRun means no drift was detected.
	VerdictRun Verdict = "run"
	// VerdictReconcile means the migration creates something that exists.
	VerdictReconcile Verdict = "reconcile"
	// VerdictFail means the migration alters something that is missing.
	VerdictFail Verdict = "fail"
)

// Inspection is the advisory result of inspecting one migration.
type Inspection struct {
	Migration string  `json:"migration"`
	Verdict   Verdict `json:"verdict"`
	Table     string  `json:"table,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

var (
	reCreateTable = regexp.MustCompile("(?i)\\bcreate\\s+(?:temporary\\s+)?table\\s+(if\\s+not\\s+exists\\s+)?[`\"\\[]?([\\w.]+)")
	reAlterTable  = regexp.MustCompile("(?i)\\balter\\s+table\\s+(?:only\\s+)?(?:if\\s+exists\\s+)?[`\"\\[]?([\\w.]+)")
)

// Detector predicts drift by matching recognizable statement shapes against
// the live schema. It never executes anything.
type Detector struct {
	inspector Inspector
}

// NewDetector creates a Detector backed by inspector.
func NewDetector(inspector Inspector) *Detector {
	return &Detector{inspector: inspector}
}

// Inspect returns the verdict for m. The first statement that predicts
// drift decides the verdict.
func (d *Detector) Inspect(ctx context.Context, m *Migration) (*Inspection, error) {
	created := make(map[string]struct{}, 2)

	for _, stmt := range m.Statements {
		if match := reCreateTable.FindStringSubmatch(stmt); match != nil {
			table := unqualify(match[2])
			created[strings.ToLower(table)] = struct{}{}

			if match[1] != "" {
				continue
			}

			exists, err := d.inspector.HasTable(ctx, table)
			if err != nil {
				return nil, fmt.Errorf("inspecting table %s: %w", table, err)
			}

			if exists {
				return &Inspection{
					Migration: m.ID,
					Verdict:   VerdictReconcile,
					Table:     table,
					Reason:    fmt.Sprintf("table %s already exists", table),
				}, nil
			}

			continue
		}

		if match := reAlterTable.FindStringSubmatch(stmt); match != nil {
			table := unqualify(match[1])

			if _, ok := created[strings.ToLower(table)]; ok {
				continue
			}

			exists, err := d.inspector.HasTable(ctx, table)
			if err != nil {
				return nil, fmt.Errorf("inspecting table %s: %w", table, err)
			}

			if !exists {
				return &Inspection{
					Migration: m.ID,
					Verdict:   VerdictFail,
					Table:     table,
					Reason:    fmt.Sprintf("table %s does not exist", table),
				}, nil
			}
		}
	}

	return &Inspection{Migration: m.ID, Verdict: VerdictRun}, nil
}
