package services

import (
	"context"
	"fmt"
)

// CompensationActionReleaseStock undoes a stock reservation.
const CompensationActionReleaseStock = "release_stock"

// Compensation is one undo step recorded while a workflow moves forward.
type Compensation struct {
	Action    string
	ProductID string
	Quantity  int
	run       func(ctx context.Context) error
}

// CompensationOutcome is the result of running one compensation.
type CompensationOutcome struct {
	Compensation
	Err error
}

// Compensations is an ordered list of undo steps. Steps run in the order they were added
// and a failing step never stops the ones after it.
type Compensations struct {
	steps []Compensation
}

// Add appends a step.
func (c *Compensations) Add(step Compensation) {
	c.steps = append(c.steps, step)
}

// Len returns the number of recorded steps.
func (c *Compensations) Len() int {
	return len(c.steps)
}

// Steps returns a copy of the recorded steps.
func (c *Compensations) Steps() []Compensation {
	out := make([]Compensation, len(c.steps))
	copy(out, c.steps)
	return out
}

// Run executes every step in forward order and reports each outcome.
// Cancellation of ctx is ignored so that an aborted request still releases what it reserved;
// each client call remains bounded by its own timeout.
func (c *Compensations) Run(ctx context.Context) CompensationReport {
	ctx = context.WithoutCancel(ctx)
	report := CompensationReport{Outcomes: make([]CompensationOutcome, 0, len(c.steps))}
	for _, step := range c.steps {
		var err error
		if step.run != nil {
			err = step.run(ctx)
		}
		report.Outcomes = append(report.Outcomes, CompensationOutcome{Compensation: step, Err: err})
	}
	return report
}

// CompensationReport collects the outcome of a compensation run.
type CompensationReport struct {
	Outcomes []CompensationOutcome
}

// Attempted returns how many steps ran.
func (r CompensationReport) Attempted() int {
	return len(r.Outcomes)
}

// Failures returns the steps that returned an error.
func (r CompensationReport) Failures() []CompensationOutcome {
	var failed []CompensationOutcome
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Notes renders one human readable line per failed step.
func (r CompensationReport) Notes() []string {
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	notes := make([]string, 0, len(failed))
	for _, outcome := range failed {
		switch outcome.Action {
		case CompensationActionReleaseStock:
			notes = append(notes, fmt.Sprintf("Failed to release stock for %s", outcome.ProductID))
		default:
			notes = append(notes, fmt.Sprintf("Failed to %s", outcome.Action))
		}
	}
	return notes
}

func releaseStockCompensation(products ProductClient, productID string, quantity int) Compensation {
	return Compensation{
		Action:    CompensationActionReleaseStock,
		ProductID: productID,
		Quantity:  quantity,
		run: func(ctx context.Context) error {
			return products.ReleaseStock(ctx, productID, quantity)
		},
	}
}
