package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/etl"
	"github.com/desertthunder/orgsync/internal/externalid"
	"github.com/desertthunder/orgsync/internal/formatter"
	"github.com/desertthunder/orgsync/internal/shared"
)

// usesExternalID reports whether any of the step's queries has a field placeholder.
func usesExternalID(step etl.Step) bool {
	for _, c := range step.Checks() {
		if strings.Contains(c.Query, externalid.FieldPlaceholder) {
			return true
		}
	}
	return false
}

// Validate runs the checks of one step, or of every step in the plan, against the source and
// target orgs. Any blocking failure fails the command after every result has been printed.
func (r *Runner) Validate(ctx context.Context, cmd *cli.Command) error {
	plan, err := etl.LoadPlan(cmd.String("plan"))
	if err != nil {
		return err
	}
	steps := plan.Steps
	if name := cmd.String("step"); name != "" {
		step, err := plan.Step(name)
		if err != nil {
			return err
		}
		steps = []etl.Step{step}
	}

	sourceID, targetID := cmd.String("source"), cmd.String("target")
	source, err := r.session(ctx, sourceID)
	if err != nil {
		return err
	}
	target, err := r.session(ctx, targetID)
	if err != nil {
		return err
	}

	asJSON := cmd.Bool("json")
	progress := make(chan etl.ProgressUpdate, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progress {
			if asJSON || update.Phase == etl.PhaseStepDone {
				continue
			}
			r.writePlain("%s\n", update.Message)
		}
	}()

	results := make([]etl.ValidationResult, 0, len(steps))
	var setupErr error
	for _, step := range steps {
		orgs := etl.Orgs{Source: source.Client, Target: target.Client}
		if usesExternalID(step) {
			object := cmd.String("object")
			if object == "" {
				object = step.Object
			}
			if object == "" {
				setupErr = fmt.Errorf("%w: step %q uses %s but names no object", shared.ErrMissingArgument, step.Name, externalid.FieldPlaceholder)
				break
			}
			m, err := r.mapping(ctx, sourceID, targetID, object)
			if err != nil {
				setupErr = err
				break
			}
			orgs.Mapping = &m
		}
		results = append(results, r.validator.ValidatePlan(ctx, &etl.Plan{Steps: []etl.Step{step}}, orgs, progress)...)
	}
	close(progress)
	<-done

	if setupErr != nil {
		return setupErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if asJSON {
		data, err := formatter.ValidationJSON(results...)
		if err != nil {
			return err
		}
		if err := r.writePlain("%s", data); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			r.writePlain("\n%s", formatter.ValidationResult(res))
		}
	}

	var blocked []error
	for _, res := range results {
		if adv := res.Advisory(); adv != nil {
			r.logger.Warn("step has advisory findings", "step", res.Step, "err", adv)
		}
		if err := res.Err(); err != nil {
			blocked = append(blocked, err)
		}
	}
	return errors.Join(blocked...)
}
