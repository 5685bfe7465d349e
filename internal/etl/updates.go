package etl

import "fmt"

// ProgressUpdate is a progress event emitted while a plan is validated.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current check number within the step
	Total   int    // Checks in the step
	Message string // Human-readable message for display
	Data    any    // The finished [ValidationResult] for [PhaseStepDone]
}

type Phase int

const (
	PhaseDependency Phase = iota
	PhaseIntegrity
	PhaseStepDone
)

func (p Phase) String() string {
	switch p {
	case PhaseDependency:
		return "dependency"
	case PhaseIntegrity:
		return "integrity"
	case PhaseStepDone:
		return "step_done"
	default:
		return ""
	}
}

func checkUpdate(step, total int, stepName string, c Check) ProgressUpdate {
	phase := PhaseDependency
	if c.Kind == KindIntegrity {
		phase = PhaseIntegrity
	}
	return ProgressUpdate{
		Phase:   phase,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%s %d/%d] %s", stepName, step, total, c.Name),
	}
}

func stepDoneUpdate(total int, res ValidationResult) ProgressUpdate {
	mark := "✓"
	if !res.IsValid {
		mark = "✗"
	}
	return ProgressUpdate{
		Phase:   PhaseStepDone,
		Step:    total,
		Total:   total,
		Message: fmt.Sprintf("%s %s (%d errors, %d warnings)", mark, res.Step, len(res.Errors), len(res.Warnings)),
		Data:    res,
	}
}

// sendProgress never blocks; updates are dropped when nobody is reading.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}
