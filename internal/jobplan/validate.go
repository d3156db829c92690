package jobplan

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Warning 권장 위반 (경고만)
type Warning struct {
	Code    string
	Message string
}

// same spec format as the scheduler
var specParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks all required constraints
func Validate(plan *Plan, features []string) error {
	if plan.Meta.PlanID == "" {
		return ValidationError{"meta.plan_id", "required"}
	}
	if plan.Meta.Timezone != "" {
		if _, err := time.LoadLocation(plan.Meta.Timezone); err != nil {
			return ValidationError{"meta.timezone", err.Error()}
		}
	}

	if s := plan.Reference.Schedule; s != "" {
		if _, err := specParser.Parse(s); err != nil {
			return ValidationError{"reference.schedule", err.Error()}
		}
	}

	if len(plan.Jobs) == 0 {
		return ValidationError{"jobs", "at least one job required"}
	}

	known := make(map[string]bool, len(features))
	for _, f := range features {
		known[f] = true
	}

	names := make(map[string]bool, len(plan.Jobs))
	for i, job := range plan.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)

		if job.Name == "" {
			return ValidationError{field + ".name", "required"}
		}
		if names[job.Name] {
			return ValidationError{field + ".name", fmt.Sprintf("duplicate job %q", job.Name)}
		}
		names[job.Name] = true

		if _, err := specParser.Parse(job.Schedule); err != nil {
			return ValidationError{field + ".schedule", err.Error()}
		}
		for _, f := range job.Features {
			if !known[f] {
				return ValidationError{field + ".features", fmt.Sprintf("unknown feature %q", f)}
			}
		}
		if job.Limit < 0 {
			return ValidationError{field + ".limit", "must be >= 0"}
		}
	}

	return nil
}

// Warn returns recommendation violations
func Warn(plan *Plan) []Warning {
	var warnings []Warning

	if plan.Reference.Schedule == "" {
		warnings = append(warnings, Warning{
			Code:    "REFERENCE_UNSCHEDULED",
			Message: "reference is only reloaded when its cache expires",
		})
	}

	owner := make(map[string]string) // feature -> first job aggregating it
	everything := ""                 // first job aggregating every feature
	overlap := func(a, b, what string) {
		warnings = append(warnings, Warning{
			Code:    "OVERLAP",
			Message: fmt.Sprintf("%s and %s both aggregate %s", a, b, what),
		})
	}

	for _, job := range plan.Jobs {
		if len(job.Features) == 0 {
			if job.Limit == 0 {
				warnings = append(warnings, Warning{
					Code:    "FULL_SCAN",
					Message: fmt.Sprintf("%s checks every partition of every feature on each run", job.Name),
				})
			}
			switch {
			case everything != "":
				overlap(everything, job.Name, "every feature")
			case len(owner) > 0:
				overlap(firstOwner(plan, job.Name), job.Name, "some features")
			}
			if everything == "" {
				everything = job.Name
			}
			continue
		}

		for _, f := range job.Features {
			switch {
			case owner[f] != "":
				overlap(owner[f], job.Name, f)
			case everything != "":
				overlap(everything, job.Name, f)
			default:
				owner[f] = job.Name
			}
		}
	}

	return warnings
}

// firstOwner returns the first job before name with explicit features
func firstOwner(plan *Plan, name string) string {
	for _, job := range plan.Jobs {
		if job.Name == name {
			break
		}
		if len(job.Features) > 0 {
			return job.Name
		}
	}
	return ""
}
