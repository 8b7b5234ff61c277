// Package validation implements bundle validation: the content-addressed
// verdict cache, manifest extraction, archive structure checks, and the
// bounded static import scan.
package validation

// Kind tags a verdict with the validation stage that produced it.
type Kind string

const (
	KindManifest  Kind = "manifest"
	KindStructure Kind = "structure"
	KindSecurity  Kind = "security"
	KindFull      Kind = "full"
)

// Verdict is the outcome of one validation stage. A bundle passes a stage
// iff IsValid; warnings are advisory.
type Verdict struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid returns a passing verdict with optional warnings.
func Valid(warnings ...string) *Verdict {
	return &Verdict{IsValid: true, Warnings: warnings}
}

// Invalid returns a failing verdict with the given errors.
func Invalid(errs ...string) *Verdict {
	return &Verdict{IsValid: false, Errors: errs}
}

// Merge combines verdicts: the result is valid iff all inputs are.
func Merge(verdicts ...*Verdict) *Verdict {
	out := &Verdict{IsValid: true}
	for _, v := range verdicts {
		if v == nil {
			continue
		}
		if !v.IsValid {
			out.IsValid = false
		}
		out.Errors = append(out.Errors, v.Errors...)
		out.Warnings = append(out.Warnings, v.Warnings...)
	}
	return out
}
