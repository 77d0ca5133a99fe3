package prompt

import (
	"fmt"
	"strings"

	"pimrepair/internal/verification"
)

// BuildFeedback summarizes a failed verification so the next attempt can
// correct it. It returns "" for a passing, ISA-compliant report.
func BuildFeedback(report *verification.Report) string {
	if report == nil || (report.Pass && report.ISACompliant) {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Your previous program was rejected by the verifier.\n")
	if report.Error != "" {
		fmt.Fprintf(&sb, "- Simulation error: %s\n", report.Error)
	}
	if ff := report.FirstFailure; ff != nil {
		if ff.Got == "" {
			fmt.Fprintf(&sb, "- Test %d (A=%s, B=%s) expected %s but the program did not finish.\n",
				ff.Test, ff.A, ff.B, ff.Expected)
		} else {
			fmt.Fprintf(&sb, "- Test %d (A=%s, B=%s) expected %s, got %s.\n",
				ff.Test, ff.A, ff.B, ff.Expected, ff.Got)
		}
	}
	for _, v := range report.ISAViolations {
		fmt.Fprintf(&sb, "- ISA violation: %s\n", v)
	}
	sb.WriteString("Return a corrected program in the same JSON format.")
	return sb.String()
}

// BuildParseFeedback asks the model to resend its answer after a response
// that could not be decoded.
func BuildParseFeedback(err error) string {
	return fmt.Sprintf("Your previous response could not be used: %v\nReturn ONLY the JSON object described above.", err)
}
