package retry

import (
	"regexp"
	"strings"

	"github.com/taskmesh/orchestrator/internal/task"
)

// classRule pairs a class with the patterns that identify it in an error
// message (case-insensitive substring/regex, per spec §4.3) and the
// class's recoverability/retry policy (spec §6's error-class table).
type classRule struct {
	class       task.ErrorClass
	patterns    []*regexp.Regexp
	recoverable bool
	maxAttempts int
	strategy    task.RetryStrategy
}

var classRules = []classRule{
	{task.ClassRateLimit, compileAll(`rate.?limit`, `429`, `too many requests`), true, 10, task.StrategyExponential},
	{task.ClassTimeout, compileAll(`timeout`, `timed out`, `deadline exceeded`), true, 5, task.StrategyLinear},
	{task.ClassConnection, compileAll(`connection`, `econnrefused`, `dial tcp`, `network`), true, 7, task.StrategyExponential},
	{task.ClassParseError, compileAll(`parse`, `unmarshal`, `invalid json`, `malformed`), false, 2, task.StrategyImmediate},
	{task.ClassMemoryLimit, compileAll(`memory`, `oom`, `out of memory`), true, 3, task.StrategyAdaptive},
	{task.ClassAuthentication, compileAll(`401`, `unauthorized`, `authentication`, `invalid api key`), false, 1, task.StrategyImmediate},
	{task.ClassPermission, compileAll(`403`, `forbidden`, `permission denied`), false, 1, task.StrategyImmediate},
	{task.ClassValidation, compileAll(`validation`, `invalid input`, `bad request`, `400`), false, 2, task.StrategyImmediate},
}

var unknownRule = classRule{task.ClassUnknown, nil, true, 3, task.StrategyExponential}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// Classify maps an error message onto one of the nine classes from spec
// §4.3/§6, falling back to "unknown" when nothing matches.
func Classify(errMsg string) classRule {
	for _, rule := range classRules {
		for _, re := range rule.patterns {
			if re.MatchString(errMsg) {
				return rule
			}
		}
	}
	return unknownRule
}

// ClassOf is a convenience wrapper returning just the class tag.
func ClassOf(errMsg string) task.ErrorClass {
	return Classify(errMsg).class
}

// maxAttemptsForClass restores a class's configured ceiling, used by
// ForceRetry to avoid silently substituting a fixed attempt budget
// regardless of the original error class (Open Question #3).
func maxAttemptsForClass(class task.ErrorClass) int {
	for _, rule := range classRules {
		if rule.class == class {
			return rule.maxAttempts
		}
	}
	return unknownRule.maxAttempts
}

// lower is a tiny lower-casing helper; nothing in the package calls it.
func lower(s string) string { return strings.ToLower(s) }
