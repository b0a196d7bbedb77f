package helm

import (
	"fmt"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/lint/support"

	"github.com/daalu-io/daalu/pkg/engine"
)

// LintMessage is a single finding from the chart linter.
type LintMessage struct {
	Severity string `json:"severity"`
	Path     string `json:"path"`
	Message  string `json:"message"`
}

// LintReport collects the findings for one chart.
type LintReport struct {
	Chart    string        `json:"chart"`
	Messages []LintMessage `json:"messages"`
}

// HasErrors reports whether any finding has error severity.
func (r *LintReport) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Severity == "error" {
			return true
		}
	}
	return false
}

// Errors returns the error findings joined into one line each.
func (r *LintReport) Errors() []string {
	var out []string
	for _, m := range r.Messages {
		if m.Severity == "error" {
			out = append(out, fmt.Sprintf("%s: %s", m.Path, m.Message))
		}
	}
	return out
}

// ChartLinter lints local chart directories in-process with the helm SDK,
// so `daalu validate` works without a helm binary.
type ChartLinter struct {
	namespace string
	strict    bool
}

// NewChartLinter creates a linter. Strict promotes warnings to failures.
func NewChartLinter(namespace string, strict bool) *ChartLinter {
	return &ChartLinter{namespace: namespace, strict: strict}
}

// Lint loads the chart at chartPath and lints it with values.
func (l *ChartLinter) Lint(chartPath string, values engine.Values) (*LintReport, error) {
	if _, err := loader.Load(chartPath); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to load chart %s", chartPath), err)
	}

	client := action.NewLint()
	client.Namespace = l.namespace
	client.Strict = l.strict

	vals := map[string]interface{}{}
	for k, v := range values {
		vals[k] = v
	}
	result := client.Run([]string{chartPath}, vals)

	report := &LintReport{Chart: chartPath}
	for _, msg := range result.Messages {
		report.Messages = append(report.Messages, LintMessage{
			Severity: severityName(msg.Severity),
			Path:     msg.Path,
			Message:  msg.Err.Error(),
		})
	}
	// Errors without a message (e.g. an unreadable chart) still fail the lint.
	if len(result.Messages) == 0 {
		for _, err := range result.Errors {
			report.Messages = append(report.Messages, LintMessage{
				Severity: "error",
				Path:     chartPath,
				Message:  err.Error(),
			})
		}
	}
	return report, nil
}

func severityName(sev int) string {
	switch sev {
	case support.ErrorSev:
		return "error"
	case support.WarningSev:
		return "warning"
	case support.InfoSev:
		return "info"
	default:
		return "unknown"
	}
}
