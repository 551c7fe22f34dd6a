package testrunner

import (
	"encoding/json"
	"strings"
)

// jsReport is the shared JSON report shape emitted by vitest's json
// reporter and jest's --json flag.
type jsReport struct {
	Success     bool `json:"success"`
	NumTotal    int  `json:"numTotalTests"`
	NumPassed   int  `json:"numPassedTests"`
	NumFailed   int  `json:"numFailedTests"`
	NumPending  int  `json:"numPendingTests"`
	NumTodo     int  `json:"numTodoTests"`
	TestResults []struct {
		AssertionResults []struct {
			Title  string `json:"title"`
			Status string `json:"status"`
		} `json:"assertionResults"`
	} `json:"testResults"`
}

// parseJSReport extracts and decodes the JSON document from reporter
// output, tolerating non-JSON noise before it.
func parseJSReport(stdout string) (*jsReport, bool) {
	i := strings.Index(stdout, "{")
	if i < 0 {
		return nil, false
	}
	var rep jsReport
	if err := json.Unmarshal([]byte(stdout[i:]), &rep); err != nil {
		return nil, false
	}
	return &rep, true
}

// toResult converts the reporter document into the normalized shape.
func (rep *jsReport) toResult(runner string) *Result {
	result := &Result{
		Runner:  runner,
		Success: rep.Success,
		// numTotalTests counts todo tests but numPendingTests does not;
		// fold them into Skipped so the counts always balance.
		Summary: Summary{
			Total:   rep.NumTotal,
			Passed:  rep.NumPassed,
			Failed:  rep.NumFailed,
			Skipped: rep.NumPending + rep.NumTodo,
		},
		Tests: []CaseResult{},
	}
	for _, file := range rep.TestResults {
		for _, test := range file.AssertionResults {
			outcome := OutcomeFailed
			switch test.Status {
			case "passed":
				outcome = OutcomePassed
			case "pending", "skipped", "todo":
				outcome = OutcomeSkipped
			}
			result.Tests = append(result.Tests, CaseResult{Name: test.Title, Outcome: outcome})
		}
	}
	return result
}
