package pipeline

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// GreppedResult is one test outcome scraped from a console log.
type GreppedResult struct {
	Name   string
	Status domain.Status
	Output string
}

// GreppedTest groups scraped results under a test name.
type GreppedTest struct {
	Name    string
	Results []GreppedResult
}

// GrepTests scans a console log with the run's test-grepping rules. Each
// test-pattern match opens a new test; each result-pattern match records a
// result under the current test, with the raw result string translated
// through fixupdict before status parsing. Results seen before any
// test-pattern match fall under a test named "default".
func GrepTests(console string, tg *TestGrepping) ([]GreppedTest, error) {
	if tg == nil || tg.ResultPattern == "" {
		return nil, nil
	}
	resultRE, err := regexp.Compile(tg.ResultPattern)
	if err != nil {
		return nil, fmt.Errorf("compile result-pattern: %w", err)
	}
	var testRE *regexp.Regexp
	if tg.TestPattern != "" {
		testRE, err = regexp.Compile(tg.TestPattern)
		if err != nil {
			return nil, fmt.Errorf("compile test-pattern: %w", err)
		}
	}

	var tests []GreppedTest
	current := -1
	ensureTest := func(name string) {
		tests = append(tests, GreppedTest{Name: name})
		current = len(tests) - 1
	}

	scanner := bufio.NewScanner(strings.NewReader(console))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if testRE != nil {
			if m := namedGroups(testRE, line); m != nil {
				ensureTest(m["name"])
				continue
			}
		}
		m := namedGroups(resultRE, line)
		if m == nil {
			continue
		}
		raw := m["result"]
		if fixed, ok := tg.FixupDict[raw]; ok {
			raw = fixed
		}
		status, err := domain.ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("result-pattern produced unknown status %q", raw)
		}
		if current < 0 {
			ensureTest("default")
		}
		t := &tests[current]
		t.Results = append(t.Results, GreppedResult{
			Name:   m["name"],
			Status: status,
			Output: domain.TruncateOutput(line),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan console: %w", err)
	}
	return tests, nil
}

// AnyFailed reports whether any scraped result failed.
func AnyFailed(tests []GreppedTest) bool {
	for _, t := range tests {
		for _, r := range t.Results {
			if r.Status == domain.StatusFailed {
				return true
			}
		}
	}
	return false
}

func namedGroups(re *regexp.Regexp, line string) map[string]string {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			out[name] = m[i]
		}
	}
	return out
}
