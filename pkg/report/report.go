// Package report merges ordered task outputs into the final markdown report.
package report

import (
	"strings"

	"github.com/jllopis/tradecrew/pkg/errors"
)

// Section is one task's contribution to the report.
type Section struct {
	Heading string
	Body    string
}

// Aggregate renders sections, in the given order, under title. It performs no
// I/O and is deterministic. An empty section list or a section without a
// heading or body is an AGGREGATION_ERROR.
func Aggregate(title string, sections []Section) (string, error) {
	if len(sections) == 0 {
		return "", errors.New(errors.CodeAggregation, "no task outputs to aggregate", nil)
	}

	var b strings.Builder
	if t := strings.TrimSpace(title); t != "" {
		b.WriteString("# ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	for i, s := range sections {
		heading := strings.TrimSpace(s.Heading)
		body := strings.TrimSpace(s.Body)
		if heading == "" || body == "" {
			return "", errors.Newf(errors.CodeAggregation, "task output %d is incomplete", i+1).
				WithContext("index", i).
				WithContext("heading", s.Heading)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(heading)
		b.WriteString("\n\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String(), nil
}
