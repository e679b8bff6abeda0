package main

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/tradecrew/pkg/crew"
	"github.com/jllopis/tradecrew/pkg/errors"
)

// Exit codes.
const (
	exitOK     = 0
	exitRun    = 1
	exitUsage  = 2
	exitConfig = 3
)

type usageError string

func (e usageError) Error() string { return string(e) }

var hints = map[errors.ErrorCode]string{
	errors.CodeConfiguration:   "check the config file, .env and TRADECREW_* variables",
	errors.CodeInvalidInput:    "run with -h to see the accepted values",
	errors.CodeToolInvocation:  "the search or scrape backend failed; try again or raise tools.*.timeout",
	errors.CodeInference:       "the model backend failed; check the API key and quota",
	errors.CodeRateLimit:       "lower the request rate with llm.requests_per_minute",
	errors.CodeTimeout:         "raise crew.timeout or the per-backend timeouts",
	errors.CodeTemplateBinding: "the crew definition references a parameter that was not supplied",
}

// exitCode maps a failure to the process exit status.
func exitCode(err error) int {
	var ue usageError
	switch {
	case stderrors.As(err, &ue), errors.Is(err, errors.CodeInvalidInput):
		return exitUsage
	case errors.Is(err, errors.CodeConfiguration):
		return exitConfig
	}
	var runErr *crew.RunError
	if stderrors.As(err, &runErr) && runErr.Stage == crew.StageConfiguration {
		return exitConfig
	}
	return exitRun
}

// report writes the single failure line for err and returns its exit code.
func report(w io.Writer, err error) int {
	code := exitCode(err)
	line := "tradecrew: " + err.Error()
	if hint, ok := hints[errors.CodeOf(err)]; ok && code != exitUsage {
		line += " (hint: " + hint + ")"
	}
	fmt.Fprintln(w, line)
	return code
}
