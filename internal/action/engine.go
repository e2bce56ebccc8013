// Package action maps incoming HTTP action requests to XML response
// scripts and call-state updates, and steers running sessions on
// external OTP decisions.
package action

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/callflux/callflux/internal/call"
	"github.com/callflux/callflux/internal/campaign"
	"github.com/callflux/callflux/internal/push"
)

// TwoGatherStep marks a campaign as two-gather when its catalog entry
// defines it.
const TwoGatherStep = "gather1"

// Engine builds the XML action script for each step of a call. The
// response is always HTTP 200 application/xml, error cases included: the
// PBX side can only interpret XML, so an error JSON would break the call.
type Engine struct {
	calls   *call.Store
	catalog *campaign.Store
	push    *push.Registry
	baseURL string
	logger  *slog.Logger

	// answerJitter yields the gather timeout for the initial answer
	// prompt. Tests pin it.
	answerJitter func() int
}

// NewEngine creates the action engine. baseURL is the externally
// reachable root of this service, without a trailing slash.
func NewEngine(calls *call.Store, catalog *campaign.Store, registry *push.Registry, baseURL string, logger *slog.Logger) *Engine {
	return &Engine{
		calls:        calls,
		catalog:      catalog,
		push:         registry,
		baseURL:      strings.TrimRight(baseURL, "/"),
		logger:       logger.With("subsystem", "action_engine"),
		answerJitter: func() int { return 10 + rand.IntN(6) },
	}
}

// BuildResponse handles one GET /action/{status} request and returns the
// XML script to serve.
func (e *Engine) BuildResponse(status, callID, digits string) string {
	data := e.calls.Get(callID)
	if data == nil {
		e.logger.Warn("action request for unknown call", "call_id", callID, "status", status)
		return errorScript()
	}

	// Menu hoisting: an options gather splits into per-option branches.
	if status == "options" && digits != "" {
		selected := "2"
		if digits == "1" {
			selected = "1"
		}
		e.calls.Update(callID, call.Partial{SelectedOption: call.Str(selected)})
		data.SelectedOption = selected
		status = "option" + selected
	}

	twoGather := e.catalog.HasStep(data.Campaign, TwoGatherStep)
	e.applySideEffects(status, callID, digits, data, twoGather)

	// A completed gather1 tail-calls its next step instead of replaying.
	if status == TwoGatherStep && digits != "" {
		spec, _ := e.catalog.Lookup(data.Campaign, TwoGatherStep)
		return redirectScript(e.resolveURL(spec.Next))
	}

	spec, ok := e.catalog.Lookup(data.Campaign, status)
	if !ok {
		e.logger.Warn("unknown campaign step", "campaign", data.Campaign, "status", status)
		return errorScript()
	}

	audio := fmt.Sprintf("custom/%s/%s", data.Campaign, status)

	switch {
	case status == "confirm":
		// Hold the line while the operator validates; no gather.
		return fmt.Sprintf("<Response><Play timeout=%q>%s</Play></Response>",
			fmt.Sprint(spec.Timeout), xmlEscape(audio))
	case strings.HasPrefix(status, "completed"):
		return fmt.Sprintf("<Response><Play>%s</Play></Response>", xmlEscape(audio))
	}

	timeout := spec.Timeout
	if status == "answer" {
		timeout = e.answerJitter()
	}

	numDigits := spec.Digits
	finishOnKey := ""
	if len(spec.FinishOnKey) == 1 {
		numDigits = 0
		finishOnKey = spec.FinishOnKey
	}

	var b strings.Builder
	b.WriteString("<Response>")
	fmt.Fprintf(&b, "<Play>%s</Play>", xmlEscape(audio))
	fmt.Fprintf(&b, `<Gather input="speech dtmf" action=%q timeout=%q numDigits=%q`,
		xmlEscape(e.nextURL(status, spec)), fmt.Sprint(timeout), fmt.Sprint(numDigits))
	if finishOnKey != "" {
		fmt.Fprintf(&b, " finishOnKey=%q", xmlEscape(finishOnKey))
	}
	b.WriteString("/></Response>")
	return b.String()
}

// applySideEffects performs the per-status store updates and pushes.
func (e *Engine) applySideEffects(status, callID, digits string, data *call.Data, twoGather bool) {
	if digits == "" && status != "confirm" {
		return
	}
	switch status {
	case "gather":
		if twoGather {
			e.calls.Update(callID, call.Partial{GatherStage: call.Str(call.StageFirst)})
		}
		e.push.Send(callID, push.Message{"SendOtp": digits})
	case TwoGatherStep:
		if twoGather {
			e.calls.Update(callID, call.Partial{
				GatherStage: call.Str(call.StageSecond),
				State:       call.Str(TwoGatherStep),
			})
		}
		e.push.Send(callID, push.Message{"OtpCode": digits})
	case "option1", "option2":
		e.push.Send(callID, push.Message{"SendOtp": digits})
	case "confirm":
		if twoGather && data.GatherStage == call.StageSecond {
			e.calls.Update(callID, call.Partial{State: call.Str("completed")})
		} else if digits != "" {
			e.push.Send(callID, push.Message{
				"OtpCode":        digits,
				"selectedOption": data.SelectedOption,
			})
		}
	}
}

// fallbackNext is the step chain used when a spec names no next step.
var fallbackNext = map[string]string{
	"answer":  "gather",
	"gather":  "confirm",
	"invalid": "gather",
}

// nextURL resolves the gather action URL for the status.
func (e *Engine) nextURL(status string, spec campaign.StepSpec) string {
	if status == TwoGatherStep {
		// gather1 posts back to itself; the redirect shortcut advances it.
		return e.baseURL + "/action/" + TwoGatherStep
	}
	if spec.Next != "" {
		return e.resolveURL(spec.Next)
	}
	next, ok := fallbackNext[status]
	if !ok {
		next = "completed"
	}
	return e.baseURL + "/action/" + next
}

// resolveURL honors absolute URLs verbatim and anchors relative step
// names under the action route.
func (e *Engine) resolveURL(next string) string {
	if strings.HasPrefix(next, "http://") || strings.HasPrefix(next, "https://") {
		return next
	}
	if next == "" {
		next = "completed"
	}
	return e.baseURL + "/action/" + next
}

// errorScript is the XML served for any failed action request.
func errorScript() string {
	return "<Response><Hangup/></Response>"
}

func redirectScript(target string) string {
	return fmt.Sprintf(`<Response><Redirect method="GET">%s</Redirect></Response>`, xmlEscape(target))
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s)) //nolint:errcheck
	return b.String()
}
