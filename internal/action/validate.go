package action

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/callflux/callflux/internal/call"
	"github.com/callflux/callflux/internal/campaign"
	"github.com/callflux/callflux/internal/ivr"
	"github.com/callflux/callflux/internal/push"
)

// ErrCallNotFound is returned when the OTP decision targets a call that
// is unknown or already gone.
var ErrCallNotFound = errors.New("call not found")

// Validator applies external OTP decisions to running calls: it updates
// call state, steers the channel session to the right action script and
// notifies the push subscriber.
type Validator struct {
	calls    *call.Store
	catalog  *campaign.Store
	push     *push.Registry
	channels *ivr.Registry
	baseURL  string
	logger   *slog.Logger
}

// NewValidator creates the OTP validator.
func NewValidator(calls *call.Store, catalog *campaign.Store, registry *push.Registry, channels *ivr.Registry, baseURL string, logger *slog.Logger) *Validator {
	return &Validator{
		calls:    calls,
		catalog:  catalog,
		push:     registry,
		channels: channels,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger.With("subsystem", "otp_validator"),
	}
}

// Validate dispatches one OTP decision for the call.
func (v *Validator) Validate(callID string, isValid bool) error {
	data := v.calls.Get(callID)
	if data == nil {
		return ErrCallNotFound
	}
	sess := v.channels.Get(callID)
	if sess == nil {
		return ErrCallNotFound
	}

	twoGather := v.catalog.HasStep(data.Campaign, TwoGatherStep)
	v.logger.Info("otp decision",
		"call_id", callID,
		"valid", isValid,
		"two_gather", twoGather,
		"stage", data.GatherStage,
	)

	switch {
	case isValid && twoGather && data.GatherStage != call.StageSecond:
		v.calls.Update(callID, call.Partial{GatherStage: call.Str(call.StageSecond)})
		sess.SetAction(v.stepURL(TwoGatherStep), nil)
		v.push.Send(callID, push.Message{"OtpValidation": "valid", "gatherStage": call.StageSecond})

	case isValid && twoGather:
		sess.SetAction(v.stepURL("completed"), nil)
		v.push.Send(callID, push.Message{"OtpValidation": "valid", "gatherStage": "completed"})

	case isValid:
		step := "completed"
		switch data.SelectedOption {
		case "1":
			step = "completed_option1"
		case "2":
			step = "completed_option2"
		}
		sess.SetAction(v.stepURL(step), nil)
		v.push.Send(callID, push.Message{"OtpValidation": "valid", "selectedOption": data.SelectedOption})

	case twoGather && data.GatherStage != call.StageSecond:
		v.calls.Update(callID, call.Partial{GatherStage: call.Str(call.StageFirst)})
		sess.SetAction(v.stepURL("invalid"), nil)
		v.push.Send(callID, push.Message{"OtpValidation": "invalid"})

	case twoGather:
		// Second-stage code rejected: replay gather1 for another attempt.
		sess.SetAction(v.stepURL(TwoGatherStep), nil)
		v.push.Send(callID, push.Message{"OtpValidation": "invalid"})

	default:
		sess.SetAction(v.stepURL("invalid"), nil)
		v.push.Send(callID, push.Message{"OtpValidation": "invalid"})
	}
	return nil
}

func (v *Validator) stepURL(step string) string {
	return v.baseURL + "/action/" + step
}
