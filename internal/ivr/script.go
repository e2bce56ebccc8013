// Package ivr drives the per-channel IVR dialogue: parsing XML action
// scripts and executing them as a state machine against the PBX.
package ivr

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Action is one parsed action-script verb. The set is closed:
// Play, Gather, Redirect, Hangup.
type Action interface {
	isAction()
}

// Play starts audio playback of a media path.
type Play struct {
	Media   string
	Timeout int // seconds; > 0 arms a post-playback safety timer
}

func (Play) isAction() {}

// Gather collects DTMF digits and posts them to Action.
type Gather struct {
	Input       string // informational; the PBX side always collects DTMF
	Action      string // URL to load once digits are in
	Timeout     int    // seconds to wait for input once audio finishes
	NumDigits   int    // fixed-length gather size
	FinishOnKey string // single terminator key; makes the gather dynamic-length
}

func (Gather) isAction() {}

// Redirect abandons the current script and loads a new one.
type Redirect struct {
	URL    string
	Method string
}

func (Redirect) isAction() {}

// Hangup ends the call.
type Hangup struct{}

func (Hangup) isAction() {}

// ParseScript parses an XML action script into its ordered action list.
// Parsing is deterministic: the same document always yields the same list.
func ParseScript(data []byte) ([]Action, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse error: %w", err)
		}
		if se, ok := token.(xml.StartElement); ok {
			if se.Name.Local == "Response" {
				return parseResponse(decoder)
			}
		}
	}

	return nil, fmt.Errorf("no <Response> element found")
}

func parseResponse(decoder *xml.Decoder) ([]Action, error) {
	var actions []Action
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			a, err := parseAction(decoder, &t)
			if err != nil {
				return nil, err
			}
			actions = append(actions, a)
		case xml.EndElement:
			if t.Name.Local == "Response" {
				return actions, nil
			}
		}
	}
	return actions, nil
}

func parseAction(decoder *xml.Decoder, start *xml.StartElement) (Action, error) {
	switch start.Name.Local {
	case "Play":
		return parsePlay(decoder, start)
	case "Gather":
		return parseGather(decoder, start)
	case "Redirect":
		return parseRedirect(decoder, start)
	case "Hangup":
		// Hangup is self-closing, consume the end tag.
		decoder.Skip()
		return Hangup{}, nil
	default:
		return nil, fmt.Errorf("unknown action element: <%s>", start.Name.Local)
	}
}

func parsePlay(decoder *xml.Decoder, start *xml.StartElement) (Action, error) {
	play := Play{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				play.Timeout = n
			}
		case "loop":
			// Accepted for compatibility, ignored.
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Play>", attr.Name.Local)
		}
	}
	if err := decoder.DecodeElement(&play.Media, start); err != nil {
		return nil, err
	}
	play.Media = strings.TrimSpace(play.Media)
	return play, nil
}

func parseGather(decoder *xml.Decoder, start *xml.StartElement) (Action, error) {
	gather := Gather{Input: "dtmf"}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "input":
			gather.Input = attr.Value
		case "action":
			gather.Action = attr.Value
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				gather.Timeout = n
			}
		case "numDigits":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				gather.NumDigits = n
			}
		case "finishOnKey":
			gather.FinishOnKey = attr.Value
		case "method":
			// Accepted for compatibility, ignored.
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Gather>", attr.Name.Local)
		}
	}
	decoder.Skip()
	return gather, nil
}

func parseRedirect(decoder *xml.Decoder, start *xml.StartElement) (Action, error) {
	redirect := Redirect{Method: "GET"}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "method":
			redirect.Method = strings.ToUpper(attr.Value)
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Redirect>", attr.Name.Local)
		}
	}
	if err := decoder.DecodeElement(&redirect.URL, start); err != nil {
		return nil, err
	}
	redirect.URL = strings.TrimSpace(redirect.URL)
	return redirect, nil
}
