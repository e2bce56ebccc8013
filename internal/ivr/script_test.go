package ivr

import (
	"testing"
)

func TestParseScriptFullDocument(t *testing.T) {
	doc := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Play timeout="12">campaign/welcome</Play>
  <Gather input="dtmf" action="http://host/action/gather?uuid=abc" timeout="6" numDigits="1"/>
  <Play>campaign/goodbye</Play>
  <Hangup/>
</Response>`)

	actions, err := ParseScript(doc)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if len(actions) != 4 {
		t.Fatalf("got %d actions, want 4", len(actions))
	}

	play, ok := actions[0].(Play)
	if !ok {
		t.Fatalf("actions[0] = %T, want Play", actions[0])
	}
	if play.Media != "campaign/welcome" || play.Timeout != 12 {
		t.Errorf("play = %+v, want media campaign/welcome timeout 12", play)
	}

	gather, ok := actions[1].(Gather)
	if !ok {
		t.Fatalf("actions[1] = %T, want Gather", actions[1])
	}
	if gather.Action != "http://host/action/gather?uuid=abc" {
		t.Errorf("gather action = %q", gather.Action)
	}
	if gather.Timeout != 6 || gather.NumDigits != 1 {
		t.Errorf("gather = %+v, want timeout 6 numDigits 1", gather)
	}

	if _, ok := actions[2].(Play); !ok {
		t.Errorf("actions[2] = %T, want Play", actions[2])
	}
	if _, ok := actions[3].(Hangup); !ok {
		t.Errorf("actions[3] = %T, want Hangup", actions[3])
	}
}

func TestParseScriptGatherFinishOnKey(t *testing.T) {
	doc := []byte(`<Response>
  <Gather action="/next" finishOnKey="#" timeout="10"/>
</Response>`)

	actions, err := ParseScript(doc)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	gather := actions[0].(Gather)
	if gather.FinishOnKey != "#" {
		t.Errorf("finishOnKey = %q, want #", gather.FinishOnKey)
	}
	if gather.NumDigits != 0 {
		t.Errorf("numDigits = %d, want 0 (dynamic length)", gather.NumDigits)
	}
}

func TestParseScriptRedirect(t *testing.T) {
	doc := []byte(`<Response>
  <Redirect method="get"> http://host/action/completed?uuid=abc </Redirect>
</Response>`)

	actions, err := ParseScript(doc)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	redirect := actions[0].(Redirect)
	if redirect.URL != "http://host/action/completed?uuid=abc" {
		t.Errorf("redirect url = %q, want trimmed url", redirect.URL)
	}
	if redirect.Method != "GET" {
		t.Errorf("redirect method = %q, want GET", redirect.Method)
	}
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no response element", `<Speak>hello</Speak>`},
		{"unknown action", `<Response><Say>hi</Say></Response>`},
		{"unknown play attribute", `<Response><Play volume="2">x</Play></Response>`},
		{"unknown gather attribute", `<Response><Gather speech="true"/></Response>`},
		{"malformed xml", `<Response><Play>x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseScript([]byte(tt.doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseScriptEmptyResponse(t *testing.T) {
	actions, err := ParseScript([]byte(`<Response></Response>`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("got %d actions, want 0", len(actions))
	}
}

func TestParseScriptDeterministic(t *testing.T) {
	doc := []byte(`<Response><Play>a</Play><Gather action="/g" numDigits="2"/></Response>`)
	first, err := ParseScript(doc)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	second, err := ParseScript(doc)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("parse not deterministic: %d vs %d actions", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("action %d differs between parses: %+v vs %+v", i, first[i], second[i])
		}
	}
}
