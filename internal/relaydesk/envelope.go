package relaydesk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	envelopeVersionLegacy  = 1
	envelopeVersionCurrent = 2
)

var errCorruptEnvelope = errors.New("corrupt session envelope")

// sessionEnvelope is the serialized payload of a session row. Version 1
// payloads carry no "v" field.
type sessionEnvelope struct {
	Version       *int           `json:"v,omitempty"`
	PreviousState *State         `json:"previousState"`
	Data          map[string]any `json:"data"`
	Context       map[string]any `json:"context"`
}

func encodeEnvelope(state DialogueState) (string, error) {
	version := envelopeVersionCurrent
	env := sessionEnvelope{
		Version:       &version,
		PreviousState: state.PreviousState,
		Data:          state.Data,
		Context:       state.Context,
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	if env.Context == nil {
		env.Context = map[string]any{}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeEnvelope turns a stored row into a DialogueState. Every error it
// returns wraps errCorruptEnvelope; callers substitute the default state.
func decodeEnvelope(row SessionRow, flow *Flow) (DialogueState, int, error) {
	if flow != nil && !flow.Has(row.State) {
		return DialogueState{}, 0, fmt.Errorf("%w: unknown state %q", errCorruptEnvelope, row.State)
	}
	payload := strings.TrimSpace(row.Payload)
	if payload == "" {
		payload = "{}"
	}
	schema, err := envelopeSchema()
	if err != nil {
		return DialogueState{}, 0, err
	}
	if err := validateJSON(schema, []byte(payload)); err != nil {
		return DialogueState{}, 0, fmt.Errorf("%w: %v", errCorruptEnvelope, err)
	}
	var env sessionEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return DialogueState{}, 0, fmt.Errorf("%w: %v", errCorruptEnvelope, err)
	}
	version := envelopeVersionLegacy
	if env.Version != nil {
		version = *env.Version
	}
	if version > envelopeVersionCurrent {
		return DialogueState{}, version, fmt.Errorf("%w: unsupported version %d", errCorruptEnvelope, version)
	}
	if env.PreviousState != nil && *env.PreviousState == "" {
		env.PreviousState = nil
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	if env.Context == nil {
		env.Context = map[string]any{}
	}
	return DialogueState{
		CurrentState:  row.State,
		PreviousState: env.PreviousState,
		Data:          env.Data,
		Context:       env.Context,
		LastActivity:  row.LastActivity,
	}, version, nil
}
