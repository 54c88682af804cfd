package command

import (
	"encoding/json"
	"fmt"
)

// decoders maps every wire tag to a factory for its concrete type. TRANSFORM
// and any unknown tag are absent on purpose: decoding them is an ErrDecode.
var decoders = map[Type]func() Command{
	TypeCreateProject:       func() Command { return &CreateProject{} },
	TypeRemoveProject:       func() Command { return &RemoveProject{} },
	TypeUnremoveProject:     func() Command { return &UnremoveProject{} },
	TypePurgeProject:        func() Command { return &PurgeProject{} },
	TypeResetMetaRepository: func() Command { return &ResetMetaRepository{} },

	TypeCreateRepository:        func() Command { return &CreateRepository{} },
	TypeRemoveRepository:        func() Command { return &RemoveRepository{} },
	TypeUnremoveRepository:      func() Command { return &UnremoveRepository{} },
	TypePurgeRepository:         func() Command { return &PurgeRepository{} },
	TypeCreateRollingRepository: func() Command { return &CreateRollingRepository{} },
	TypeRotateWdek:              func() Command { return &RotateWdek{} },
	TypeUpdateRepositoryStatus:  func() Command { return &UpdateRepositoryStatus{} },

	TypePush:            func() Command { return &Push{} },
	TypeNormalizingPush: func() Command { return &NormalizingPush{} },

	TypeCreateSession:          func() Command { return &CreateSession{} },
	TypeRemoveSession:          func() Command { return &RemoveSession{} },
	TypeCreateSessionMasterKey: func() Command { return &CreateSessionMasterKey{} },

	TypeUpdateServerStatus: func() Command { return &UpdateServerStatus{} },
	TypeForcePush:          func() Command { return &ForcePush{} },
}

// Marshal encodes a command into its canonical JSON wire form with the
// "type" discriminator injected at the top level.
func Marshal(c Command) ([]byte, error) {
	if c.CommandType() == TypeTransform {
		return nil, fmt.Errorf("%w: TRANSFORM has no wire form", ErrInvalid)
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("command: marshal %s: %w", c.CommandType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("command: marshal %s: %w", c.CommandType(), err)
	}
	tag, _ := json.Marshal(string(c.CommandType()))
	fields["type"] = tag
	return json.Marshal(fields)
}

// Unmarshal decodes a command from its JSON wire form. Unknown fields on a
// known tag are ignored for forward compatibility; an unknown tag is a hard
// error. Missing timestamp/author are left zero; ApplyDefaults fills them
// at enqueue time.
func Unmarshal(data []byte) (Command, error) {
	var env struct {
		Type Type `json:"type"`
		// Log entries from old servers carry "timestamp" instead of
		// "commitTimeMillis".
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrDecode)
	}
	factory, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrDecode, env.Type)
	}
	c := factory()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, env.Type, err)
	}
	if h := c.header(); h.CommitTimeMillis == 0 && env.Timestamp != 0 {
		h.CommitTimeMillis = env.Timestamp
	}
	return c, nil
}

// forcePushWire is the JSON shape of FORCE_PUSH: the shared header plus the
// wrapped command in its own full wire form.
type forcePushWire struct {
	CommitTimeMillis int64           `json:"commitTimeMillis,omitempty"`
	Author           Author          `json:"author,omitzero"`
	Command          json.RawMessage `json:"command"`
}

func (f *ForcePush) MarshalJSON() ([]byte, error) {
	if f.Command == nil {
		return nil, fmt.Errorf("%w: FORCE_PUSH without inner command", ErrInvalid)
	}
	inner, err := Marshal(f.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(forcePushWire{
		CommitTimeMillis: f.CommitTimeMillis,
		Author:           f.Author,
		Command:          inner,
	})
}

func (f *ForcePush) UnmarshalJSON(data []byte) error {
	var wire forcePushWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: FORCE_PUSH: %v", ErrDecode, err)
	}
	if len(wire.Command) == 0 {
		return fmt.Errorf("%w: FORCE_PUSH without inner command", ErrDecode)
	}
	inner, err := Unmarshal(wire.Command)
	if err != nil {
		return err
	}
	f.CommitTimeMillis = wire.CommitTimeMillis
	f.Author = wire.Author
	f.Command = inner
	return nil
}
