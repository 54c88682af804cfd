package command

import "errors"

// ErrInvalid is returned when a command or change is structurally unsound:
// a missing required field, a malformed path, a negative retention setting.
// Callers should check with errors.Is; the wrapped message names the field.
var ErrInvalid = errors.New("invalid command")

// ErrDecode is returned when a command cannot be decoded from its JSON wire
// form, including when the type discriminator names an unknown command.
// Old replicas must reject commands they do not understand rather than
// silently no-op, so an unknown tag is a hard error.
var ErrDecode = errors.New("command decode error")
