package model

import (
	"fmt"
	"strings"
)

// Effect is what a matching [Requirement] does to its rule.
type Effect int

const (
	// EffectAccept makes the rule eligible.
	EffectAccept Effect = iota
	// EffectDeny vetoes the whole rule.
	EffectDeny
)

func (e Effect) String() string {
	switch e {
	case EffectAccept:
		return "accept"
	case EffectDeny:
		return "deny"
	default:
		return fmt.Sprintf("Effect(%d)", int(e))
	}
}

func (e *Effect) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "accept", "":
		*e = EffectAccept
	case "deny":
		*e = EffectDeny
	default:
		return fmt.Errorf("invalid requirement effect %q", text)
	}
	return nil
}

func (e Effect) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Valid reports whether e is a known effect.
func (e Effect) Valid() bool {
	return e == EffectAccept || e == EffectDeny
}

// ActionKind is the operation an [Action] carries out.
type ActionKind int

const (
	// ActionReplaceTag replaces every match of the action parameter with the disclaimer.
	ActionReplaceTag ActionKind = iota
	// ActionAdd appends the disclaimer to text bodies.
	ActionAdd
	// ActionAddPart adds the disclaimer as an additional MIME part.
	ActionAddPart
)

func (k ActionKind) String() string {
	switch k {
	case ActionReplaceTag:
		return "replace_tag"
	case ActionAdd:
		return "add"
	case ActionAddPart:
		return "add_part"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

func (k *ActionKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "replace_tag", "replacetag":
		*k = ActionReplaceTag
	case "add", "":
		*k = ActionAdd
	case "add_part", "addpart":
		*k = ActionAddPart
	default:
		return fmt.Errorf("invalid action kind %q", text)
	}
	return nil
}

func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	return k >= ActionReplaceTag && k <= ActionAddPart
}

// AuthMethod is the bind method for a [DirectoryServer].
type AuthMethod int

const (
	// AuthNone binds anonymously.
	AuthNone AuthMethod = iota
	// AuthSimple binds with UserDN and Password.
	AuthSimple
)

func (a AuthMethod) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthSimple:
		return "simple"
	default:
		return fmt.Sprintf("AuthMethod(%d)", int(a))
	}
}

func (a *AuthMethod) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "none", "":
		*a = AuthNone
	case "simple":
		*a = AuthSimple
	default:
		return fmt.Errorf("invalid auth method %q", text)
	}
	return nil
}

func (a AuthMethod) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
