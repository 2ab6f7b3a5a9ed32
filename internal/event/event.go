// Package event defines the closed vocabulary of file change kinds reported
// by the monitor, and the translation from raw inotify-style change codes
// into that vocabulary.
package event

import (
	"fmt"
	"time"
)

// Kind is a named file change kind. The set of kinds is closed; the zero
// value is not a valid kind.
type Kind uint32

// Raw change codes. Values match the Linux inotify ABI (<sys/inotify.h>) and
// never change.
const (
	Access       Kind = 0x00000001 // file was read
	Modify       Kind = 0x00000002 // file content was written
	Attrib       Kind = 0x00000004 // metadata changed
	CloseWrite   Kind = 0x00000008 // writable file was closed
	CloseNoWrite Kind = 0x00000010 // read-only file was closed
	Open         Kind = 0x00000020 // file was opened
	MovedFrom    Kind = 0x00000040 // entry moved out of the watched directory
	MovedTo      Kind = 0x00000080 // entry moved into the watched directory
	Create       Kind = 0x00000100 // entry created in the watched directory
	Delete       Kind = 0x00000200 // entry deleted from the watched directory
	DeleteSelf   Kind = 0x00000400 // watched path itself was deleted
	MoveSelf     Kind = 0x00000800 // watched path itself was moved

	// AllEvents is the union of every kind above. It is a kind in its own
	// right and only matches a code equal to the full union.
	AllEvents Kind = Access | Modify | Attrib | CloseWrite | CloseNoWrite | Open |
		MovedFrom | MovedTo | Create | Delete | DeleteSelf | MoveSelf
)

// kinds lists the closed set in declaration order of the public vocabulary.
var kinds = []Kind{
	Access,
	AllEvents,
	Attrib,
	CloseNoWrite,
	CloseWrite,
	Create,
	Delete,
	DeleteSelf,
	Modify,
	MovedFrom,
	MovedTo,
	MoveSelf,
	Open,
}

var kindNames = map[Kind]string{
	Access:       "ACCESS",
	AllEvents:    "ALL_EVENTS",
	Attrib:       "ATTRIB",
	CloseNoWrite: "CLOSE_NOWRITE",
	CloseWrite:   "CLOSE_WRITE",
	Create:       "CREATE",
	Delete:       "DELETE",
	DeleteSelf:   "DELETE_SELF",
	Modify:       "MODIFY",
	MovedFrom:    "MOVED_FROM",
	MovedTo:      "MOVED_TO",
	MoveSelf:     "MOVE_SELF",
	Open:         "OPEN",
}

// Kinds returns a copy of the closed set of kinds.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Translate maps a raw change code to its Kind. Codes are matched exactly:
// a code with several bits set only matches AllEvents when it equals the
// full union. Any other code yields an *UnrecognizedCodeError.
func Translate(code uint32) (Kind, error) {
	for _, k := range kinds {
		if uint32(k) == code {
			return k, nil
		}
	}
	return 0, &UnrecognizedCodeError{Code: code}
}

// RawValue returns the raw change code for k.
func (k Kind) RawValue() uint32 { return uint32(k) }

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%#x)", uint32(k))
}

// ParseKind returns the Kind whose name is s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("event: unknown kind name %q", s)
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, &UnrecognizedCodeError{Code: uint32(k)}
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Event is a single translated change delivered to consumers.
type Event struct {
	// Kind is the translated change kind.
	Kind Kind `json:"kind"`
	// Path is relative to Target. Empty when the change concerns the
	// target itself.
	Path string `json:"path,omitempty"`
	// Target is the watched path the event was observed on.
	Target string `json:"target"`
	// Time is when the monitor received the event.
	Time time.Time `json:"time"`
}
