package resolver

import (
	"fmt"
	"strings"
)

// Type is the mechanism used to get from a source to its destination
type Type int

const (
	Header Type = iota
	StagedScript
	BrowserDesktop
	BrowserMobile
)

var typeNames = [...]string{
	Header:         "header",
	StagedScript:   "staged-script",
	BrowserDesktop: "browser",
	BrowserMobile:  "browser-mobile",
}

// the order in which mechanisms are tried when enrolling a newly discovered url
var EnrollmentOrder = []Type{Header, StagedScript, BrowserDesktop, BrowserMobile}

type UnsupportedTypeErr struct {
	Type string
}

func (err UnsupportedTypeErr) Error() string {
	return fmt.Sprintf("unsupported redirect type: %q", err.Type)
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return 0, UnsupportedTypeErr{Type: s}
}
