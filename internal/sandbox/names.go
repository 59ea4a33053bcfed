package sandbox

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidName is returned when a case name carries anything beyond
	// alphanumerics, underscore, and hyphen.
	ErrInvalidName = errors.New("invalid name: use alphanumeric, underscore, and hyphen only")

	// ErrReservedName is returned for Windows reserved device names. The
	// check applies on every platform so case trees stay portable across
	// shared filesystems.
	ErrReservedName = errors.New("name is reserved")
)

var caseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedNames are device names that Windows treats specially regardless
// of extension. Compared case-insensitively.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
	"clock$": {}, "conin$": {}, "conout$": {},
}

// ValidateCaseName checks a destination case name independently of path
// containment: character whitelist first, then the reserved-device check.
func ValidateCaseName(name string) error {
	if !caseNamePattern.MatchString(name) {
		return ErrInvalidName
	}
	if _, ok := reservedNames[strings.ToLower(name)]; ok {
		return ErrReservedName
	}
	return nil
}
