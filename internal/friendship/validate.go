package friendship

import (
	"regexp"

	"github.com/google/uuid"
)

// idPattern is the canonical 8-4-4-4-12 hex form. uuid.Parse alone also
// accepts braced, urn and unhyphenated forms.
var idPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ParseID validates s as a canonical identifier and parses it.
func ParseID(s string) (uuid.UUID, bool) {
	if !idPattern.MatchString(s) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func parseUserID(s string) (uuid.UUID, error) {
	id, ok := ParseID(s)
	if !ok {
		return uuid.Nil, newError(KindInvalid, MsgInvalidUserID)
	}
	return id, nil
}

func parseRequestID(s string) (uuid.UUID, error) {
	id, ok := ParseID(s)
	if !ok {
		return uuid.Nil, newError(KindInvalid, MsgInvalidRequestID)
	}
	return id, nil
}
