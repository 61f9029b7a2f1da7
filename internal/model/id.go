package model

import (
	"fmt"
	"regexp"

	"github.com/oklog/ulid/v2"
)

type IDType string

const (
	IDTypeTask   IDType = "task"
	IDTypeWorker IDType = "worker"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:   true,
	IDTypeWorker: true,
}

var idRegex = regexp.MustCompile(`^(task|worker)_[0-9A-HJKMNP-TV-Z]{26}$`)

// NewID generates a typed identifier of the form "<type>_<ULID>". ULIDs
// are lexicographically sortable by creation time, which keeps IDs
// readable in logs and stable as a final ordering tie-break.
func NewID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	return fmt.Sprintf("%s_%s", idType, ulid.Make().String()), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}
