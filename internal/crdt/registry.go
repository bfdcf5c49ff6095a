package crdt

import "fmt"

// ModelID is a stable identifier for a synchronized entity type. The
// registry below maps each synchronized entity to a stable u16 and is
// append-only across versions.
type ModelID uint16

// The closed, append-only registry. Never renumber an existing entry;
// only append new ones.
const (
	ModelFilePath ModelID = iota + 1
	ModelObject
	ModelTag
	ModelTagOnObject
	ModelLocation
)

var modelNames = map[ModelID]string{
	ModelFilePath:    "file_path",
	ModelObject:      "object",
	ModelTag:         "tag",
	ModelTagOnObject: "tag_on_object",
	ModelLocation:    "location",
}

// Name returns the registered name for id, or an error if id is unknown.
func Name(id ModelID) (string, error) {
	name, ok := modelNames[id]
	if !ok {
		return "", fmt.Errorf("crdt: unknown model id %d", id)
	}
	return name, nil
}

// IsRegistered reports whether id has been registered.
func IsRegistered(id ModelID) bool {
	_, ok := modelNames[id]
	return ok
}
