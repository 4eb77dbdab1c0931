package collab

import "fmt"

// ObjectType identifies the kind of content a document carries.
type ObjectType int

// Object types.
const (
	Document ObjectType = iota
	Database
	WorkspaceDatabase
	Folder
	DatabaseRow
	UserAwareness
)

var objectTypeNames = [...]string{
	Document:          "document",
	Database:          "database",
	WorkspaceDatabase: "workspace_database",
	Folder:            "folder",
	DatabaseRow:       "database_row",
	UserAwareness:     "user_awareness",
}

func (t ObjectType) String() string {
	if t < 0 || int(t) >= len(objectTypeNames) {
		return fmt.Sprintf("ObjectType(%d)", int(t))
	}
	return objectTypeNames[t]
}

// ParseObjectType is the inverse of ObjectType.String.
func ParseObjectType(s string) (ObjectType, error) {
	for i, n := range objectTypeNames {
		if n == s {
			return ObjectType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown object type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ObjectType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ObjectType) UnmarshalText(b []byte) error {
	v, err := ParseObjectType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
