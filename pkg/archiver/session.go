package archiver

import (
	"github.com/google/uuid"
)

// sessionIDLength is the number of UUID characters kept for a session id.
const sessionIDLength = 13

// Session identifies one process run. It never changes after creation.
type Session struct {
	ID string
}

// NewSession returns a session with the given id, or a generated one when
// id is empty.
func NewSession(id string) Session {
	if id != "" {
		return Session{ID: id}
	}

	return Session{ID: uuid.NewString()[:sessionIDLength]}
}
