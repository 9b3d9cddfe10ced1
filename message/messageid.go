package message

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// MessageIDGen returns a new value for a Message-ID header, without the
// enclosing angle brackets, with the hostname as right-hand side. The
// left-hand side is a ULID, unique and ordered by generation time.
func MessageIDGen(hostname string) string {
	return strings.ToLower(ulid.Make().String()) + "@" + hostname
}
