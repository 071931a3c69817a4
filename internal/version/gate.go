package version

import "fmt"

// Decision is the outcome of [Check].
type Decision int

const (
	// Open means versions are equal and the document opens directly.
	Open Decision = iota + 1

	// Migrate means the application is newer. The caller must get explicit
	// confirmation, then commit the application version after loading.
	Migrate

	// Reject means the document was written by a newer application.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Open:
		return "open"
	case Migrate:
		return "migrate"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Check decides how a document at docVersion may be opened by appVersion.
// An empty docVersion is a legacy document and always needs migration unless
// appVersion is empty too.
func Check(appVersion, docVersion string) Decision {
	switch c := Compare(appVersion, docVersion); {
	case c < 0:
		return Reject
	case c > 0:
		return Migrate
	default:
		return Open
	}
}
