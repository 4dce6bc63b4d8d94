// Package ids generates sortable identifiers for events and requests.
package ids

import "github.com/oklog/ulid/v2"

// New returns a ULID string. Identifiers created by one process sort in
// creation order.
func New() string {
	return ulid.Make().String()
}
