package tenancy

import (
	"fmt"

	"github.com/google/uuid"
)

// PublicNamespace is the shared schema requests fall back to when no tenant
// is bound.
const PublicNamespace = "public"

// NamespaceFor derives the storage namespace for a tenant ID: "tenant_"
// followed by the 32 hex digits of the UUID. Pure function, so every caller
// computes the same name without I/O, and always a valid unquoted Postgres
// identifier.
func NamespaceFor(id uuid.UUID) string {
	return fmt.Sprintf("tenant_%x", [16]byte(id))
}
