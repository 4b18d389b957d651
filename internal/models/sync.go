package models

type SyncDirection string

const (
	InternalToPublic SyncDirection = "internal_to_public"
	PublicToInternal SyncDirection = "public_to_internal"
)

func (d SyncDirection) Valid() bool {
	return d == InternalToPublic || d == PublicToInternal
}

// SyncRecord is a row as seen by the reconciler: its primary key values and
// the data columns to copy. Business meaning of the fields is opaque here.
// Err is set when the row was read but its fields could not be decoded; the
// row then counts as failed without touching the target.
type SyncRecord struct {
	Key    map[string]interface{}
	Fields map[string]interface{}
	Err    error
}
