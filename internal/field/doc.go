// Package field defines the value model for record fields.
//
// A record's field set is a field.Object: a map from field name to a sealed
// field.Value. Only Null, String, Int, Bool, List and Object implement Value.
// Floats are deliberately absent so that stored records, outbox diffs and
// remote snapshots serialize identically on every device.
//
// Null only appears inside update diffs, where it marks a removed field.
// Stored record fields never contain Null (the schema layer rejects it).
//
// All persisted and wire encodings go through MarshalCanonical, which sorts
// object keys by UTF-16 code units, NFC-normalizes strings and never escapes
// HTML characters.
package field
