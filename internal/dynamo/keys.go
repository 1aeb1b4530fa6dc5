// Package dynamo provides shared DynamoDB constants for the single-table
// layout used by documents and flags.
package dynamo

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Key prefixes.
	PrefixTenant   = "TENANT#"
	PrefixDocument = "DOC#"
	PrefixFlag     = "FLAG#"

	// LSI sort key attributes.
	AttrLSI1SK = "lsi1sk"

	// Index names.
	IndexLSI1 = "lsi1"
)
