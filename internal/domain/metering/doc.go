// Package metering contains the domain model for prepaid usage packs and their
// consumption. An organization buys a Pack of a metered resource (e.g. SMS
// notification sends); feature code reserves quantity from the pack ledger
// before performing the metered action and finalizes or compensates the
// reservation once the outcome is known.
//
// The central invariant is the conservation law: for every pack,
//
//	quantityTotal - quantityRemaining == sum of FINALIZED allocation quantities
//
// A RESERVED allocation is a pending debit already removed from the remaining
// balance; a COMPENSATED allocation has returned its quantity to the pack.
// Usage events form a permanent audit trail and are never deleted.
package metering
