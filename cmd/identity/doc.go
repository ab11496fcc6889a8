// Package identity resolves participant references to canonical account ids.
//
// Workkap users can be addressed by their account id, their client-profile id,
// or their freelancer-profile id. Every conversation and message is keyed by
// canonical account ids, so the resolver maps any of those aliases onto one
// canonical id plus the full alias set needed for legacy-row lookups.
package identity
