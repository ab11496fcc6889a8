package identity

import "context"

// Account is the canonical user record owned by the account service.
type Account struct {
	ID       string
	Email    string
	FullName string
	Username string
}

// Profile is a role-specific artifact (client or freelancer) linked to an account.
type Profile struct {
	ID        string
	AccountID string
}

// UserSummary is the display projection used by conversation listings.
type UserSummary struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Username string `json:"username"`
}

// DirectoryStore reads account and profile records.
//
// All lookups return ErrNotFound (wrapped) when no row matches; any other
// error indicates a storage failure and must be propagated.
type DirectoryStore interface {
	// AccountByID fetches an account by its canonical id.
	AccountByID(ctx context.Context, id string) (Account, error)

	// ClientProfileByRef fetches a client profile matched by its own id OR by
	// the owning account id.
	ClientProfileByRef(ctx context.Context, ref string) (Profile, error)

	// FreelancerProfileByRef fetches a freelancer profile matched by its own
	// id OR by the owning account id.
	FreelancerProfileByRef(ctx context.Context, ref string) (Profile, error)

	// AccountSummaries batch-loads display data for the given account ids.
	// Missing ids are simply absent from the result map.
	AccountSummaries(ctx context.Context, ids []string) (map[string]UserSummary, error)

	Close() error
}
