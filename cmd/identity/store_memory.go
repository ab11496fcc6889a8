package identity

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory DirectoryStore for dev mode and tests.
type MemoryDirectory struct {
	mu          sync.RWMutex
	accounts    map[string]Account
	clients     map[string]Profile // keyed by profile id
	freelancers map[string]Profile // keyed by profile id
}

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		accounts:    make(map[string]Account),
		clients:     make(map[string]Profile),
		freelancers: make(map[string]Profile),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryDirectory) Close() error { return nil }

// PutAccount registers an account record.
func (s *MemoryDirectory) PutAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// PutClientProfile registers a client profile record.
func (s *MemoryDirectory) PutClientProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[p.ID] = p
}

// PutFreelancerProfile registers a freelancer profile record.
func (s *MemoryDirectory) PutFreelancerProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freelancers[p.ID] = p
}

// AccountByID fetches an account by its canonical id.
func (s *MemoryDirectory) AccountByID(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return Account{}, OpError{Op: "identity.AccountByID", Kind: ErrNotFound}
	}
	return a, nil
}

// ClientProfileByRef fetches a client profile by its own id or its account id.
func (s *MemoryDirectory) ClientProfileByRef(ctx context.Context, ref string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return profileByRef(s.clients, "identity.ClientProfileByRef", ref)
}

// FreelancerProfileByRef fetches a freelancer profile by its own id or its account id.
func (s *MemoryDirectory) FreelancerProfileByRef(ctx context.Context, ref string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return profileByRef(s.freelancers, "identity.FreelancerProfileByRef", ref)
}

func profileByRef(m map[string]Profile, op, ref string) (Profile, error) {
	if p, ok := m[ref]; ok {
		return p, nil
	}
	for _, p := range m {
		if p.AccountID == ref {
			return p, nil
		}
	}
	return Profile{}, OpError{Op: op, Kind: ErrNotFound}
}

// AccountSummaries batch-loads display data for the given account ids.
func (s *MemoryDirectory) AccountSummaries(ctx context.Context, ids []string) (map[string]UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]UserSummary, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = UserSummary{
				ID:       a.ID,
				Email:    a.Email,
				FullName: a.FullName,
				Username: a.Username,
			}
		}
	}
	return out, nil
}
