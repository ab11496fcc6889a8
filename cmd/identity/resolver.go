package identity

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Participant is the outcome of resolving one raw participant reference.
type Participant struct {
	// Canonical is the account id all conversation state should be keyed by.
	// When nothing matched, it falls back to the trimmed input.
	Canonical string

	// Aliases is every id this participant may appear under in legacy rows:
	// the raw and trimmed inputs plus the ids of all matched artifacts.
	Aliases []string

	// Exists reports whether any account or profile artifact matched.
	Exists bool
}

// HasAlias reports whether id is one of the participant's aliases.
func (p Participant) HasAlias(id string) bool {
	for _, a := range p.Aliases {
		if a == id {
			return true
		}
	}
	return false
}

// Resolver maps raw participant references onto canonical account ids.
// Resolve is read-only: it never creates or mutates directory records.
type Resolver struct {
	log   *slog.Logger
	store DirectoryStore
}

// NewResolver constructs a Resolver.
func NewResolver(log *slog.Logger, store DirectoryStore) *Resolver {
	return &Resolver{log: log, store: store}
}

// Resolve maps a raw reference (account id, client-profile id, or
// freelancer-profile id) to a canonical participant.
//
// Priority when multiple artifacts match the same reference:
// an account match wins over a freelancer profile, which wins over a
// client profile. Changing this order silently re-keys conversations,
// so it is pinned by tests.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Participant, error) {
	const op = "identity.Resolve"

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Participant{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty participant reference"}
	}

	// Non-UUID references can never match a directory row. Short-circuit
	// without touching storage so malformed input stays cheap.
	if !IsCanonicalID(trimmed) {
		return Participant{
			Canonical: trimmed,
			Aliases:   dedupeAliases(raw, trimmed),
			Exists:    false,
		}, nil
	}

	var (
		account        Account
		accountOK      bool
		clientProf     Profile
		clientOK       bool
		freelancerProf Profile
		freelancerOK   bool
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a, err := r.store.AccountByID(gctx, trimmed)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		account, accountOK = a, true
		return nil
	})

	g.Go(func() error {
		p, err := r.store.ClientProfileByRef(gctx, trimmed)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		clientProf, clientOK = p, true
		return nil
	})

	g.Go(func() error {
		p, err := r.store.FreelancerProfileByRef(gctx, trimmed)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		freelancerProf, freelancerOK = p, true
		return nil
	})

	if err := g.Wait(); err != nil {
		return Participant{}, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}

	aliases := []string{raw, trimmed}
	canonical := trimmed

	// Lowest priority first so later assignments overwrite earlier ones.
	if clientOK {
		aliases = append(aliases, clientProf.ID, clientProf.AccountID)
		canonical = clientProf.AccountID
	}
	if freelancerOK {
		aliases = append(aliases, freelancerProf.ID, freelancerProf.AccountID)
		canonical = freelancerProf.AccountID
	}
	if accountOK {
		aliases = append(aliases, account.ID)
		canonical = account.ID
	}

	return Participant{
		Canonical: canonical,
		Aliases:   dedupeAliases(aliases...),
		Exists:    accountOK || clientOK || freelancerOK,
	}, nil
}

// Summaries batch-loads display data for the given account ids.
func (r *Resolver) Summaries(ctx context.Context, ids []string) (map[string]UserSummary, error) {
	const op = "identity.Summaries"

	out, err := r.store.AccountSummaries(ctx, ids)
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	return out, nil
}

func dedupeAliases(in ...string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
