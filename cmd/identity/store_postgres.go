package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory is a DirectoryStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithSchema sets the DB schema used by this store (default: "workkap").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) DirectoryOption {
	return func(s *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed DirectoryStore.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	st := &PostgresDirectory{
		pool:   pool,
		schema: "workkap",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresDirectory) Close() error { return nil }

// AccountByID fetches an account by its canonical id.
func (s *PostgresDirectory) AccountByID(ctx context.Context, id string) (Account, error) {
	const op = "identity.AccountByID"

	users := pgIdent(s.schema, "users")

	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, full_name, username
		   FROM `+users+`
		  WHERE id = $1::uuid`,
		id,
	).Scan(&a.ID, &a.Email, &a.FullName, &a.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, OpError{Op: op, Kind: ErrNotFound}
		}
		return Account{}, err
	}
	return a, nil
}

// ClientProfileByRef fetches a client profile by its own id or its account id.
func (s *PostgresDirectory) ClientProfileByRef(ctx context.Context, ref string) (Profile, error) {
	return s.profileByRef(ctx, "identity.ClientProfileByRef", "client_profiles", ref)
}

// FreelancerProfileByRef fetches a freelancer profile by its own id or its account id.
func (s *PostgresDirectory) FreelancerProfileByRef(ctx context.Context, ref string) (Profile, error) {
	return s.profileByRef(ctx, "identity.FreelancerProfileByRef", "freelancer_profiles", ref)
}

func (s *PostgresDirectory) profileByRef(ctx context.Context, op, table, ref string) (Profile, error) {
	tbl := pgIdent(s.schema, table)

	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id
		   FROM `+tbl+`
		  WHERE id = $1::uuid OR user_id = $1::uuid
		  LIMIT 1`,
		ref,
	).Scan(&p.ID, &p.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, OpError{Op: op, Kind: ErrNotFound}
		}
		return Profile{}, err
	}
	return p, nil
}

// AccountSummaries batch-loads display data for the given account ids.
func (s *PostgresDirectory) AccountSummaries(ctx context.Context, ids []string) (map[string]UserSummary, error) {
	out := make(map[string]UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	users := pgIdent(s.schema, "users")

	rows, err := s.pool.Query(ctx,
		`SELECT id, email, full_name, username
		   FROM `+users+`
		  WHERE id = ANY($1::uuid[])`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.Username); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

func pgIdent(schema, name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, name}.Sanitize()
}
