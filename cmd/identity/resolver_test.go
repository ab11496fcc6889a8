package identity

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

const (
	testAccountID    = "11111111-2222-4333-8444-555555555555"
	testClientID     = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
	testFreelancerID = "99999999-8888-4777-9666-555555554444"
)

func testResolver(dir *MemoryDirectory) *Resolver {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewResolver(log, dir)
}

func seededDirectory() *MemoryDirectory {
	dir := NewMemoryDirectory()
	dir.PutAccount(Account{ID: testAccountID, Email: "a@example.com", FullName: "Ada Example", Username: "ada"})
	dir.PutClientProfile(Profile{ID: testClientID, AccountID: testAccountID})
	dir.PutFreelancerProfile(Profile{ID: testFreelancerID, AccountID: testAccountID})
	return dir
}

func TestResolve_AccountID(t *testing.T) {
	t.Parallel()

	r := testResolver(seededDirectory())

	p, err := r.Resolve(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !p.Exists {
		t.Fatalf("expected Exists=true")
	}
	if p.Canonical != testAccountID {
		t.Fatalf("canonical=%s want=%s", p.Canonical, testAccountID)
	}
	for _, want := range []string{testAccountID, testClientID, testFreelancerID} {
		if !p.HasAlias(want) {
			t.Fatalf("missing alias %s in %v", want, p.Aliases)
		}
	}
}

func TestResolve_ClientProfileID(t *testing.T) {
	t.Parallel()

	r := testResolver(seededDirectory())

	p, err := r.Resolve(context.Background(), testClientID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !p.Exists {
		t.Fatalf("expected Exists=true")
	}
	if p.Canonical != testAccountID {
		t.Fatalf("canonical=%s want account id %s", p.Canonical, testAccountID)
	}
	if !p.HasAlias(testClientID) {
		t.Fatalf("expected client profile id in aliases: %v", p.Aliases)
	}
}

func TestResolve_FreelancerProfileID(t *testing.T) {
	t.Parallel()

	r := testResolver(seededDirectory())

	p, err := r.Resolve(context.Background(), testFreelancerID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Canonical != testAccountID {
		t.Fatalf("canonical=%s want account id %s", p.Canonical, testAccountID)
	}
}

// Pins the artifact priority: an account match must win over profile matches,
// and a freelancer profile must win over a client profile. Re-keying this
// silently would split existing conversations.
func TestResolve_PriorityAccountWins(t *testing.T) {
	t.Parallel()

	// One id that is simultaneously an account id and a client-profile id
	// pointing at a DIFFERENT account.
	sharedID := "00000000-aaaa-4bbb-8ccc-000000000001"
	otherAccount := "00000000-aaaa-4bbb-8ccc-000000000002"

	dir := NewMemoryDirectory()
	dir.PutAccount(Account{ID: sharedID})
	dir.PutClientProfile(Profile{ID: sharedID, AccountID: otherAccount})

	r := testResolver(dir)

	p, err := r.Resolve(context.Background(), sharedID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Canonical != sharedID {
		t.Fatalf("account must win: canonical=%s want=%s", p.Canonical, sharedID)
	}
	if !p.HasAlias(otherAccount) {
		t.Fatalf("losing artifact ids must still be aliases: %v", p.Aliases)
	}
}

func TestResolve_PriorityFreelancerOverClient(t *testing.T) {
	t.Parallel()

	sharedID := "00000000-aaaa-4bbb-8ccc-000000000003"
	clientAccount := "00000000-aaaa-4bbb-8ccc-000000000004"
	freelancerAccount := "00000000-aaaa-4bbb-8ccc-000000000005"

	dir := NewMemoryDirectory()
	dir.PutClientProfile(Profile{ID: sharedID, AccountID: clientAccount})
	dir.PutFreelancerProfile(Profile{ID: sharedID, AccountID: freelancerAccount})

	r := testResolver(dir)

	p, err := r.Resolve(context.Background(), sharedID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Canonical != freelancerAccount {
		t.Fatalf("freelancer must win over client: canonical=%s want=%s", p.Canonical, freelancerAccount)
	}
}

func TestResolve_NonUUIDShortCircuits(t *testing.T) {
	t.Parallel()

	r := testResolver(seededDirectory())

	p, err := r.Resolve(context.Background(), "  not-a-uuid  ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Exists {
		t.Fatalf("expected Exists=false for non-uuid input")
	}
	if p.Canonical != "not-a-uuid" {
		t.Fatalf("canonical=%q want trimmed input", p.Canonical)
	}
	if !p.HasAlias("  not-a-uuid  ") || !p.HasAlias("not-a-uuid") {
		t.Fatalf("aliases must include raw and trimmed input: %v", p.Aliases)
	}
}

func TestResolve_UnknownUUID(t *testing.T) {
	t.Parallel()

	r := testResolver(seededDirectory())

	unknown := "fedcba98-7654-4321-8765-432101234567"
	p, err := r.Resolve(context.Background(), unknown)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Exists {
		t.Fatalf("expected Exists=false")
	}
	if p.Canonical != unknown {
		t.Fatalf("canonical=%s want input passthrough", p.Canonical)
	}
}

func TestResolve_EmptyInput(t *testing.T) {
	t.Parallel()

	r := testResolver(seededDirectory())

	if _, err := r.Resolve(context.Background(), "   "); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
