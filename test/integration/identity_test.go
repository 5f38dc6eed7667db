package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/domain/identity"
)

type identityRepos struct {
	users    identity.UserRepository
	admins   identity.AdminRepository
	settings identity.SettingsRepository
}

var identityStores = []struct {
	name string
	open func(t *testing.T) identityRepos
}{
	{"postgres", func(t *testing.T) identityRepos {
		pool := newPGPool(t)
		return identityRepos{identity.NewUserRepoPG(pool), identity.NewAdminRepoPG(pool), identity.NewSettingsRepoPG(pool)}
	}},
	{"mongo", func(t *testing.T) identityRepos {
		database := newMongoDB(t)
		return identityRepos{identity.NewUserRepoMongo(database), identity.NewAdminRepoMongo(database), identity.NewSettingsRepoMongo(database)}
	}},
}

func TestSettingsRepo_ConcurrentClaimAdminCreation(t *testing.T) {
	for _, store := range identityStores {
		t.Run(store.name, func(t *testing.T) {
			repos := store.open(t)
			ctx := context.Background()

			const workers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					won, err := repos.settings.ClaimAdminCreation(ctx)
					if err != nil {
						t.Errorf("ClaimAdminCreation: %v", err)
						return
					}
					if won {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if winners != 1 {
				t.Fatalf("expected exactly one claim to win, got %d", winners)
			}
			s, err := repos.settings.Get(ctx)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !s.IsAdminCreated {
				t.Error("expected admin creation flag set")
			}

			if err := repos.settings.ReleaseAdminCreation(ctx); err != nil {
				t.Fatalf("ReleaseAdminCreation: %v", err)
			}
			if won, err := repos.settings.ClaimAdminCreation(ctx); err != nil || !won {
				t.Errorf("expected claim after release to win, got %v %v", won, err)
			}
		})
	}
}

func TestAdminRepo_CreateDeleteCount(t *testing.T) {
	for _, store := range identityStores {
		t.Run(store.name, func(t *testing.T) {
			repos := store.open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			u := &identity.User{
				ID:                uuid.New(),
				Email:             "root@example.org",
				PasswordHash:      "hash",
				FirstName:         "Ana",
				LastName:          "Ruiz",
				AccountType:       identity.AccountDoctor,
				SecurityQuestions: []identity.SecurityQuestion{},
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			u.Approve(now)
			if err := repos.users.Create(ctx, u); err != nil {
				t.Fatalf("create user: %v", err)
			}
			if err := repos.admins.Create(ctx, identity.NewAdmin(u)); err != nil {
				t.Fatalf("create admin: %v", err)
			}
			if err := repos.admins.Create(ctx, identity.NewAdmin(u)); !errors.Is(err, identity.ErrAlreadyAdmin) {
				t.Errorf("expected ErrAlreadyAdmin, got %v", err)
			}
			if n, err := repos.admins.Count(ctx); err != nil || n != 1 {
				t.Errorf("expected 1 admin, got %d %v", n, err)
			}

			if err := repos.admins.DeleteByUserID(ctx, u.ID); err != nil {
				t.Fatalf("DeleteByUserID: %v", err)
			}
			if err := repos.admins.DeleteByUserID(ctx, u.ID); !errors.Is(err, identity.ErrAdminNotFound) {
				t.Errorf("expected ErrAdminNotFound, got %v", err)
			}
			if _, err := repos.admins.GetByUserID(ctx, u.ID); !errors.Is(err, identity.ErrAdminNotFound) {
				t.Errorf("expected ErrAdminNotFound, got %v", err)
			}
		})
	}
}
