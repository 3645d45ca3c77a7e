//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
)

// startPostgres runs a disposable postgres container and returns a DSN.
func startPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kohakuhub_test"),
		postgres.WithUsername("kohakuhub_test"),
		postgres.WithPassword("kohakuhub_test"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	return fmt.Sprintf("postgres://kohakuhub_test:kohakuhub_test@%s:%d/kohakuhub_test?sslmode=disable",
		host, port.Int())
}

func TestPostgresBackend(t *testing.T) {
	dsn := startPostgres(t)

	st, err := New(&Config{
		Backend: BackendPostgres,
		URL:     dsn,
	})
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	t.Run("normalized name uniqueness crosses users and orgs", func(t *testing.T) {
		user := mustCreateUser(t, st, "My-User", "myuser@example.com")

		org := &models.User{Username: "my_user", IsOrg: true}
		err := st.CreateOrganization(ctx, org, user.ID)
		if !errors.Is(err, models.ErrUserExists) {
			t.Fatalf("expected ErrUserExists for clashing normalized name, got %v", err)
		}
	})

	t.Run("bigint file sizes survive the round trip", func(t *testing.T) {
		owner := mustCreateUser(t, st, "bigfiles", "bigfiles@example.com")
		repo := mustCreateRepo(t, st, owner, names.RepoTypeModel, "big", false)

		const size = int64(1) << 34
		file := &models.File{
			RepositoryID: repo.ID,
			Branch:       "main",
			PathInRepo:   "weights.bin",
			SHA256:       "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee",
			Size:         size,
			LFS:          true,
		}
		if err := st.UpsertFile(ctx, file); err != nil {
			t.Fatalf("UpsertFile: %v", err)
		}

		got, err := st.GetFile(ctx, repo.ID, "main", "weights.bin")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Size != size {
			t.Fatalf("size truncated: want %d, got %d", size, got.Size)
		}
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		owner := mustCreateUser(t, st, "txowner", "txowner@example.com")

		wantErr := errors.New("abort")
		err := st.WithTransaction(ctx, func(tx *Store) error {
			repo := &models.Repository{
				RepoType:  string(names.RepoTypeModel),
				Namespace: owner.Username,
				Name:      "doomed",
				OwnerID:   owner.ID,
			}
			if err := tx.CreateRepository(ctx, repo); err != nil {
				return err
			}
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected the injected error back, got %v", err)
		}

		if _, err := st.GetRepository(ctx, names.RepoTypeModel, owner.Username, "doomed"); !errors.Is(err, models.ErrRepoNotFound) {
			t.Fatalf("repo should have rolled back, lookup returned %v", err)
		}
	})
}
