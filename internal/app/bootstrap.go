package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"onecost/internal/domain"
	"onecost/internal/repo"
)

// EnsureInitialAdmin seeds the first administrator when the actors table is
// empty, so a fresh workspace can be logged into. Returns the admin id when
// one was created, empty string otherwise.
func EnsureInitialAdmin(ctx context.Context, r repo.Repo, id, displayName, password string) (string, error) {
	n, err := r.CountActors(ctx)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", nil
	}
	if id == "" {
		id = "admin"
	}
	if displayName == "" {
		displayName = "Administrator"
	}
	if password == "" {
		return "", fmt.Errorf("initial admin password required; set ONECOST_ADMIN_PASSWORD or run oc user create")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	a := domain.Actor{
		ID:           id,
		DisplayName:  displayName,
		Role:         domain.RoleAdmin,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertActor(ctx, a); err != nil {
		return "", fmt.Errorf("seed admin: %w", err)
	}
	return a.ID, nil
}
