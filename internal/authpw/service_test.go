package authpw

import (
	"context"
	"errors"
	"testing"

	"marginalia/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users     map[string]store.User
	nameIndex map[string]string // username -> userID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:     make(map[string]store.User),
		nameIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if userID, ok := m.nameIndex[username]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUser(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.nameIndex[user.Username] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
	}
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newMockUserStore())

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Username:  "morgan",
		Password:  "correct-horse",
		FirstName: "Morgan",
		LastName:  "Reyes",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected user ID to be assigned")
	}

	signedIn, err := svc.SignIn(context.Background(), "morgan", "correct-horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("SignIn() user = %s, want %s", signedIn.ID, user.ID)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	svc := NewService(newMockUserStore())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Username: "morgan", Password: "correct-horse"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "morgan", "battery-staple"); err == nil {
		t.Fatal("expected SignIn() to fail for wrong password")
	}
}

func TestSignUpRejectsDuplicateUsername(t *testing.T) {
	svc := NewService(newMockUserStore())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Username: "morgan", Password: "correct-horse"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Username: "morgan", Password: "other-password"}); err == nil {
		t.Fatal("expected SignUp() to fail for duplicate username")
	}
}

func TestChangePasswordChecksCurrent(t *testing.T) {
	mock := newMockUserStore()
	svc := NewService(mock)
	user, err := svc.SignUp(context.Background(), SignUpRequest{Username: "morgan", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	if err := svc.ChangePassword(context.Background(), user.ID, "wrong-current", "new-password-1"); err == nil {
		t.Fatal("expected ChangePassword() to fail for wrong current password")
	}
	if err := svc.ChangePassword(context.Background(), user.ID, "correct-horse", "new-password-1"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "morgan", "new-password-1"); err != nil {
		t.Fatalf("SignIn() with new password error = %v", err)
	}
}
