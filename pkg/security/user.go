package security

import (
	"errors"
	"sync"
)

// User is an operator account for the admin console (pkg/httpapi, pkg/admin),
// distinct from the PostgreSQL role credentials pkg/auth negotiates for
// client connections to the proxy itself.
type User struct {
	Username     string
	PasswordHash string
	Roles        []string
	Active       bool
}

// UserStore manages admin console operator accounts in memory. The console
// is meant for a handful of operators, not end users, so there is no
// database-backed variant.
type UserStore struct {
	users map[string]*User
	mu    sync.RWMutex
}

// NewUserStore creates a user store seeded with the three default roles:
// admin (full RBAC wildcard), operator (shard/reshard read-write), and
// viewer (read-only). Passwords should be rotated before production use.
func NewUserStore() *UserStore {
	store := &UserStore{
		users: make(map[string]*User),
	}

	defaultUsers := []*User{
		{
			Username:     "admin",
			PasswordHash: "$2a$10$LtlhX7.r1Rf9Fl7XjR9VKeaZvwU7PJK6tlWF5rXdxe1fg55wurAnW", // admin123
			Roles:        []string{"admin"},
			Active:       true,
		},
		{
			Username:     "operator",
			PasswordHash: "$2a$10$oDZulSnupJh0OdVrJImYNO/HrxjmUx8QA.ICMSA/Pdskkdwd68.bu", // operator123
			Roles:        []string{"operator"},
			Active:       true,
		},
		{
			Username:     "viewer",
			PasswordHash: "$2a$10$QyJBIVEeUVYYYdRELwpeLe7E5y2vvDIWdIMlIoXOjQCYWj2ozssDG", // viewer123
			Roles:        []string{"viewer"},
			Active:       true,
		},
	}

	for _, user := range defaultUsers {
		store.users[user.Username] = user
	}

	return store
}

// GetUser retrieves a user by username.
func (s *UserStore) GetUser(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[username]
	if !exists {
		return nil, errors.New("user not found")
	}
	if !user.Active {
		return nil, errors.New("user is inactive")
	}
	return user, nil
}

// Authenticate verifies admin console credentials.
func (s *UserStore) Authenticate(username, password string) (*User, error) {
	user, err := s.GetUser(username)
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, errors.New("invalid password")
	}
	return user, nil
}

// AddUser adds a new operator account, capping the number of admin-role
// accounts at two so the console never loses its break-glass access.
func (s *UserStore) AddUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return errors.New("user already exists")
	}

	if hasRole(user.Roles, "admin") {
		count := 0
		for _, u := range s.users {
			if hasRole(u.Roles, "admin") {
				count++
			}
		}
		if count >= 2 {
			return errors.New("maximum of 2 admin users allowed")
		}
	}

	s.users[user.Username] = user
	return nil
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
