package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/arkiv/idgen"
)

// Roles form a closed set.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var (
	// ErrInvalidCredentials covers unknown user, wrong password and
	// disabled accounts alike, so responses cannot reveal which it was.
	ErrInvalidCredentials = errors.New("authz: invalid credentials")
	// ErrUserExists is returned when the username is taken.
	ErrUserExists = errors.New("authz: username already exists")
	// ErrUserNotFound is returned by lookups on absent user ids.
	ErrUserNotFound = errors.New("authz: user not found")
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)

// User is an account. PasswordHash holds the encoded argon2id hash; the
// cleartext never persists.
type User struct {
	UserID         string            `json:"user_id"`
	Username       string            `json:"username"`
	PasswordHash   string            `json:"-"`
	Department     string            `json:"department"`
	ClearanceLevel int               `json:"clearance_level"`
	Roles          []string          `json:"roles"`
	Email          string            `json:"email,omitempty"`
	Active         bool              `json:"active"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// HasRole reports whether the user carries role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
    user_id         TEXT PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    password_hash   TEXT NOT NULL,
    department      TEXT NOT NULL DEFAULT '',
    clearance_level INTEGER NOT NULL DEFAULT 0,
    roles           TEXT NOT NULL DEFAULT '[]',
    email           TEXT NOT NULL DEFAULT '',
    active          INTEGER NOT NULL DEFAULT 1,
    attributes      TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL
);
`

// UserStore persists accounts in the users database.
type UserStore struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewUserStore applies the schema and returns the store.
func NewUserStore(db *sql.DB) (*UserStore, error) {
	if _, err := db.Exec(usersSchema); err != nil {
		return nil, fmt.Errorf("authz: users schema: %w", err)
	}
	return &UserStore{db: db, newID: idgen.Prefixed("usr_", idgen.Default)}, nil
}

// NewUserParams carries the fields for account creation.
type NewUserParams struct {
	Username       string
	Password       string
	Department     string
	ClearanceLevel int
	Roles          []string
	Email          string
	Attributes     map[string]string
}

// Create validates, hashes the password and inserts the account.
func (s *UserStore) Create(ctx context.Context, p NewUserParams) (*User, error) {
	if !usernameRe.MatchString(p.Username) {
		return nil, fmt.Errorf("authz: invalid username %q", p.Username)
	}
	if len(p.Password) < 8 {
		return nil, fmt.Errorf("authz: password too short")
	}
	if p.ClearanceLevel < LevelPublic || p.ClearanceLevel > LevelRestricted {
		return nil, fmt.Errorf("authz: clearance level out of range: %d", p.ClearanceLevel)
	}
	for _, r := range p.Roles {
		switch r {
		case RoleViewer, RoleOperator, RoleAdmin:
		default:
			return nil, fmt.Errorf("authz: unknown role %q", r)
		}
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, err
	}

	u := &User{
		UserID:         s.newID(),
		Username:       p.Username,
		PasswordHash:   hash,
		Department:     p.Department,
		ClearanceLevel: p.ClearanceLevel,
		Roles:          p.Roles,
		Email:          p.Email,
		Active:         true,
		Attributes:     p.Attributes,
		CreatedAt:      time.Now().UTC(),
	}
	rolesJSON, _ := json.Marshal(u.Roles)
	attrsJSON, _ := json.Marshal(u.Attributes)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, password_hash, department,
			clearance_level, roles, email, active, attributes, created_at)
		VALUES (?,?,?,?,?,?,?,1,?,?)`,
		u.UserID, u.Username, u.PasswordHash, u.Department,
		u.ClearanceLevel, string(rolesJSON), u.Email, string(attrsJSON),
		u.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("authz: create user: %w", err)
	}
	return u, nil
}

// Authenticate verifies username and password. All failure modes collapse
// into ErrInvalidCredentials.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.byUsername(ctx, username)
	if err != nil {
		// Burn comparable time so unknown users are not distinguishable
		// by response latency.
		_ = VerifyPassword(password, dummyHash)
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(password, u.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// dummyHash is verified against when the username is unknown.
var dummyHash = func() string {
	h, err := HashPassword("arkiv-timing-equalizer")
	if err != nil {
		panic(err)
	}
	return h
}()

// ByID returns the account for a user id.
func (s *UserStore) ByID(ctx context.Context, userID string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT user_id, username, password_hash, department, clearance_level,
			roles, email, active, attributes, created_at
		FROM users WHERE user_id = ?`, userID))
}

func (s *UserStore) byUsername(ctx context.Context, username string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT user_id, username, password_hash, department, clearance_level,
			roles, email, active, attributes, created_at
		FROM users WHERE username = ?`, username))
}

// Count returns the number of accounts; used at boot to decide whether to
// seed an admin.
func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *UserStore) scanOne(row *sql.Row) (*User, error) {
	var u User
	var rolesJSON, attrsJSON string
	var active int
	var createdAt int64
	err := row.Scan(&u.UserID, &u.Username, &u.PasswordHash, &u.Department,
		&u.ClearanceLevel, &rolesJSON, &u.Email, &active, &attrsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authz: scan user: %w", err)
	}
	u.Active = active == 1
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	json.Unmarshal([]byte(rolesJSON), &u.Roles)
	json.Unmarshal([]byte(attrsJSON), &u.Attributes)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
