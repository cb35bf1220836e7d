package receipt

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a username and password do not match
var ErrInvalidCredentials = errors.New("invalid credentials")

// Accounts manages users and each user's profile directory
type Accounts struct {
	db         DB
	ledger     *LedgerStore
	timeSource TimeSource
	hashCost   int
}

// NewAccounts creates Accounts with the default bcrypt cost
func NewAccounts(db DB, ledger *LedgerStore) *Accounts {
	return NewAccountsWithDeps(db, ledger, defaultTimeSource{}, bcrypt.DefaultCost)
}

// NewAccountsWithDeps creates Accounts with custom dependencies for testing
func NewAccountsWithDeps(db DB, ledger *LedgerStore, timeSrc TimeSource, hashCost int) *Accounts {
	if timeSrc == nil {
		timeSrc = defaultTimeSource{}
	}
	a := &Accounts{
		db:         db,
		ledger:     ledger,
		timeSource: timeSrc,
		hashCost:   hashCost,
	}
	if ledger != nil {
		ledger.SetDirectory(a.HasProfile)
	}
	return a
}

// ValidateUsername requires a lowercase name without spaces that is safe as a directory name
func ValidateUsername(username string) error {
	if err := ValidateName(username); err != nil {
		return err
	}
	if username != strings.ToLower(username) {
		return fmt.Errorf("%w: username must be lowercase", ErrInvalidName)
	}
	if strings.IndexFunc(username, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: username must not contain spaces", ErrInvalidName)
	}
	return nil
}

// CreateUser adds an account. Existing usernames are rejected.
func (a *Accounts) CreateUser(username, password string, isAdmin bool) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}

	if _, err := a.db.GetUser(username); err == nil {
		return nil, fmt.Errorf("user %s: %w", username, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		CreatedAt:    a.timeSource.Now(),
	}
	if err := a.db.SaveUser(user); err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}
	slog.Info("User created", "username", username, "admin", isAdmin)
	return user, nil
}

// Authenticate returns the user when the password matches
func (a *Accounts) Authenticate(username, password string) (*User, error) {
	user, err := a.db.GetUser(username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ListUsers returns all accounts
func (a *Accounts) ListUsers() ([]*User, error) {
	users, err := a.db.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// DeleteUser removes an account, its profiles and every ledger it owns
func (a *Accounts) DeleteUser(username string) error {
	if _, err := a.db.GetUser(username); err != nil {
		return fmt.Errorf("getting user for deletion: %w", err)
	}
	if err := a.db.DeleteUser(username); err != nil {
		return fmt.Errorf("deleting user from database: %w", err)
	}
	if err := a.ledger.DeleteUser(username); err != nil {
		// The account is gone; leftover files are only logged
		slog.Warn("Failed to delete ledgers", "username", username, "error", err)
	}
	slog.Info("User deleted", "username", username)
	return nil
}

// EnsureAdmin creates the bootstrap admin account if it does not exist
func (a *Accounts) EnsureAdmin(username, password string) error {
	_, err := a.db.GetUser(username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("checking admin: %w", err)
	}
	if _, err := a.CreateUser(username, password, true); err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}
	return nil
}

// CreateProfile adds a profile to the user's directory and creates its empty ledger
func (a *Accounts) CreateProfile(username, name string) (*Profile, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "", ProfileNone, ProfileCreateNew:
		return nil, fmt.Errorf("%w: %q is not a usable profile name", ErrInvalidName, name)
	}
	if _, err := LedgerPath(username, name); err != nil {
		return nil, err
	}

	profile := Profile{Name: name, CreatedAt: a.timeSource.Now()}
	if err := a.db.AddProfile(username, profile); err != nil {
		return nil, fmt.Errorf("adding profile: %w", err)
	}
	if err := a.ledger.EnsureLedger(username, name); err != nil {
		if rbErr := a.db.DeleteProfile(username, name); rbErr != nil {
			slog.Error("Failed to roll back profile", "username", username, "profile", name, "error", rbErr)
		}
		return nil, fmt.Errorf("creating ledger: %w", err)
	}
	slog.Info("Profile created", "username", username, "profile", name)
	return &profile, nil
}

// ListProfiles returns the user's profiles in creation order
func (a *Accounts) ListProfiles(username string) ([]Profile, error) {
	profiles, err := a.db.ListProfiles(username)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	return profiles, nil
}

// DeleteProfile removes a profile and its ledger
func (a *Accounts) DeleteProfile(username, name string) error {
	if err := a.db.DeleteProfile(username, name); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	if err := a.ledger.Delete(username, name); err != nil {
		return fmt.Errorf("deleting ledger: %w", err)
	}
	slog.Info("Profile deleted", "username", username, "profile", name)
	return nil
}

// HasProfile reports whether name is in the user's directory
func (a *Accounts) HasProfile(username, name string) (bool, error) {
	profiles, err := a.ListProfiles(username)
	if err != nil {
		return false, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// DownloadLedger returns the XLSX bytes of a profile's ledger
func (a *Accounts) DownloadLedger(username, name string) ([]byte, error) {
	ok, err := a.HasProfile(username, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", name, ErrNotFound)
	}
	data, err := a.ledger.Export(username, name)
	if err != nil {
		return nil, fmt.Errorf("exporting ledger: %w", err)
	}
	return data, nil
}
