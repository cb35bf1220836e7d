package receipt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	usersBucketName    = "users"
	profilesBucketName = "profiles"
)

// Profile is a named ledger owned by one user
type Profile struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DB defines the interface for the account and profile directory
type DB interface {
	// SaveUser creates or replaces a user
	SaveUser(user *User) error

	// GetUser retrieves a user by username
	GetUser(username string) (*User, error)

	// ListUsers returns all users ordered by username
	ListUsers() ([]*User, error)

	// DeleteUser removes a user and the user's profile directory
	DeleteUser(username string) error

	// AddProfile records a profile for username. It fails with ErrAlreadyExists on duplicates.
	AddProfile(username string, profile Profile) error

	// ListProfiles returns the user's profiles in creation order
	ListProfiles(username string) ([]Profile, error)

	// DeleteProfile removes one profile from the directory
	DeleteProfile(username, name string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(usersBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(profilesBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveUser creates or replaces a user
func (b *BoltDB) SaveUser(user *User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucketName))
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		return bucket.Put([]byte(user.Username), data)
	})
}

// GetUser retrieves a user by username
func (b *BoltDB) GetUser(username string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucketName))
		data := bucket.Get([]byte(username))
		if data == nil {
			return fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns all users ordered by username
func (b *BoltDB) ListUsers() ([]*User, error) {
	users := make([]*User, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				return fmt.Errorf("unmarshaling user: %w", err)
			}
			users = append(users, &user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// DeleteUser removes a user and the user's profile directory
func (b *BoltDB) DeleteUser(username string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(usersBucketName)).Delete([]byte(username)); err != nil {
			return err
		}
		profiles := tx.Bucket([]byte(profilesBucketName))
		if profiles.Bucket([]byte(username)) == nil {
			return nil
		}
		return profiles.DeleteBucket([]byte(username))
	})
}

// AddProfile records a profile for username
func (b *BoltDB) AddProfile(username string, profile Profile) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(profilesBucketName)).CreateBucketIfNotExists([]byte(username))
		if err != nil {
			return fmt.Errorf("creating profile bucket: %w", err)
		}
		if bucket.Get([]byte(profile.Name)) != nil {
			return fmt.Errorf("profile %s: %w", profile.Name, ErrAlreadyExists)
		}
		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("marshaling profile: %w", err)
		}
		return bucket.Put([]byte(profile.Name), data)
	})
}

// ListProfiles returns the user's profiles in creation order
func (b *BoltDB) ListProfiles(username string) ([]Profile, error) {
	profiles := make([]Profile, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(profilesBucketName)).Bucket([]byte(username))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshaling profile: %w", err)
			}
			profiles = append(profiles, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})
	return profiles, nil
}

// DeleteProfile removes one profile from the directory
func (b *BoltDB) DeleteProfile(username, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(profilesBucketName)).Bucket([]byte(username))
		if bucket == nil || bucket.Get([]byte(name)) == nil {
			return fmt.Errorf("profile %s: %w", name, ErrNotFound)
		}
		return bucket.Delete([]byte(name))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
