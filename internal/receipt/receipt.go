package receipt

import (
	"errors"
	"time"
)

// Profile selections that mean no ledger has been chosen yet
const (
	ProfileNone      = "None"
	ProfileCreateNew = "Create New Profile"
)

var (
	// ErrNoProfileSelected is returned when an upload names no usable profile
	ErrNoProfileSelected = errors.New("no profile selected")

	// ErrUnsupportedType is returned for uploads that are not jpg, jpeg or png
	ErrUnsupportedType = errors.New("unsupported upload type")

	// ErrSchemaMismatch is returned when a ledger's header differs from the configured schema
	ErrSchemaMismatch = errors.New("ledger schema mismatch")

	// ErrParseAmbiguous marks completions that yielded no records. It is only
	// ever reported as a warning.
	ErrParseAmbiguous = errors.New("completion did not match a known shape")

	// ErrInvalidName is returned for usernames or profile names that cannot map to a file
	ErrInvalidName = errors.New("invalid name")

	// ErrNotFound is returned when a user or profile does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a duplicate user or profile
	ErrAlreadyExists = errors.New("already exists")
)

// Record is one purchased line item taken from a receipt
type Record struct {
	StoreName     string `json:"store_name"`
	Date          string `json:"date,omitempty"` // verbatim, may be empty
	ItemPurchased string `json:"item_purchased"`
	Price         string `json:"price"` // raw text, never parsed as currency
}

// Schema is the ordered list of ledger column headers
type Schema []string

var (
	// SchemaWithDate is the default four column ledger
	SchemaWithDate = Schema{"Store Name", "Date", "Item Purchased", "Price"}

	// SchemaWithoutDate is the three column ledger
	SchemaWithoutDate = Schema{"Store Name", "Item Purchased", "Price"}
)

// SchemaFor returns the ledger schema for a deployment
func SchemaFor(withDate bool) Schema {
	if withDate {
		return SchemaWithDate
	}
	return SchemaWithoutDate
}

// HasDate reports whether the schema carries a Date column
func (s Schema) HasDate() bool {
	for _, c := range s {
		if c == "Date" {
			return true
		}
	}
	return false
}

// Equal reports whether two schemas have the same columns in the same order
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Row renders a record in column order
func (s Schema) Row(r Record) []string {
	row := make([]string, len(s))
	for i, c := range s {
		switch c {
		case "Store Name":
			row[i] = r.StoreName
		case "Date":
			row[i] = r.Date
		case "Item Purchased":
			row[i] = r.ItemPurchased
		case "Price":
			row[i] = r.Price
		}
	}
	return row
}

// Record reads a row written with this schema. Short rows are padded.
func (s Schema) Record(row []string) Record {
	var r Record
	for i, c := range s {
		v := ""
		if i < len(row) {
			v = row[i]
		}
		switch c {
		case "Store Name":
			r.StoreName = v
		case "Date":
			r.Date = v
		case "Item Purchased":
			r.ItemPurchased = v
		case "Price":
			r.Price = v
		}
	}
	return r
}

// Ledger is a snapshot of one profile's records, oldest first
type Ledger struct {
	Username string   `json:"username"`
	Profile  string   `json:"profile"`
	Columns  Schema   `json:"columns"`
	Records  []Record `json:"records"`
}

// MostRecentFirst returns a copy of the records in display order
func (l *Ledger) MostRecentFirst() []Record {
	out := make([]Record, len(l.Records))
	for i, r := range l.Records {
		out[len(l.Records)-1-i] = r
	}
	return out
}

// Session identifies who is uploading and into which profile
type Session struct {
	Username string
	Profile  string
}

// Validate rejects sessions without a user or without a real profile
func (s Session) Validate() error {
	if s.Username == "" {
		return ErrNoProfileSelected
	}
	switch s.Profile {
	case "", ProfileNone, ProfileCreateNew:
		return ErrNoProfileSelected
	}
	return nil
}

// User is an account allowed to log in
type User struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"password_hash,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}
