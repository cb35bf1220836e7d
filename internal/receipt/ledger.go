package receipt

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/xuri/excelize/v2"
)

const ledgerSheet = "Receipts"

// LedgerStore keeps one spreadsheet per (username, profile) under a Storage root
type LedgerStore struct {
	storage Storage
	schema  Schema

	mu    sync.Mutex
	locks map[string]*ledgerLock

	directory ProfileLookup
}

// ProfileLookup reports whether profile is listed for username
type ProfileLookup func(username, profile string) (bool, error)

type ledgerLock struct {
	mu   sync.RWMutex
	refs int
}

// NewLedgerStore creates a LedgerStore that writes ledgers with the given schema
func NewLedgerStore(storage Storage, schema Schema) *LedgerStore {
	return &LedgerStore{
		storage: storage,
		schema:  schema,
		locks:   make(map[string]*ledgerLock),
	}
}

// SetDirectory makes the store refuse to create a missing ledger whose
// profile is no longer listed in the directory
func (s *LedgerStore) SetDirectory(lookup ProfileLookup) {
	s.directory = lookup
}

// Schema returns the configured column schema
func (s *LedgerStore) Schema() Schema {
	return s.schema
}

// LedgerPath returns the storage path of a ledger relative to the root
func LedgerPath(username, profile string) (string, error) {
	if err := ValidateName(username); err != nil {
		return "", fmt.Errorf("username: %w", err)
	}
	if err := ValidateName(profile); err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}
	return filepath.Join(username, profile+".xlsx"), nil
}

// ValidateName rejects names that could not be used as a single path element
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: longer than 128 bytes", ErrInvalidName)
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character in %q", ErrInvalidName, name)
		}
	}
	return nil
}

// acquire locks key and returns its unlock function. Shared holders run
// together; an exclusive holder waits for all of them.
func (s *LedgerStore) acquire(key string, shared bool) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &ledgerLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	if shared {
		l.mu.RLock()
	} else {
		l.mu.Lock()
	}
	return func() {
		if shared {
			l.mu.RUnlock()
		} else {
			l.mu.Unlock()
		}
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// lockLedger holds the user's folder shared and the ledger exclusively.
// Ledger keys always contain a separator, so they never collide with a username.
func (s *LedgerStore) lockLedger(username, path string) func() {
	unlockUser := s.acquire(username, true)
	unlockLedger := s.acquire(path, false)
	return func() {
		unlockLedger()
		unlockUser()
	}
}

// EnsureLedger creates an empty ledger with the header row if none exists
func (s *LedgerStore) EnsureLedger(username, profile string) error {
	path, err := LedgerPath(username, profile)
	if err != nil {
		return err
	}
	unlock := s.lockLedger(username, path)
	defer unlock()

	return s.ensure(username, profile, path)
}

func (s *LedgerStore) ensure(username, profile, path string) error {
	exists, err := s.storage.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if s.directory != nil {
		listed, err := s.directory(username, profile)
		if err != nil {
			return fmt.Errorf("checking profile: %w", err)
		}
		if !listed {
			return fmt.Errorf("profile %s: %w", profile, ErrNotFound)
		}
	}

	data, err := s.newWorkbook()
	if err != nil {
		return err
	}
	if err := s.storage.Save(path, data); err != nil {
		return fmt.Errorf("creating ledger: %w", err)
	}
	slog.Info("Ledger created", "path", path, "columns", len(s.schema))
	return nil
}

// Append adds records after the existing rows and returns the updated snapshot.
// The header is checked before anything is written.
func (s *LedgerStore) Append(username, profile string, records []Record) (*Ledger, error) {
	path, err := LedgerPath(username, profile)
	if err != nil {
		return nil, err
	}
	unlock := s.lockLedger(username, path)
	defer unlock()

	if err := s.ensure(username, profile, path); err != nil {
		return nil, err
	}

	data, err := s.storage.Get(path)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	sheet := sheetOf(f)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading ledger rows: %w", err)
	}
	existing, err := s.decode(rows)
	if err != nil {
		return nil, err
	}

	ledger := &Ledger{
		Username: username,
		Profile:  profile,
		Columns:  s.schema,
		Records:  append(existing, records...),
	}
	if len(records) == 0 {
		return ledger, nil
	}

	next := len(rows) + 1
	for i, r := range records {
		if err := setRow(f, sheet, next+i, s.schema.Row(r)); err != nil {
			return nil, fmt.Errorf("writing ledger row: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encoding ledger: %w", err)
	}
	if err := s.storage.Save(path, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("saving ledger: %w", err)
	}
	return ledger, nil
}

// Read returns the whole ledger, oldest record first
func (s *LedgerStore) Read(username, profile string) (*Ledger, error) {
	path, err := LedgerPath(username, profile)
	if err != nil {
		return nil, err
	}
	unlock := s.lockLedger(username, path)
	defer unlock()

	data, err := s.storage.Get(path)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetOf(f))
	if err != nil {
		return nil, fmt.Errorf("reading ledger rows: %w", err)
	}
	records, err := s.decode(rows)
	if err != nil {
		return nil, err
	}
	return &Ledger{Username: username, Profile: profile, Columns: s.schema, Records: records}, nil
}

// Export returns the ledger file as stored
func (s *LedgerStore) Export(username, profile string) ([]byte, error) {
	path, err := LedgerPath(username, profile)
	if err != nil {
		return nil, err
	}
	unlock := s.lockLedger(username, path)
	defer unlock()

	return s.storage.Get(path)
}

// Delete removes a ledger file. A missing ledger is not an error.
func (s *LedgerStore) Delete(username, profile string) error {
	path, err := LedgerPath(username, profile)
	if err != nil {
		return err
	}
	unlock := s.lockLedger(username, path)
	defer unlock()

	if err := s.storage.Delete(path); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// DeleteUser removes every ledger belonging to username. It waits for
// operations already running on the user's ledgers.
func (s *LedgerStore) DeleteUser(username string) error {
	if err := ValidateName(username); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	unlock := s.acquire(username, false)
	defer unlock()

	return s.storage.DeleteDir(username)
}

func (s *LedgerStore) newWorkbook() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), ledgerSheet); err != nil {
		return nil, fmt.Errorf("naming ledger sheet: %w", err)
	}
	if err := setRow(f, ledgerSheet, 1, s.schema); err != nil {
		return nil, fmt.Errorf("writing ledger header: %w", err)
	}
	last, _ := excelize.ColumnNumberToName(len(s.schema))
	_ = f.SetColWidth(ledgerSheet, "A", last, 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encoding ledger: %w", err)
	}
	return buf.Bytes(), nil
}

// decode checks the header row and converts the remaining rows to records
func (s *LedgerStore) decode(rows [][]string) ([]Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: ledger has no header row", ErrSchemaMismatch)
	}
	header := make(Schema, 0, len(rows[0]))
	for _, c := range rows[0] {
		header = append(header, strings.TrimSpace(c))
	}
	if !header.Equal(s.schema) {
		return nil, fmt.Errorf("%w: ledger has %v, expected %v", ErrSchemaMismatch, []string(header), []string(s.schema))
	}

	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		records = append(records, s.schema.Record(row))
	}
	return records, nil
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return f.SetSheetRow(sheet, cell, &vals)
}

// sheetOf returns the ledger sheet, or the first sheet of files saved by other tools
func sheetOf(f *excelize.File) string {
	if idx, err := f.GetSheetIndex(ledgerSheet); err == nil && idx != -1 {
		return ledgerSheet
	}
	return f.GetSheetName(0)
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
