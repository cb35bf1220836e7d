package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

// IDGenerator generates request IDs for uploads
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// UploadRequest is one image submitted into a profile
type UploadRequest struct {
	Session     Session
	Filename    string
	ContentType string
	Data        []byte
}

// Diagnostics carries everything about an upload that is not a record
type Diagnostics struct {
	TokenCount int      `json:"token_count"`
	Warnings   []string `json:"warnings"`
	AgentText  string   `json:"agent_text"`
}

// UploadResult is what a successful upload produced
type UploadResult struct {
	ID          string      `json:"id"`
	Records     []Record    `json:"records"`
	Ledger      *Ledger     `json:"ledger"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Service runs uploaded receipts through OCR and the structuring agent and
// appends the resulting records to the profile's ledger
type Service struct {
	ledger      *LedgerStore
	extractor   scanning.Extractor
	agent       scanning.Agent
	uploads     *semaphore.Weighted
	idGenerator IDGenerator

	// tokenTimeout bounds the advisory token count
	tokenTimeout time.Duration
}

// NewService creates a new Service with the default ID generator.
// maxConcurrent bounds how many uploads run the pipeline at once.
func NewService(ledger *LedgerStore, extractor scanning.Extractor, agent scanning.Agent, maxConcurrent int) *Service {
	return NewServiceWithDeps(ledger, extractor, agent, maxConcurrent, uuidGenerator{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(ledger *LedgerStore, extractor scanning.Extractor, agent scanning.Agent, maxConcurrent int, idGen IDGenerator) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Service{
		ledger:       ledger,
		extractor:    extractor,
		agent:        agent,
		uploads:      semaphore.NewWeighted(int64(maxConcurrent)),
		idGenerator:  idGen,
		tokenTimeout: 5 * time.Second,
	}
}

// ValidateUploadType accepts .jpg, .jpeg and .png uploads. Without an
// extension the content type decides.
func ValidateUploadType(filename, contentType string) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
		return nil
	case "":
		ct := strings.ToLower(strings.TrimSpace(contentType))
		if i := strings.Index(ct, ";"); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		switch ct {
		case "image/jpeg", "image/jpg", "image/png":
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedType, filename)
}

// ProcessUpload runs one image through the pipeline. Any failure is returned
// as a *StageError and leaves the ledger untouched.
func (s *Service) ProcessUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	id := s.idGenerator.Generate()
	log := slog.With(
		"request_id", id,
		"username", req.Session.Username,
		"profile", req.Session.Profile,
	)
	result := &UploadResult{ID: id, Records: []Record{}}

	fail := func(stage string, err error) (*UploadResult, error) {
		se := newStageError(stage, err)
		countUpload(stage)
		log.Error("Upload failed",
			"stage", stage,
			"retryable", se.Retryable,
			"filename", req.Filename,
			"error", err,
		)
		return nil, se
	}
	run := func(stage string, fn func() error) error {
		start := time.Now()
		err := fn()
		observeStage(stage, time.Since(start), err != nil)
		log.Debug("Stage finished", "stage", stage, "elapsed_ms", time.Since(start).Milliseconds())
		return err
	}

	if err := req.Session.Validate(); err != nil {
		return fail(StageSession, err)
	}
	if err := ValidateUploadType(req.Filename, req.ContentType); err != nil {
		return fail(StageType, err)
	}

	if err := s.uploads.Acquire(ctx, 1); err != nil {
		return fail(StageQueue, fmt.Errorf("waiting for upload slot: %w", err))
	}
	defer s.uploads.Release(1)

	log.Info("Processing upload", "filename", req.Filename, "file_size", len(req.Data))

	var img *scanning.NormalizedImage
	if err := run(StageNormalize, func() (err error) {
		img, err = scanning.Normalize(req.Data)
		return err
	}); err != nil {
		return fail(StageNormalize, err)
	}

	var text string
	if err := run(StageExtract, func() (err error) {
		text, err = s.extractor.ExtractText(ctx, img.Grayscale())
		return err
	}); err != nil {
		return fail(StageExtract, err)
	}

	if text == "" {
		result.Diagnostics.Warnings = append(result.Diagnostics.Warnings, "no text found in image")
	} else {
		_ = run(StageTokens, func() error {
			tctx, cancel := context.WithTimeout(ctx, s.tokenTimeout)
			defer cancel()
			n, err := s.agent.CountTokens(tctx, scanning.Prompt(s.ledger.Schema().HasDate()), text)
			if err != nil {
				log.Warn("Token count unavailable", "error", err)
				result.Diagnostics.Warnings = append(result.Diagnostics.Warnings, fmt.Sprintf("token count unavailable: %v", err))
				return err
			}
			result.Diagnostics.TokenCount = n
			return nil
		})

		if err := run(StageStructure, func() (err error) {
			result.Diagnostics.AgentText, err = s.agent.Structure(ctx, text)
			return err
		}); err != nil {
			return fail(StageStructure, err)
		}

		_ = run(StageParse, func() error {
			records, warnings := ParseRecords(result.Diagnostics.AgentText)
			result.Records = records
			result.Diagnostics.Warnings = append(result.Diagnostics.Warnings, warnings...)
			return nil
		})
	}

	username, profile := req.Session.Username, req.Session.Profile
	if err := run(StageEnsure, func() error {
		return s.ledger.EnsureLedger(username, profile)
	}); err != nil {
		return fail(StageEnsure, err)
	}

	if err := run(StageAppend, func() (err error) {
		result.Ledger, err = s.ledger.Append(username, profile, result.Records)
		return err
	}); err != nil {
		return fail(StageAppend, err)
	}

	countUpload("ok")
	log.Info("Upload processed",
		"records", len(result.Records),
		"warnings", len(result.Diagnostics.Warnings),
		"tokens", result.Diagnostics.TokenCount,
	)
	return result, nil
}

// Ledger returns the current snapshot of a profile's ledger
func (s *Service) Ledger(username, profile string) (*Ledger, error) {
	ledger, err := s.ledger.Read(username, profile)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return ledger, nil
}

// Close releases the agent
func (s *Service) Close() error {
	return s.agent.Close()
}
