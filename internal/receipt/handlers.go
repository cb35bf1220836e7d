package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

// maxUploadSize bounds the multipart body of an upload
const maxUploadSize = int64(50 << 20)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// corsError writes a plain text error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

type errorResponse struct {
	Error     string `json:"error"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps a service error to an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoProfileSelected), errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, scanning.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrSchemaMismatch):
		return http.StatusConflict
	case errors.Is(err, scanning.ErrServiceError):
		return http.StatusBadGateway
	case errors.Is(err, scanning.ErrExtractionUnavailable), errors.Is(err, scanning.ErrServiceUnavailable),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error body describing err
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Retryable: IsRetryable(err)}
	var se *StageError
	if errors.As(err, &se) {
		resp.Stage = se.Stage
	}
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		resp.Error = "Internal server error"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleUpload runs an uploaded receipt image through the pipeline
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	session := Session{Username: user.Username, Profile: r.FormValue("profile")}
	if session.Validate() == nil {
		ok, err := s.accounts.HasProfile(session.Username, session.Profile)
		if err != nil {
			slog.Error("Error checking profile", "error", err)
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, fmt.Errorf("profile %s: %w", session.Profile, ErrNotFound))
			return
		}
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file was selected. Please choose a file to upload."})
			return
		}
		slog.Error("Error getting file from form", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file provided"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Error reading file. Please try again."})
		return
	}

	result, err := s.service.ProcessUpload(r.Context(), UploadRequest{
		Session:     session,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("order") == "recent" {
		result.Ledger.Records = result.Ledger.MostRecentFirst()
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleListProfiles returns the signed-in user's profiles
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	profiles, err := s.accounts.ListProfiles(user.Username)
	if err != nil {
		slog.Error("Error listing profiles", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// handleCreateProfile adds a profile and its empty ledger
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	profile, err := s.accounts.CreateProfile(user.Username, req.Name)
	if err != nil {
		slog.Error("Error creating profile", "username", user.Username, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// handleDeleteProfile removes a profile and its ledger
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if err := s.accounts.DeleteProfile(user.Username, r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLedger returns a profile's records. ?order=recent lists the newest first.
func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	name := r.PathValue("name")

	ok, err := s.accounts.HasProfile(user.Username, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("profile %s: %w", name, ErrNotFound))
		return
	}

	ledger, err := s.service.Ledger(user.Username, name)
	if err != nil {
		slog.Error("Error reading ledger", "username", user.Username, "profile", name, "error", err)
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("order") == "recent" {
		ledger.Records = ledger.MostRecentFirst()
	}
	writeJSON(w, http.StatusOK, ledger)
}

// handleDownloadLedger returns the profile's spreadsheet as an attachment
func (s *Server) handleDownloadLedger(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	name := r.PathValue("name")

	data, err := s.accounts.DownloadLedger(user.Username, name)
	if err != nil {
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".xlsx"}))
	w.Write(data)
}

// userView is a User without its password hash
type userView struct {
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(u *User) userView {
	return userView{Username: u.Username, IsAdmin: u.IsAdmin, CreatedAt: u.CreatedAt}
}

// handleMe returns the signed-in user and their profiles
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	profiles, err := s.accounts.ListProfiles(user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":     viewOf(user),
		"profiles": profiles,
	})
}

// handleListUsers returns every account
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.accounts.ListUsers()
	if err != nil {
		slog.Error("Error listing users", "error", err)
		writeError(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, viewOf(u))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreateUser adds an account
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.accounts.CreateUser(req.Username, req.Password, req.IsAdmin)
	if err != nil {
		slog.Error("Error creating user", "username", req.Username, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(user))
}

// handleDeleteUser removes an account and everything it owns
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if user := UserFromContext(r.Context()); user.Username == username {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot delete the signed-in account"})
		return
	}
	if err := s.accounts.DeleteUser(username); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
