package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/authpw"
	"marginalia/api/internal/realtime"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *realtime.Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.hub.ServeWS(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/media/") {
		s.handleMediaDownload(w, r)
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"username":      session.Username,
			"userId":        session.UserID,
			"firstName":     session.FirstName,
			"lastName":      session.LastName,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"username":     session.Username,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below requires a session.
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/change-password" {
		s.handleAuthChangePassword(w, r, session)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" || segments[1] != "annotations" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	rest := segments[2:]

	switch {
	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "myClasses":
		items, err := s.service.MyClasses(r.Context(), session.UserID, r.URL.Query().Get("url"))
		s.respond(w, items, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "myCurrentSection":
		sectionID, err := s.service.MyCurrentSection(r.Context(), session.UserID, r.URL.Query().Get("class"))
		s.respond(w, map[string]any{"sectionId": sectionID}, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "allUsers":
		roster, err := s.service.AllUsers(r.Context(), r.URL.Query().Get("url"), r.URL.Query().Get("class"))
		s.respond(w, roster, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "allTagTypes":
		tagTypes, err := s.service.AllTagTypes(r.Context(), r.URL.Query().Get("url"), r.URL.Query().Get("class"))
		s.respond(w, tagTypes, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "stats":
		stats, err := s.service.Stats(r.Context(), session.UserID, r.URL.Query().Get("url"), r.URL.Query().Get("class"))
		s.respond(w, stats, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "annotation":
		query := r.URL.Query()
		sectioned, _ := strconv.ParseBool(query.Get("sectioned"))
		result, err := s.service.ListAnnotations(r.Context(), session.UserID, query.Get("url"), query.Get("class"), sectioned)
		s.respond(w, result, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "specific_thread":
		query := r.URL.Query()
		result, err := s.service.SpecificThread(r.Context(), session.UserID, query.Get("source_url"), query.Get("class_id"), query.Get("thread_id"))
		s.respond(w, result, err)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "annotation":
		var input CreateThreadInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateThread(r.Context(), session.UserID, input)
		s.respond(w, result, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "media" && rest[1] == "annotation":
		s.handleMediaThread(w, r, session)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "reply":
		views, err := s.service.ListReplies(r.Context(), session.UserID, rest[1])
		s.respond(w, views, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "reply":
		var input CreateReplyInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateReply(r.Context(), session.UserID, rest[1], input)
		s.respond(w, result, err)

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "media" && rest[1] == "reply":
		s.handleMediaReply(w, r, session, rest[2])

	case r.Method == http.MethodPut && len(rest) == 2 && rest[0] == "annotation":
		var input UpdateAnnotationInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.UpdateAnnotation(r.Context(), session.UserID, rest[1], input)
		s.respondOK(w, err)

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "annotation":
		err := s.service.DeleteAnnotation(r.Context(), rest[1])
		s.respondOK(w, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "seen":
		err := s.service.MarkSeen(r.Context(), session.UserID, rest[1])
		s.respondOK(w, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "star":
		var body struct {
			Star bool `json:"star"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.ToggleStar(r.Context(), session.UserID, rest[1], body.Star)
		s.respondOK(w, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "replyRequest":
		var body struct {
			ReplyRequest bool `json:"replyRequest"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.ToggleReplyRequest(r.Context(), session.UserID, rest[1], body.ReplyRequest)
		s.respondOK(w, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "bookmark":
		var body struct {
			Bookmark bool `json:"bookmark"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.ToggleBookmark(r.Context(), session.UserID, rest[1], body.Bookmark)
		s.respondOK(w, err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "search":
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		result, err := s.service.SearchAnnotations(r.Context(), session.UserID, query.Get("class"), query.Get("q"), limit, offset)
		s.respond(w, result, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) respondOK(w http.ResponseWriter, err error) {
	s.respond(w, map[string]any{"ok": true}, err)
}

// ---- media upload handlers ----

const maxUploadBytes = 32 << 20

func (s *HTTPServer) handleMediaThread(w http.ResponseWriter, r *http.Request, session Session) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	input, err := threadInputFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file is required", nil)
		return
	}
	defer file.Close()

	result, err := s.service.CreateMediaThread(r.Context(), session.UserID, input,
		header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	s.respond(w, result, err)
}

func (s *HTTPServer) handleMediaReply(w http.ResponseWriter, r *http.Request, session Session, parentID string) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	threadInput, err := threadInputFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input := CreateReplyInput{
		URL:          threadInput.URL,
		Class:        threadInput.Class,
		Content:      threadInput.Content,
		Tags:         threadInput.Tags,
		UserTags:     threadInput.UserTags,
		Visibility:   threadInput.Visibility,
		Anonymity:    threadInput.Anonymity,
		Endorsed:     threadInput.Endorsed,
		ReplyRequest: threadInput.ReplyRequest,
		Star:         threadInput.Star,
		Bookmark:     threadInput.Bookmark,
		MediaType:    threadInput.MediaType,
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file is required", nil)
		return
	}
	defer file.Close()

	result, err := s.service.CreateMediaReply(r.Context(), session.UserID, parentID, input,
		header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	s.respond(w, result, err)
}

// threadInputFromForm reads the annotation fields out of a multipart form.
// Structured fields (range, tags, userTags) arrive as JSON strings.
func threadInputFromForm(r *http.Request) (CreateThreadInput, error) {
	input := CreateThreadInput{
		URL:        r.FormValue("url"),
		Class:      r.FormValue("class"),
		Content:    r.FormValue("content"),
		Visibility: r.FormValue("visibility"),
		Anonymity:  r.FormValue("anonymity"),
		MediaType:  r.FormValue("type"),
	}
	if raw := r.FormValue("range"); raw != "" {
		var rng AnnotationRange
		if err := json.Unmarshal([]byte(raw), &rng); err != nil {
			return input, fmt.Errorf("invalid range field")
		}
		input.Range = &rng
	}
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.Tags); err != nil {
			return input, fmt.Errorf("invalid tags field")
		}
	}
	if raw := r.FormValue("userTags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.UserTags); err != nil {
			return input, fmt.Errorf("invalid userTags field")
		}
	}
	input.Endorsed, _ = strconv.ParseBool(r.FormValue("endorsed"))
	input.ReplyRequest, _ = strconv.ParseBool(r.FormValue("replyRequest"))
	input.Star, _ = strconv.ParseBool(r.FormValue("star"))
	input.Bookmark, _ = strconv.ParseBool(r.FormValue("bookmark"))
	return input, nil
}

func (s *HTTPServer) handleMediaDownload(w http.ResponseWriter, r *http.Request) {
	body, err := s.service.OpenMedia(r.Context(), r.URL.Path)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(path.Ext(r.URL.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// ---- auth handlers ----

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.AuthPasswordService().SignUp(r.Context(), authpw.SignUpRequest{
		Username:  body.Username,
		Password:  body.Password,
		FirstName: body.FirstName,
		LastName:  body.LastName,
	})
	if err != nil {
		if err.Error() == "username already registered" {
			writeError(w, http.StatusConflict, "USERNAME_EXISTS", "Username already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"username":     session.Username,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.AuthPasswordService().SignIn(r.Context(), body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"username":     session.Username,
		"firstName":    session.FirstName,
		"lastName":     session.LastName,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthChangePassword(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.AuthPasswordService().ChangePassword(r.Context(), session.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, "CHANGE_PASSWORD_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- plumbing ----

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		if r.URL.Path == "/ws" {
			// The websocket upgrade needs the raw ResponseWriter.
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
