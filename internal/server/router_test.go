package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/beresta/messenger/internal/auth"
	"github.com/beresta/messenger/internal/blobstore"
	"github.com/beresta/messenger/internal/database"
	"github.com/beresta/messenger/internal/identity"
	"github.com/beresta/messenger/internal/messaging"
	"github.com/beresta/messenger/internal/ratelimit"
)

type testServer struct {
	handler  http.Handler
	realtime *RealtimeDispatcher
	store    *database.Store
}

type testServerOptions struct {
	limiters Limiters
	health   HealthChecker
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := database.Open(ctx, database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "messenger.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	schema, err := identity.NewSchema(identity.MessengerSchema)
	if err != nil {
		t.Fatalf("schema rejected: %v", err)
	}
	tables := append(messaging.Tables(), schema.Tables()...)
	if failed := database.EnsureSchema(store.DB(), zap.NewNop(), tables...); len(failed) != 0 {
		t.Fatalf("schema failures: %v", failed)
	}

	blobs, err := blobstore.NewLocalStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	messages, err := messaging.NewService(messaging.ServiceConfig{
		Repository: messaging.NewSQLRepository(store),
		Blobs:      blobs,
		Events:     dispatcher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("messaging service failed: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("router-test-secret")})
	if err != nil {
		t.Fatalf("token issuer failed: %v", err)
	}
	accounts, err := identity.NewService(identity.ServiceConfig{
		Store:  store,
		Schema: schema,
		Tokens: tokens,
		Hasher: auth.NewPasswordHasher(bcrypt.MinCost),
	})
	if err != nil {
		t.Fatalf("identity service failed: %v", err)
	}

	health := options.health
	if health == nil {
		health = store
	}
	handler, err := NewHTTPHandler(Dependencies{
		Messaging:         messages,
		Health:            health,
		Realtime:          dispatcher,
		Identity:          accounts,
		Limiters:          options.limiters,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, realtime: dispatcher, store: store}
}

func (s *testServer) do(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return s.do(request)
}

type multipartFile struct {
	field       string
	name        string
	contentType string
	content     []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files ...multipartFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+file.field+`"; filename="`+file.name+`"`)
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create part: %v", err)
		}
		if _, err := part.Write(file.content); err != nil {
			t.Fatalf("failed to write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}

type failingHealth struct{}

func (failingHealth) Health(context.Context) error {
	return errors.New("database offline")
}

func TestHealthReportsDatabaseState(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	recorder := server.do(httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy status, got %d", recorder.Code)
	}
	var payload struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Status != "ok" || payload.Database != "connected" {
		t.Fatalf("unexpected health payload %+v", payload)
	}

	unhealthy := newTestServer(t, testServerOptions{health: failingHealth{}})
	recorder = unhealthy.do(httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestSendMessageWithoutAttachmentStoresEmptyDescriptor(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	recorder := server.do(multipartRequest(t, "/send-message", map[string]string{
		"senderEmail":   "a@x.com",
		"receiverEmail": "b@x.com",
		"message":       "hi",
	}))
	if recorder.Code != http.StatusOK {
		t.Fatalf("send failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var sent struct {
		Success   bool  `json:"success"`
		MessageID int64 `json:"messageId"`
	}
	decodeBody(t, recorder, &sent)
	if !sent.Success || sent.MessageID == 0 {
		t.Fatalf("unexpected send payload %s", recorder.Body.String())
	}

	recorder = server.do(httptest.NewRequest(http.MethodGet, "/messages/b@x.com/A@x.com", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("conversation failed: %d", recorder.Code)
	}
	var conversation struct {
		Messages []map[string]any `json:"messages"`
	}
	decodeBody(t, recorder, &conversation)
	if len(conversation.Messages) != 1 {
		t.Fatalf("expected one message, got %s", recorder.Body.String())
	}
	message := conversation.Messages[0]
	if message["status"] != messaging.StatusSent || message["message"] != "hi" {
		t.Fatalf("unexpected message %+v", message)
	}
	if message["attachmentFilename"] != "" || message["attachmentSize"] != float64(0) {
		t.Fatalf("expected empty attachment descriptor, got %+v", message)
	}
	if _, ok := message["downloadUrl"]; ok {
		t.Fatalf("did not expect a download url without an attachment")
	}

	recorder = server.do(httptest.NewRequest(http.MethodGet, "/friends/b@x.com", http.NoBody))
	if !strings.Contains(recorder.Body.String(), "a@x.com") {
		t.Fatalf("expected automatic friend edge, got %s", recorder.Body.String())
	}
}

func TestSendMessageRequiresParties(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	recorder := server.do(multipartRequest(t, "/send-message", map[string]string{"message": "hi"}))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"senderEmail and receiverEmail are required"}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestSendMessageRejectsNonFiniteDuration(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	for _, duration := range []string{"NaN", "Inf", "-Inf", "-3", "abc"} {
		recorder := server.do(multipartRequest(t, "/send-message", map[string]string{
			"senderEmail":   "a@x.com",
			"receiverEmail": "b@x.com",
			"message":       "voice note",
			"duration":      duration,
		}))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("duration %q: expected bad request, got %d", duration, recorder.Code)
		}
	}
	recorder := server.do(multipartRequest(t, "/send-message", map[string]string{
		"senderEmail":   "a@x.com",
		"receiverEmail": "b@x.com",
		"message":       "voice note",
		"duration":      "12.7",
	}))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected fractional duration to be accepted, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestUploadedFilesAreServedWithMetadata(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	content := []byte("fake video bytes")
	recorder := server.do(multipartRequest(t, "/upload-file", nil, multipartFile{
		field:       "file",
		name:        "clip.mp4",
		contentType: "application/octet-stream",
		content:     content,
	}))
	if recorder.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var uploaded struct {
		File messaging.FileDescriptor `json:"file"`
	}
	decodeBody(t, recorder, &uploaded)
	if uploaded.File.Size != int64(len(content)) || !strings.HasSuffix(uploaded.File.Filename, ".mp4") {
		t.Fatalf("unexpected descriptor %+v", uploaded.File)
	}

	recorder = server.do(httptest.NewRequest(http.MethodGet, "/file-info/"+uploaded.File.Filename, http.NoBody))
	var info struct {
		File messaging.FileInfo `json:"file"`
	}
	decodeBody(t, recorder, &info)
	if info.File.Size != int64(len(content)) {
		t.Fatalf("expected file-info size %d, got %+v", len(content), info.File)
	}

	recorder = server.do(httptest.NewRequest(http.MethodGet, uploaded.File.URL, http.NoBody))
	if recorder.Code != http.StatusOK || recorder.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("expected video content type override, got %d %q", recorder.Code, recorder.Header().Get("Content-Type"))
	}
	if recorder.Body.String() != string(content) {
		t.Fatalf("unexpected served content %q", recorder.Body.String())
	}

	recorder = server.do(httptest.NewRequest(http.MethodGet, "/download/"+uploaded.File.Filename+"?name=holiday.mp4", http.NoBody))
	disposition := recorder.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, "attachment;") || !strings.Contains(disposition, `filename="holiday.mp4"`) {
		t.Fatalf("unexpected disposition %q", disposition)
	}
}

func TestMissingFileIsNotFound(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	for _, path := range []string{"/file-info/missing.png", "/download/missing.png", "/uploads/missing.png"} {
		recorder := server.do(httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if recorder.Code != http.StatusNotFound || recorder.Body.String() != `{"error":"file not found"}` {
			t.Fatalf("%s: unexpected response %d %s", path, recorder.Code, recorder.Body.String())
		}
	}
}

func TestIdentityRoutesMountedOnMessenger(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	registration := map[string]string{"email": "a@x.com", "password": "secret1", "name": "A"}

	recorder := server.doJSON(t, http.MethodPost, "/auth/register", "", registration)
	if recorder.Code != http.StatusOK {
		t.Fatalf("register failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var registered struct {
		Token        string              `json:"token"`
		RefreshToken string              `json:"refreshToken"`
		User         identity.PublicUser `json:"user"`
	}
	decodeBody(t, recorder, &registered)
	if registered.User.ID != 1 || registered.Token == "" || registered.RefreshToken == "" {
		t.Fatalf("unexpected registration %s", recorder.Body.String())
	}

	recorder = server.doJSON(t, http.MethodPost, "/auth/register", "", registration)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", recorder.Code)
	}

	recorder = server.doJSON(t, http.MethodGet, "/api/profile", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing bearer rejection, got %d", recorder.Code)
	}
	recorder = server.doJSON(t, http.MethodGet, "/api/profile", registered.Token, nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"email":"a@x.com"`) {
		t.Fatalf("unexpected profile response %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.doJSON(t, http.MethodGet, "/auth/verify", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized || !strings.Contains(recorder.Body.String(), `"valid":false`) {
		t.Fatalf("unexpected verify response %d %s", recorder.Code, recorder.Body.String())
	}

	var messengerUsers int64
	server.store.DB().Table("messenger_users").Count(&messengerUsers)
	if messengerUsers != 1 {
		t.Fatalf("expected the messenger schema to hold the account, got %d", messengerUsers)
	}
}

func TestUploadRoutesAreRateLimited(t *testing.T) {
	server := newTestServer(t, testServerOptions{limiters: Limiters{
		Upload: ratelimit.New("upload", 1, time.Minute, ratelimit.NewMemoryStore("")),
	}})

	send := func() *httptest.ResponseRecorder {
		return server.do(multipartRequest(t, "/send-message", map[string]string{
			"senderEmail": "a@x.com", "receiverEmail": "b@x.com", "message": "hi",
		}))
	}
	if recorder := send(); recorder.Code != http.StatusOK {
		t.Fatalf("first send failed: %d", recorder.Code)
	}
	recorder := send()
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
	if recorder.Header().Get("X-RateLimit-Limit") != "1" || recorder.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected limit headers %v", recorder.Header())
	}
	if recorder.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if recorder := server.do(httptest.NewRequest(http.MethodGet, "/messages/a@x.com/b@x.com", http.NoBody)); recorder.Code != http.StatusOK {
		t.Fatalf("expected api class to be unaffected, got %d", recorder.Code)
	}
}

func TestGroupAndCallRoutes(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	recorder := server.doJSON(t, http.MethodPost, "/groups", "", map[string]string{"name": "Team", "createdBy": "a@x.com"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("create group failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		Group messaging.Group `json:"group"`
	}
	decodeBody(t, recorder, &created)

	groupPath := "/groups/" + jsonNumber(created.Group.ID)
	recorder = server.doJSON(t, http.MethodPost, groupPath+"/members", "", map[string]string{"userEmail": "b@x.com"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("add member failed: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = server.do(multipartRequest(t, groupPath+"/messages", map[string]string{"senderEmail": "c@x.com", "message": "hi"}))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected outsider to be forbidden, got %d", recorder.Code)
	}
	recorder = server.do(multipartRequest(t, groupPath+"/messages", map[string]string{"senderEmail": "b@x.com", "message": "hi"}))
	if recorder.Code != http.StatusOK {
		t.Fatalf("group message failed: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = server.do(httptest.NewRequest(http.MethodGet, "/groups/user/b@x.com", http.NoBody))
	if !strings.Contains(recorder.Body.String(), `"name":"Team"`) {
		t.Fatalf("expected membership listing, got %s", recorder.Body.String())
	}

	recorder = server.doJSON(t, http.MethodPost, "/calls", "", map[string]string{
		"callerEmail": "a@x.com", "receiverEmail": "b@x.com", "callType": "video",
	})
	var call struct {
		Call messaging.Call `json:"call"`
	}
	decodeBody(t, recorder, &call)
	if call.Call.CallID == "" || call.Call.Status != messaging.CallStatusInitiated {
		t.Fatalf("unexpected call %s", recorder.Body.String())
	}
	recorder = server.doJSON(t, http.MethodPut, "/calls/"+call.Call.CallID+"/status", "", map[string]string{"status": "ended"})
	decodeBody(t, recorder, &call)
	if call.Call.EndedAt == nil {
		t.Fatalf("expected ended call to carry endedAt, got %s", recorder.Body.String())
	}
	recorder = server.do(httptest.NewRequest(http.MethodGet, "/groups/abc/members", http.NoBody))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid id rejection, got %d", recorder.Code)
	}
}

func jsonNumber(value int64) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}
