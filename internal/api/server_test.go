package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"board/internal/auth"
	"board/internal/config"
	"board/internal/messages"
	"board/internal/ratelimit"
	"board/internal/storage"
	"board/internal/tokens"
)

// memStore backs all three store interfaces for handler tests, with the
// same conditional-write semantics as the postgres implementation.
type memStore struct {
	mu     sync.Mutex
	users  map[string]struct{}
	ledger map[string]storage.TokenLedgerEntry
	msgs   []storage.Message
	nextID int64
}

func newMemStore(usernames ...string) *memStore {
	m := &memStore{
		users:  make(map[string]struct{}),
		ledger: make(map[string]storage.TokenLedgerEntry),
	}
	for _, u := range usernames {
		m.users[u] = struct{}{}
	}
	return m
}

func (m *memStore) Insert(_ context.Context, msg storage.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = m.nextID
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memStore) ListAll(_ context.Context) ([]storage.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Message, len(m.msgs))
	copy(out, m.msgs)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) Get(_ context.Context, username string) (storage.TokenLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[username]
	if !ok {
		return storage.TokenLedgerEntry{}, storage.ErrNotFound
	}
	return e, nil
}

func (m *memStore) CreateIfAbsent(_ context.Context, e storage.TokenLedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledger[e.Username]; ok {
		return false, nil
	}
	m.ledger[e.Username] = e
	return true, nil
}

func (m *memStore) Replenish(_ context.Context, username string, observed, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[username]
	if !ok || e.LastReset.After(observed) {
		return false, nil
	}
	e.Tokens++
	e.LastReset = now
	m.ledger[username] = e
	return true, nil
}

func (m *memStore) SpendOne(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[username]
	if !ok || e.Tokens <= 0 {
		return false, nil
	}
	e.Tokens--
	m.ledger[username] = e
	return true, nil
}

func (m *memStore) Exists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *memStore) Create(_ context.Context, u storage.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return false, nil
	}
	m.users[u.Username] = struct{}{}
	return true, nil
}

type fakeUploader struct {
	mu        sync.Mutex
	lastType  string
	lastBytes []byte
}

func (f *fakeUploader) Save(_ context.Context, body io.Reader, mediaType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastType = mediaType
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.lastBytes = b
	return "https://files.example.com/uploads/2026/01/01/test.png", nil
}

const (
	testPassword = "open-sesame"
	testSecret   = "test-signing-secret"
)

func testAnswerHashes(t *testing.T, answers ...string) []string {
	t.Helper()
	hashes := make([]string, 0, len(answers))
	for _, a := range answers {
		h, err := bcrypt.GenerateFromPassword([]byte(auth.NormalizeAnswer(a)), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash answer: %v", err)
		}
		hashes = append(hashes, string(h))
	}
	return hashes
}

func newTestServer(t *testing.T, store *memStore, uploader Uploader) *Server {
	t.Helper()

	cfg := config.Config{
		UploadMaxBytes: 10 << 20,
	}
	verifier := auth.NewVerifier([]byte(testSecret), testPassword,
		testAnswerHashes(t, "blue", "paris", "rex", "pizza", "1999"), store)
	ledger := tokens.NewLedger(store, tokens.DefaultResetInterval)
	gateway := messages.NewGateway(store)

	srv := NewServer(cfg, gateway, ledger, verifier, uploader)
	t.Cleanup(srv.Close)

	// Per-IP abuse limits are not under test here. Stop the GC goroutines
	// of the production limiters before swapping them out, otherwise they
	// outlive the test.
	srv.Close()
	srv.loginLimiter = ratelimit.New(1e6, 1000000)
	srv.recoverLimiter = ratelimit.New(1e6, 1000000)
	srv.uploadLimiter = ratelimit.New(1e6, 1000000)

	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, srv *Server, username string) string {
	t.Helper()

	rec := doJSON(t, srv, http.MethodPost, "/api/login", "", LoginRequest{
		Username: username,
		Password: testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected token")
	}
	return resp.Token
}

func TestLogin_UnknownUser(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore(), nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/login", "", LoginRequest{
		Username: "ghost",
		Password: testPassword,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore("alice"), nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/login", "", LoginRequest{
		Username: "alice",
		Password: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPostMessage_RequiresBearer(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore("alice"), nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/message", "", PostMessageRequest{Content: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/message", "garbage-token", PostMessageRequest{Content: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad bearer: expected 401, got %d", rec.Code)
	}
}

func TestPostAndListFlow(t *testing.T) {
	t.Parallel()

	store := newMemStore("alice")
	srv := newTestServer(t, store, nil)
	token := loginAs(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/api/message", token, PostMessageRequest{Content: "hello board"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post: got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "Message saved" {
		t.Fatalf("post body: got %q", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/messages", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d body=%s", rec.Code, rec.Body.String())
	}
	var msgs []MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Author != "alice" || msgs[0].Content != "hello board" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].Month == "" || msgs[0].Year == "" {
		t.Fatalf("expected display fields, got %+v", msgs[0])
	}
}

func TestPostMessage_ExhaustsTokens(t *testing.T) {
	t.Parallel()

	store := newMemStore("alice")
	srv := newTestServer(t, store, nil)
	token := loginAs(t, srv, "alice")

	// Fresh ledger: one token, one post allowed.
	rec := doJSON(t, srv, http.MethodPost, "/api/message", token, PostMessageRequest{Content: "first"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first post: got %d body=%s", rec.Code, rec.Body.String())
	}

	// Second post within the reset window is refused with the exact body.
	rec = doJSON(t, srv, http.MethodPost, "/api/message", token, PostMessageRequest{Content: "second"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("second post: got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "No tokens left. Wait for reset" {
		t.Fatalf("refusal body: got %q", rec.Body.String())
	}

	// Balance is zero, nothing stored for the refused post.
	rec = doJSON(t, srv, http.MethodGet, "/api/tokens", token, nil)
	var status TokensResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if status.Tokens != 0 {
		t.Fatalf("expected 0 tokens, got %d", status.Tokens)
	}
	if len(store.msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(store.msgs))
	}
}

func TestTokens_NewUsername(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore("bob"), nil)
	token := loginAs(t, srv, "bob")

	before := time.Now().UTC()
	rec := doJSON(t, srv, http.MethodGet, "/api/tokens", token, nil)
	after := time.Now().UTC()
	if rec.Code != http.StatusOK {
		t.Fatalf("tokens: got %d body=%s", rec.Code, rec.Body.String())
	}

	var status TokensResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if status.Tokens != 1 {
		t.Fatalf("expected 1 token for new username, got %d", status.Tokens)
	}

	// nextReset is lastReset + interval, where lastReset was set during
	// this request.
	if status.NextReset.Before(before.Add(tokens.DefaultResetInterval)) ||
		status.NextReset.After(after.Add(tokens.DefaultResetInterval)) {
		t.Fatalf("unexpected nextReset: %v", status.NextReset)
	}
}

func TestPostMessage_ContentBounds(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore("alice"), nil)
	token := loginAs(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/api/message", token, PostMessageRequest{Content: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content: got %d body=%s", rec.Code, rec.Body.String())
	}

	big := strings.Repeat("a", messages.MaxContentLength+1)
	rec = doJSON(t, srv, http.MethodPost, "/api/message", token, PostMessageRequest{Content: big})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized content: got %d", rec.Code)
	}
}

func TestPostMessage_MaxLengthWorstCaseEscaping(t *testing.T) {
	srv := newTestServer(t, newMemStore("alice"), nil)
	token := loginAs(t, srv, "alice")

	// Control characters are one rune each but six bytes once JSON-escaped
	// (``), so a max-length message of them is the largest body a
	// valid post can produce. It must clear the transport cap and reach
	// validation.
	content := strings.Repeat("\x01", messages.MaxContentLength)
	rec := doJSON(t, srv, http.MethodPost, "/api/message", token, PostMessageRequest{Content: content})
	if rec.Code != http.StatusCreated {
		t.Fatalf("max-length escaped content: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListMessages_AscendingOrder(t *testing.T) {
	t.Parallel()

	store := newMemStore("alice")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		_ = store.Insert(context.Background(), storage.Message{
			Author:    "alice",
			Content:   []string{"third", "first", "second"}[i],
			CreatedAt: base.Add(offset),
		})
	}

	srv := newTestServer(t, store, nil)
	token := loginAs(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodGet, "/api/messages", token, nil)
	var msgs []MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	got := make([]string, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestRecover_Flow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore("alice"), nil)

	// Three correct answers (with case/whitespace noise) reveal the codeword.
	rec := doJSON(t, srv, http.MethodPost, "/api/recover", "", RecoverRequest{
		Username: "alice",
		Answers:  []string{" BLUE ", "wrong", "Rex", "pizza", "wrong"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("recover: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp RecoverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode recover: %v", err)
	}
	if resp.Codeword != testPassword {
		t.Fatalf("codeword: got %q", resp.Codeword)
	}

	// Two correct is below the threshold.
	rec = doJSON(t, srv, http.MethodPost, "/api/recover", "", RecoverRequest{
		Username: "alice",
		Answers:  []string{"blue", "paris", "wrong", "wrong", "wrong"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("below threshold: got %d body=%s", rec.Code, rec.Body.String())
	}

	// Wrong answer count.
	rec = doJSON(t, srv, http.MethodPost, "/api/recover", "", RecoverRequest{
		Username: "alice",
		Answers:  []string{"blue", "paris"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad count: got %d body=%s", rec.Code, rec.Body.String())
	}

	// Unknown user.
	rec = doJSON(t, srv, http.MethodPost, "/api/recover", "", RecoverRequest{
		Username: "ghost",
		Answers:  []string{"a", "b", "c", "d", "e"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestLogin_RateLimited(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore("alice"), nil)
	srv.loginLimiter = ratelimit.New(0, 2)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/login", "", LoginRequest{
			Username: "alice", Password: testPassword,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("login %d: got %d", i, rec.Code)
		}
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/login", "", LoginRequest{
		Username: "alice", Password: testPassword,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, fieldName, fileName, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+fieldName+`"; filename="`+fileName+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUpload_Flow(t *testing.T) {
	t.Parallel()

	uploader := &fakeUploader{}
	srv := newTestServer(t, newMemStore(), uploader)

	body, ct := multipartBody(t, "file", "pic.png", "image/png", []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("upload: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if resp.URL == "" {
		t.Fatal("expected url")
	}
	if uploader.lastType != "image/png" {
		t.Fatalf("media type: got %q", uploader.lastType)
	}
	if string(uploader.lastBytes) != "png-bytes" {
		t.Fatalf("uploaded bytes: got %q", uploader.lastBytes)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore(), &fakeUploader{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "no file here")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestUpload_DisallowedType(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore(), &fakeUploader{})

	body, ct := multipartBody(t, "file", "app.exe", "application/octet-stream", []byte{0x4d, 0x5a})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestUpload_NotConfigured(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemStore(), nil)

	body, ct := multipartBody(t, "file", "pic.png", "image/png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rec.Code, rec.Body.String())
	}
}
