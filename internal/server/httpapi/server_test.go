package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/dmitrijs2005/opsportal/internal/server/auth"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/server/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeUploads struct {
	UploadService

	nextRevisionFn func(ctx context.Context, refType, refID string) (int64, error)
	recordFn       func(ctx context.Context, b services.Batch) (*services.RecordResult, error)
	getBatchFn     func(ctx context.Context, batchID string) (*models.FileUpload, error)
	listFn         func(ctx context.Context, refType, refID string) ([]*models.FileUpload, error)
	markFn         func(ctx context.Context, batchID string) error
	setLinkFn      func(ctx context.Context, refType, refID, field, link string) error
	authorizeFn    func(ctx context.Context, caller auth.Identity, refType, refID, uploaderID string) error
}

func (f *fakeUploads) NextRevision(ctx context.Context, refType, refID string) (int64, error) {
	return f.nextRevisionFn(ctx, refType, refID)
}

func (f *fakeUploads) RecordBatch(ctx context.Context, b services.Batch) (*services.RecordResult, error) {
	return f.recordFn(ctx, b)
}

func (f *fakeUploads) GetBatch(ctx context.Context, batchID string) (*models.FileUpload, error) {
	return f.getBatchFn(ctx, batchID)
}

func (f *fakeUploads) ListUploads(ctx context.Context, refType, refID string) ([]*models.FileUpload, error) {
	return f.listFn(ctx, refType, refID)
}

func (f *fakeUploads) MarkDeletable(ctx context.Context, batchID string) error {
	return f.markFn(ctx, batchID)
}

func (f *fakeUploads) SetLink(ctx context.Context, refType, refID, field, link string) error {
	return f.setLinkFn(ctx, refType, refID, field, link)
}

func (f *fakeUploads) Authorize(ctx context.Context, caller auth.Identity, refType, refID, uploaderID string) error {
	if f.authorizeFn == nil {
		return nil
	}
	return f.authorizeFn(ctx, caller, refType, refID, uploaderID)
}

type fakeStorage struct {
	StorageService

	getExp   time.Duration
	getName  string
	aborted  []string
	partFn   func(key, uploadID string, part int32) (string, error)
	abortErr error
}

func (f *fakeStorage) PresignGet(_ context.Context, key, filename string, exp time.Duration) (string, error) {
	f.getExp, f.getName = exp, filename
	return "https://s3.test/" + key + "?sig=get", nil
}

func (f *fakeStorage) PresignPut(_ context.Context, key, _ string) (string, error) {
	return "https://s3.test/" + key + "?sig=put", nil
}

func (f *fakeStorage) PresignUploadPart(_ context.Context, key, uploadID string, part int32) (string, error) {
	if f.partFn != nil {
		return f.partFn(key, uploadID, part)
	}
	return fmt.Sprintf("https://s3.test/%s?uploadId=%s&partNumber=%d", key, uploadID, part), nil
}

func (f *fakeStorage) CreateMultipart(context.Context, string, string) (string, error) {
	return "UP1", nil
}

func (f *fakeStorage) CompleteMultipart(context.Context, string, string, []services.CompletedPart) error {
	return nil
}

func (f *fakeStorage) AbortMultipart(_ context.Context, key, uploadID string) error {
	f.aborted = append(f.aborted, key+"|"+uploadID)
	return f.abortErr
}

func (f *fakeStorage) NewObjectKey(refType, refID, filename string) (string, error) {
	prefix, err := services.ParentPrefix(refType, refID)
	if err != nil {
		return "", err
	}
	return prefix + "2026/01/02/id-" + filename, nil
}

type fakeHub struct{ Subscriptions }

func (fakeHub) Count() int { return 3 }

func newTestServer(t *testing.T, u *fakeUploads, s *fakeStorage) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if u == nil {
		u = &fakeUploads{}
	}
	if s == nil {
		s = &fakeStorage{}
	}
	return NewServer(":0", Deps{
		Uploads:  u,
		Storage:  s,
		Hub:      fakeHub{},
		TokenKey: testKey,
	}, logging.Nop{})
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, role, testKey, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, srv *Server, method, target, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthenticate(t *testing.T) {
	srv := newTestServer(t, &fakeUploads{
		listFn: func(context.Context, string, string) ([]*models.FileUpload, error) { return nil, nil },
	}, nil)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", "", http.StatusUnauthorized},
		{"header token", "Bearer " + token(t, "U1", "client"), "", http.StatusOK},
		{"query token", "", "&access_token=" + token(t, "U1", "client"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/storage/uploads?refType=order&refId=O1"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	tok, err := auth.GenerateToken("U1", "client", testKey, -time.Minute)
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/api/storage/uploads?refType=order&refId=O1", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, common.ErrTokenExpired.Error(), decode(t, w).Message)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	w := do(t, srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":{"status":"ok","subscribers":3}}`, w.Body.String())
}

func TestNextRevision(t *testing.T) {
	var n int64
	u := &fakeUploads{nextRevisionFn: func(_ context.Context, refType, refID string) (int64, error) {
		if refType == "" {
			return 0, fmt.Errorf("%w: refType and refId are required", common.ErrorValidation)
		}
		n++
		return n, nil
	}}
	srv := newTestServer(t, u, nil)
	admin := token(t, "A1", "admin")

	for want := int64(1); want <= 3; want++ {
		w := do(t, srv, http.MethodGet, "/api/storage/next-revision?refType=order&refId=O1", admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"success":true,"data":{"revision":%d}}`, want), w.Body.String())
	}

	w := do(t, srv, http.MethodGet, "/api/storage/next-revision", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/api/storage/next-revision?refType=order&refId=O1", token(t, "U1", "client"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecordSingles(t *testing.T) {
	body := map[string]any{
		"refType":  "order",
		"refId":    "O1",
		"batchId":  "B1",
		"s3Prefix": "orders/O1/",
		"files":    []map[string]any{{"key": "orders/O1/a.png"}},
	}

	t.Run("client batch is created", func(t *testing.T) {
		var got services.Batch
		u := &fakeUploads{recordFn: func(_ context.Context, b services.Batch) (*services.RecordResult, error) {
			got = b
			return &services.RecordResult{
				Upload: &models.FileUpload{BatchID: b.BatchID},
				Field:  models.LinkFieldDownload,
				Link:   services.BuildAccessLink("https://portal.test", b.RefType, b.RefID, b.UploadedBy, b.BatchID, nil),
			}, nil
		}}
		srv := newTestServer(t, u, nil)

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"), body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "U1", got.UserID)
		assert.Equal(t, common.RoleClient, got.UploadedBy)
		assert.Contains(t, w.Body.String(), "refType=order\\u0026refId=O1\\u0026uploadedBy=user\\u0026batchId=B1")
	})

	t.Run("duplicate answers 200", func(t *testing.T) {
		u := &fakeUploads{recordFn: func(context.Context, services.Batch) (*services.RecordResult, error) {
			return &services.RecordResult{Upload: &models.FileUpload{BatchID: "B1"}, Duplicate: true}, nil
		}}
		srv := newTestServer(t, u, nil)

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"), body)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("admin role defaults from token", func(t *testing.T) {
		var got services.Batch
		u := &fakeUploads{recordFn: func(_ context.Context, b services.Batch) (*services.RecordResult, error) {
			got = b
			return &services.RecordResult{Upload: &models.FileUpload{}}, nil
		}}
		srv := newTestServer(t, u, nil)

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "A1", "admin"), body)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, common.RoleAdmin, got.UploadedBy)
	})

	t.Run("client cannot claim admin", func(t *testing.T) {
		srv := newTestServer(t, &fakeUploads{}, nil)
		b := map[string]any{}
		for k, v := range body {
			b[k] = v
		}
		b["uploadedBy"] = "admin"

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"), b)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("foreign parent is forbidden", func(t *testing.T) {
		u := &fakeUploads{authorizeFn: func(context.Context, auth.Identity, string, string, string) error {
			return common.ErrorForbidden
		}}
		srv := newTestServer(t, u, nil)

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U2", "client"), body)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing batchId", func(t *testing.T) {
		srv := newTestServer(t, &fakeUploads{}, nil)
		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"),
			map[string]any{"refType": "order", "refId": "O1", "s3Prefix": "orders/O1/"})
		require.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "invalid request body", resp.Message)
		assert.NotContains(t, w.Body.String(), "recordRequest")
	})

	t.Run("prefix of another parent is rejected", func(t *testing.T) {
		recorded := false
		u := &fakeUploads{recordFn: func(context.Context, services.Batch) (*services.RecordResult, error) {
			recorded = true
			return &services.RecordResult{Upload: &models.FileUpload{}}, nil
		}}
		srv := newTestServer(t, u, nil)

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"), map[string]any{
			"refType":  "order",
			"refId":    "O1",
			"batchId":  "B1",
			"s3Prefix": "quotes/Q9/",
			"files":    []map[string]any{{"key": "quotes/Q9/secret.pdf"}},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, recorded)
	})

	t.Run("service errors are mapped", func(t *testing.T) {
		cases := []struct {
			err  error
			want int
		}{
			{fmt.Errorf("%w: files must not be empty", common.ErrorValidation), http.StatusBadRequest},
			{common.ErrorNotFound, http.StatusNotFound},
			{common.ErrBatchConflict, http.StatusConflict},
			{common.ErrRevisionTaken, http.StatusConflict},
		}
		for _, tc := range cases {
			u := &fakeUploads{recordFn: func(context.Context, services.Batch) (*services.RecordResult, error) {
				return nil, tc.err
			}}
			srv := newTestServer(t, u, nil)
			w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"), body)
			assert.Equal(t, tc.want, w.Code, tc.err.Error())
		}
	})

	t.Run("unexpected error carries message", func(t *testing.T) {
		u := &fakeUploads{recordFn: func(context.Context, services.Batch) (*services.RecordResult, error) {
			return nil, errors.New("db error: connection reset")
		}}
		srv := newTestServer(t, u, nil)

		w := do(t, srv, http.MethodPost, "/api/storage/record-singles", token(t, "U1", "client"), body)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, "db error: connection reset", resp.ErrorMessage)
	})
}

func TestSignPart(t *testing.T) {
	srv := newTestServer(t, &fakeUploads{}, nil)
	client := token(t, "U1", "client")

	w := do(t, srv, http.MethodGet, "/api/storage/sign-part?key=orders/O1/a.bin&uploadId=UP1&partNumber=2", client, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "partNumber=2")

	w = do(t, srv, http.MethodGet, "/api/storage/sign-part?key=orders/O1/a.bin&uploadId=UP1&partNumber=x", client, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/api/storage/sign-part?key=tmp/a.bin&uploadId=UP1&partNumber=1", client, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignPart_ValidationFromStorage(t *testing.T) {
	s := &fakeStorage{partFn: func(string, string, int32) (string, error) {
		return "", fmt.Errorf("%w: partNumber must be in 1..10000", common.ErrorValidation)
	}}
	srv := newTestServer(t, &fakeUploads{}, s)

	w := do(t, srv, http.MethodGet, "/api/storage/sign-part?key=orders/O1/a.bin&uploadId=UP1&partNumber=10001", token(t, "A1", "admin"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAbort(t *testing.T) {
	s := &fakeStorage{}
	srv := newTestServer(t, &fakeUploads{}, s)

	w := do(t, srv, http.MethodPost, "/api/storage/abort", token(t, "U1", "client"),
		map[string]string{"key": "orders/O1/a.bin", "uploadId": "UP1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"orders/O1/a.bin|UP1"}, s.aborted)

	s.abortErr = fmt.Errorf("%w: NoSuchUpload", common.ErrorNotFound)
	w = do(t, srv, http.MethodPost, "/api/storage/abort", token(t, "U1", "client"),
		map[string]string{"key": "orders/O1/a.bin", "uploadId": "UP1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMalformedBodies(t *testing.T) {
	srv := newTestServer(t, &fakeUploads{}, nil)
	admin := token(t, "A1", "admin")

	for _, path := range []string{
		"/api/storage/record-singles",
		"/api/storage/abort",
		"/api/storage/set-link",
		"/api/storage/multipart/create",
		"/api/storage/multipart/complete",
		"/api/storage/mark-deletable",
	} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"key":`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+admin)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "invalid request body", decode(t, w).Message, path)
	}
}

func TestSetLink(t *testing.T) {
	var field, link string
	u := &fakeUploads{setLinkFn: func(_ context.Context, _, _, f, l string) error {
		field, link = f, l
		return nil
	}}
	srv := newTestServer(t, u, nil)
	body := map[string]string{"refType": "quote", "refId": "Q1", "field": "deliveryLink", "link": "https://portal.test/x"}

	w := do(t, srv, http.MethodPost, "/api/storage/set-link", token(t, "U1", "client"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, srv, http.MethodPost, "/api/storage/set-link", token(t, "A1", "admin"), body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deliveryLink", field)
	assert.Equal(t, "https://portal.test/x", link)
}

func TestSignPutAndMultipart(t *testing.T) {
	srv := newTestServer(t, &fakeUploads{}, nil)
	client := token(t, "U1", "client")

	w := do(t, srv, http.MethodGet, "/api/storage/sign-put?refType=order&refId=O1&filename=a.png&contentType=image/png", client, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"key":"orders/O1/2026/01/02/id-a.png"`)

	w = do(t, srv, http.MethodGet, "/api/storage/sign-put?refType=invoice&refId=O1&filename=a.png", client, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/api/storage/multipart/create", client,
		map[string]string{"refType": "order", "refId": "O1", "filename": "big.zip"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"uploadId":"UP1"`)

	w = do(t, srv, http.MethodPost, "/api/storage/multipart/complete", client, map[string]any{
		"key": "orders/O1/2026/01/02/id-big.zip", "uploadId": "UP1",
		"parts": []map[string]any{{"partNumber": 1, "etag": "e1"}},
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMarkDeletableAndList(t *testing.T) {
	var marked string
	u := &fakeUploads{
		markFn: func(_ context.Context, id string) error {
			marked = id
			return nil
		},
		listFn: func(context.Context, string, string) ([]*models.FileUpload, error) { return nil, nil },
	}
	srv := newTestServer(t, u, nil)

	w := do(t, srv, http.MethodPost, "/api/storage/mark-deletable", token(t, "A1", "admin"), map[string]string{"batchId": "B1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "B1", marked)

	w = do(t, srv, http.MethodGet, "/api/storage/uploads?refType=order&refId=O1", token(t, "U1", "client"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())
}

func TestDownload(t *testing.T) {
	s := &fakeStorage{}
	srv := newTestServer(t, &fakeUploads{}, s)
	client := token(t, "U1", "client")

	tests := []struct {
		exp  string
		want time.Duration
	}{
		{"5", services.MinGetExpiry},
		{"100000", services.MaxGetExpiry},
		{"", services.DefaultGetExpiry},
		{"abc", services.DefaultGetExpiry},
		{"120", 2 * time.Minute},
	}
	for _, tt := range tests {
		w := do(t, srv, http.MethodGet, "/api/files/dl?key=orders/O1/a.png&name=a.png&exp="+tt.exp, client, nil)
		require.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://s3.test/orders/O1/a.png?sig=get", w.Header().Get("Location"))
		assert.Equal(t, tt.want, s.getExp, "exp=%q", tt.exp)
		assert.Equal(t, "a.png", s.getName)
	}

	w := do(t, srv, http.MethodGet, "/api/files/dl", client, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatch(t *testing.T) {
	upload := &models.FileUpload{
		RefType: "order", RefID: "O1", UserID: "U1", UploadedBy: "client", BatchID: "B1",
		Files: []models.FileDescriptor{{Key: "orders/O1/a.png", Filename: "a.png"}},
	}
	var authorized []string
	u := &fakeUploads{
		getBatchFn: func(_ context.Context, id string) (*models.FileUpload, error) {
			if id != "B1" {
				return nil, common.ErrorNotFound
			}
			return upload, nil
		},
		authorizeFn: func(_ context.Context, caller auth.Identity, refType, refID, uploader string) error {
			authorized = append(authorized, caller.UserID+"|"+refType+"|"+refID+"|"+uploader)
			if caller.UserID != "U1" {
				return common.ErrorForbidden
			}
			return nil
		},
	}
	srv := newTestServer(t, u, nil)

	w := do(t, srv, http.MethodGet, "/api/files/batch?refType=order&refId=O1&uploadedBy=user&batchId=B1", token(t, "U1", "client"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"url":"https://s3.test/orders/O1/a.png?sig=get"`)
	assert.Equal(t, []string{"U1|order|O1|U1"}, authorized)

	w = do(t, srv, http.MethodGet, "/api/files/batch?refType=order&refId=O2&batchId=B1", token(t, "U1", "client"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/api/files/batch?batchId=B9", token(t, "U1", "client"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/api/files/batch?batchId=B1", token(t, "U2", "client"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, srv, http.MethodGet, "/api/files/batch?batchId=B1", token(t, "A1", "admin"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParentFromKey(t *testing.T) {
	tests := []struct {
		key     string
		refType string
		refID   string
		ok      bool
	}{
		{"orders/O1/2026/01/02/x-a.png", "order", "O1", true},
		{"quotes/Q7/a.pdf", "quote", "Q7", true},
		{"orders/O1", "", "", false},
		{"orders//a.png", "", "", false},
		{"invoices/I1/a.png", "", "", false},
		{"order/O1/a.png", "", "", false},
		{"a.png", "", "", false},
	}
	for _, tt := range tests {
		refType, refID, ok := parentFromKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.refType, refType, tt.key)
		assert.Equal(t, tt.refID, refID, tt.key)
	}
}
