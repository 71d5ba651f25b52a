package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"intelliegg/internal/config"
)

func newTestClient(baseURL string, retries int) *Client {
	cfg := config.Default().Remote
	cfg.BaseURL = baseURL
	cfg.Timeout = 2 * time.Second
	cfg.UploadRetries = retries
	c := New(cfg, zap.NewNop())
	c.retryDelay = 10 * time.Millisecond
	return c
}

func TestCheckEntry(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		expected  bool
		expectErr bool
	}{
		{name: "存在する", status: http.StatusOK, body: `{"exists": true}`, expected: true},
		{name: "存在しない", status: http.StatusOK, body: `{"exists": false}`, expected: false},
		{name: "サーバーエラー", status: http.StatusInternalServerError, body: `boom`, expectErr: true},
		{name: "不正なJSON", status: http.StatusOK, body: `{`, expectErr: true},
		{name: "existsがない", status: http.StatusOK, body: `{}`, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotDate string
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/check-entry" || r.Method != http.MethodPost {
					t.Errorf("想定外のリクエスト: %s %s", r.Method, r.URL.Path)
				}
				var req checkEntryRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				gotDate = req.Date
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			exists, err := newTestClient(ts.URL, 0).CheckEntry(context.Background(), "2024-05-01")
			if tc.expectErr {
				var remoteErr *Error
				if !errors.As(err, &remoteErr) {
					t.Fatalf("*Error が期待されました: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if exists != tc.expected {
				t.Errorf("期待値 %v, 実際 %v", tc.expected, exists)
			}
			if gotDate != "2024-05-01" {
				t.Errorf("送信された日付が不正です: %s", gotDate)
			}
		})
	}
}

func TestCheckEntryUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	if _, err := newTestClient(url, 0).CheckEntry(context.Background(), "2024-05-01"); err == nil {
		t.Fatal("到達できないサーバーでエラーが返されませんでした")
	}
}

func TestUploadFertility(t *testing.T) {
	var got fertilityRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fertility-check" {
			t.Errorf("想定外のパス: %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type が不正です: %s", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success": true, "message": "ok"}`))
	}))
	defer ts.Close()

	result := newTestClient(ts.URL, 0).Upload(context.Background(), Payload{
		Kind:  KindFertility,
		Image: []byte("jpeg"),
		Date:  "2024-05-01",
	})
	if !result.Success || result.Message != "ok" || result.StatusCode != http.StatusOK {
		t.Errorf("想定外の結果: %+v", result)
	}
	if got.Date != "2024-05-01" {
		t.Errorf("date が不正です: %s", got.Date)
	}
	if got.ImageBase64 != base64.StdEncoding.EncodeToString([]byte("jpeg")) {
		t.Errorf("image_base64 が不正です: %s", got.ImageBase64)
	}
}

func TestUploadResults(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/insert-results" {
			t.Errorf("想定外のパス: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer ts.Close()

	result := newTestClient(ts.URL, 0).Upload(context.Background(), Payload{
		Kind:  KindResults,
		Image: []byte("annotated"),
		Date:  "2024-05-01",
		Detections: []DetectionRecord{
			{Label: "fertile", Confidence: 0.93, X1: 1, Y1: 2, X2: 3, Y2: 4, Row: 1, Column: 2},
		},
	})
	if !result.Success {
		t.Fatalf("アップロードが失敗しました: %+v", result)
	}
	for _, key := range []string{"annotated_image_base64", "detection_date", "detections"} {
		if _, ok := got[key]; !ok {
			t.Errorf("%s フィールドがありません", key)
		}
	}
	if _, ok := got["id"]; ok {
		t.Error("SourceIDが0の場合 id は送信されません")
	}
}

func TestUploadFailures(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "success=false", status: http.StatusOK, body: `{"success": false, "message": "duplicate"}`},
		{name: "クライアントエラー", status: http.StatusBadRequest, body: `bad`},
		{name: "サーバーエラー", status: http.StatusBadGateway, body: `down`},
		{name: "不正なJSON", status: http.StatusOK, body: `not-json`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			result := newTestClient(ts.URL, 0).Upload(context.Background(), Payload{Kind: KindFertility, Date: "2024-05-01"})
			if result.Success {
				t.Fatal("失敗が期待されました")
			}
			if result.Message == "" {
				t.Error("メッセージが設定されていません")
			}
		})
	}
}

func TestUploadRetries(t *testing.T) {
	t.Run("5xxは再試行する", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"success": true}`))
		}))
		defer ts.Close()

		result := newTestClient(ts.URL, 2).Upload(context.Background(), Payload{Kind: KindFertility})
		if !result.Success {
			t.Fatalf("再試行後に成功するはずです: %+v", result)
		}
		if calls.Load() != 3 {
			t.Errorf("呼び出し回数 期待値 3, 実際 %d", calls.Load())
		}
	})

	t.Run("既定では再試行しない", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		result := newTestClient(ts.URL, 0).Upload(context.Background(), Payload{Kind: KindFertility})
		if result.Success {
			t.Fatal("失敗が期待されました")
		}
		if calls.Load() != 1 {
			t.Errorf("呼び出し回数 期待値 1, 実際 %d", calls.Load())
		}
	})

	t.Run("4xxは再試行しない", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer ts.Close()

		newTestClient(ts.URL, 3).Upload(context.Background(), Payload{Kind: KindFertility})
		if calls.Load() != 1 {
			t.Errorf("呼び出し回数 期待値 1, 実際 %d", calls.Load())
		}
	})
}

func TestUploadUnknownKind(t *testing.T) {
	result := newTestClient("http://127.0.0.1:1", 0).Upload(context.Background(), Payload{Kind: "unknown"})
	if result.Success {
		t.Fatal("未対応の種別で成功しました")
	}
}

func TestFetchUnprocessed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/fetch-data" {
			t.Errorf("想定外のリクエスト: %s %s", r.Method, r.URL.Path)
		}
		resp := map[string]any{
			"success": true,
			"data": []map[string]any{
				{"id": 7, "image_data": base64.StdEncoding.EncodeToString([]byte("img")), "detection_date": "2024-05-01"},
				{"id": 8, "image_data": "%%%", "detection_date": "2024-05-02"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	records, err := newTestClient(ts.URL, 0).FetchUnprocessed(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("デコードできないレコードは読み飛ばされるはずです: %d 件", len(records))
	}
	if records[0].ID != 7 || string(records[0].Image) != "img" || records[0].DetectionDate != "2024-05-01" {
		t.Errorf("想定外のレコード: %+v", records[0])
	}
}

func TestFetchUnprocessedRemoteFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "message": "db down"}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL, 0).FetchUnprocessed(context.Background())
	var remoteErr *Error
	if !errors.As(err, &remoteErr) || remoteErr.Op != "fetch-data" {
		t.Fatalf("fetch-data の *Error が期待されました: %v", err)
	}
}
