package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"chatsync/pkg/engine"
	"chatsync/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := engine.New(st)
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	ts := httptest.NewServer(New(eng, st).Router())
	t.Cleanup(func() {
		ts.Close()
		eng.Close()
		cancel()
		_ = st.Close()
	})
	return ts, st
}

func doReq(t *testing.T, method, target, user string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, target, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type wireMsg struct {
	Type    string   `json:"type"`
	Author  string   `json:"author"`
	Text    string   `json:"text"`
	LikedBy []string `json:"likedBy"`
	ID      string   `json:"_id"`
	Rev     string   `json:"_rev"`
}

func listMessages(t *testing.T, ts *httptest.Server) []wireMsg {
	t.Helper()
	resp := doReq(t, http.MethodGet, ts.URL+"/v1/messages", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var out struct {
		Messages []wireMsg `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return out.Messages
}

func waitForHTTP(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func likeURL(ts *httptest.Server, id string) string {
	return ts.URL + "/v1/messages/" + url.PathEscape(id) + "/like"
}

func TestCreateAndList(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/messages", "alice", map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var created wireMsg
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.Author != "alice" || created.Text != "hello" || created.Rev == "" {
		t.Fatalf("unexpected document: %+v", created)
	}
	waitForHTTP(t, "message listed", func() bool {
		msgs := listMessages(t, ts)
		return len(msgs) == 1 && msgs[0].ID == created.ID
	})
}

func TestCreateValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	if resp := doReq(t, http.MethodPost, ts.URL+"/v1/messages", "alice", map[string]string{"text": ""}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text: status %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/messages", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed json: status %d", resp.StatusCode)
	}
}

func TestListLimitReturnsTail(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, text := range []string{"one", "two", "three"} {
		if resp := doReq(t, http.MethodPost, ts.URL+"/v1/messages", "alice", map[string]string{"text": text}); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: status %d", text, resp.StatusCode)
		}
	}
	waitForHTTP(t, "all messages listed", func() bool { return len(listMessages(t, ts)) == 3 })

	resp := doReq(t, http.MethodGet, ts.URL+"/v1/messages?limit=2", "", nil)
	var out struct {
		Messages []wireMsg `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected tail of 2, got %d", len(out.Messages))
	}
	if out.Messages[1].Text != "three" {
		t.Fatalf("expected newest last, got %+v", out.Messages)
	}
}

func TestLikeFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/messages", "alice", map[string]string{"text": "like me"})
	var created wireMsg
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForHTTP(t, "message listed", func() bool { return len(listMessages(t, ts)) == 1 })

	if resp := doReq(t, http.MethodPost, likeURL(ts, created.ID), "bob", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("like: status %d", resp.StatusCode)
	}
	waitForHTTP(t, "like visible", func() bool {
		msgs := listMessages(t, ts)
		return len(msgs) == 1 && len(msgs[0].LikedBy) == 1 && msgs[0].LikedBy[0] == "bob"
	})
}

func TestLikeWithoutIdentity(t *testing.T) {
	ts, _ := newTestServer(t)
	// an earlier caller's identity must not carry over to a request
	// that sends no header
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/messages", "alice", map[string]string{"text": "hi"})
	var created wireMsg
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForHTTP(t, "message listed", func() bool { return len(listMessages(t, ts)) == 1 })
	if resp := doReq(t, http.MethodPost, likeURL(ts, created.ID), "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	msgs := listMessages(t, ts)
	if len(msgs) != 1 || len(msgs[0].LikedBy) != 0 {
		t.Fatalf("rejected like mutated the message: %+v", msgs)
	}
}

func TestLikeUnknownMessage(t *testing.T) {
	ts, _ := newTestServer(t)
	target := likeURL(ts, "message$2026-05-01T12:00:00.000Z$ghost")
	if resp := doReq(t, http.MethodPost, target, "bob", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetAndDelete(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, ts.URL+"/v1/messages", "alice", map[string]string{"text": "doomed"})
	var created wireMsg
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	docURL := ts.URL + "/v1/messages/" + url.PathEscape(created.ID)
	waitForHTTP(t, "message fetchable", func() bool {
		return doReq(t, http.MethodGet, docURL, "", nil).StatusCode == http.StatusOK
	})
	if resp := doReq(t, http.MethodDelete, docURL, "alice", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	waitForHTTP(t, "message gone", func() bool {
		return doReq(t, http.MethodGet, docURL, "", nil).StatusCode == http.StatusNotFound
	})
}

func TestDeleteUnknownMessage(t *testing.T) {
	ts, _ := newTestServer(t)
	target := ts.URL + "/v1/messages/" + url.PathEscape("message$2026-05-01T12:00:00.000Z$ghost")
	if resp := doReq(t, http.MethodDelete, target, "alice", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReplicateIngress(t *testing.T) {
	ts, _ := newTestServer(t)
	doc := map[string]interface{}{
		"type":    "message",
		"date":    "2026-05-01T12:00:00.000Z",
		"author":  "peer",
		"text":    "from afar",
		"likedBy": []string{"zoe"},
		"_id":     "message$2026-05-01T12:00:00.000Z$peer",
	}
	body := map[string]interface{}{"doc": doc, "rev": "1-abcdefabcdefabcd"}
	if resp := doReq(t, http.MethodPost, ts.URL+"/v1/replicate", "", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("replicate: status %d", resp.StatusCode)
	}
	waitForHTTP(t, "replicated message listed", func() bool {
		msgs := listMessages(t, ts)
		return len(msgs) == 1 && msgs[0].Author == "peer" && len(msgs[0].LikedBy) == 1
	})

	// missing rev is rejected
	if resp := doReq(t, http.MethodPost, ts.URL+"/v1/replicate", "", map[string]interface{}{"doc": doc}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing rev, got %d", resp.StatusCode)
	}
}
