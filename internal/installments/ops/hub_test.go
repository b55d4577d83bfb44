package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lmsBack/internal/installments/repo"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

func TestHubBroadcastsIssues(t *testing.T) {
	hub := NewHub(testLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("console never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.PublishIssue(repo.Issue{ID: "is-1", Kind: repo.IssueUnknownEntry, EventID: "evt_1", Detail: "no entry"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		Type string       `json:"type"`
		Data IssuePayload `json:"data"`
	}
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "reconciliation_issue" || got.Data.Kind != repo.IssueUnknownEntry || got.Data.EventID != "evt_1" {
		t.Fatalf("unexpected message %s", msg)
	}
}
