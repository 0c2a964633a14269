package nl2sql

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestStripMarkdownSQL(t *testing.T) {
	got := StripMarkdownSQL("```sql\nSELECT 1;\n```")
	if got != "SELECT 1;" {
		t.Fatalf("StripMarkdownSQL() = %q", got)
	}
}

func TestDraftSendsSchemaAndDefects(t *testing.T) {
	var captured chatPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT name FROM customers"}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	text, err := client.Draft(context.Background(), DraftRequest{
		TenantID:     "tenant-1",
		Question:     "list customers",
		Tables:       []TableContext{{TableName: "customers", Columns: []string{"name"}, TenantScoped: true}},
		Attempt:      1,
		PreviousSQL:  "SELECT nme FROM customers",
		PriorDefects: []string{"schema_mismatch: unknown column nme"},
	})
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if text != "SELECT name FROM customers" {
		t.Fatalf("Draft() = %q", text)
	}
	if captured.Model != "gpt-5" {
		t.Fatalf("model = %q", captured.Model)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("messages = %d", len(captured.Messages))
	}
	user := captured.Messages[1].Content
	for _, want := range []string{"customers", "list customers", "SELECT nme FROM customers", "unknown column nme"} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestDraftRejectsEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	if _, err := client.Draft(context.Background(), DraftRequest{Question: "q"}); err == nil {
		t.Fatal("expected empty draft error")
	}
}

func TestJudgeParsesFencedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + "```json\\n{\\\"kind\\\":\\\"SQL\\\",\\\"confidence\\\":0.92}\\n```" + `"}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	judgement, err := client.Judge(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("Judge() error = %v", err)
	}
	if judgement.Kind != KindSQL || judgement.Confidence != 0.92 {
		t.Fatalf("Judge() = %+v", judgement)
	}
}

func TestJudgeSurfacesUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	_, err = client.Judge(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "status=503") {
		t.Fatalf("Judge() error = %v", err)
	}
}

func TestParseJudgementRejectsUnknownKind(t *testing.T) {
	if _, err := parseJudgement(`{"kind":"maybe","confidence":1}`); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://localhost"}); err == nil {
		t.Fatal("expected missing api key error")
	}
}
