package opencode

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentlens/backend/internal/backend"
)

// fixture builds the storage layout: message/<sid>/<mid>.json plus
// part/<mid>/<pid>.json.
type fixture struct {
	t          *testing.T
	storageDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, storageDir: t.TempDir()}
}

func (f *fixture) write(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.storageDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) userMessage(sid, mid, text string) {
	f.write(fmt.Sprintf("message/%s/%s.json", sid, mid),
		fmt.Sprintf(`{"id":"%s","sessionID":"%s","role":"user","time":{"created":1769767200000}}`, mid, sid))
	f.write(fmt.Sprintf("part/%s/prt_001.json", mid),
		fmt.Sprintf(`{"id":"prt_001","messageID":"%s","sessionID":"%s","type":"text","text":"%s"}`, mid, sid, text))
}

func (f *fixture) assistantMessage(sid, mid, text string, finished bool) {
	f.write(fmt.Sprintf("message/%s/%s.json", sid, mid),
		fmt.Sprintf(`{"id":"%s","sessionID":"%s","role":"assistant","time":{"created":1769767260000},"modelID":"claude-sonnet-4-5","providerID":"anthropic"}`, mid, sid))
	f.write(fmt.Sprintf("part/%s/prt_001.json", mid),
		fmt.Sprintf(`{"id":"prt_001","messageID":"%s","sessionID":"%s","type":"text","text":"%s"}`, mid, sid, text))
	if finished {
		f.write(fmt.Sprintf("part/%s/prt_002.json", mid),
			fmt.Sprintf(`{"id":"prt_002","messageID":"%s","sessionID":"%s","type":"step-finish","tokens":{"input":120,"output":45,"cache":{"read":800,"write":200}}}`, mid, sid))
	}
}

func TestReadNewEmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.userMessage("ses_01", "msg_001", "hello")
	f.assistantMessage("ses_01", "msg_002", "hi", true)

	tailer := NewTailer(f.storageDir, "ses_01")
	msgs, err := tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	msgs, err = tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected nothing on repeat read, got %d", len(msgs))
	}

	f.userMessage("ses_01", "msg_003", "next question")
	msgs, err = tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "next question" {
		t.Errorf("expected only the new message, got %+v", msgs)
	}
}

func TestUnfinishedAssistantHeldBack(t *testing.T) {
	f := newFixture(t)
	f.userMessage("ses_02", "msg_001", "hello")
	f.assistantMessage("ses_02", "msg_002", "partial answer", false)

	tailer := NewTailer(f.storageDir, "ses_02")
	msgs, err := tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("unfinished assistant message must not emit, got %+v", msgs)
	}

	// The step-finish lands: the message becomes ready and emits once.
	f.write("part/msg_002/prt_009.json",
		`{"id":"prt_009","messageID":"msg_002","sessionID":"ses_02","type":"step-finish","tokens":{"input":10,"output":5}}`)
	msgs, err = tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Fatalf("expected the completed assistant message, got %+v", msgs)
	}
}

func TestEmptyUserMessageHeldBack(t *testing.T) {
	f := newFixture(t)
	f.write("message/ses_03/msg_001.json",
		`{"id":"msg_001","sessionID":"ses_03","role":"user","time":{"created":1769767200000}}`)
	f.write("part/msg_001/prt_001.json",
		`{"id":"prt_001","messageID":"msg_001","sessionID":"ses_03","type":"text","text":"   "}`)

	msgs, err := NewTailer(f.storageDir, "ses_03").ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("whitespace-only user message must not emit, got %+v", msgs)
	}
}

func TestSeekToEnd(t *testing.T) {
	f := newFixture(t)
	f.userMessage("ses_04", "msg_001", "hello")

	tailer := NewTailer(f.storageDir, "ses_04")
	if err := tailer.SeekToEnd(); err != nil {
		t.Fatal(err)
	}
	msgs, err := tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected nothing after seek, got %d", len(msgs))
	}

	f.userMessage("ses_04", "msg_002", "and another")
	msgs, err = tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected only the appended message, got %d", len(msgs))
	}
}

func TestToolPartExpansion(t *testing.T) {
	f := newFixture(t)
	sid, mid := "ses_05", "msg_001"
	f.write(fmt.Sprintf("message/%s/%s.json", sid, mid),
		fmt.Sprintf(`{"id":"%s","sessionID":"%s","role":"assistant","time":{"created":1769767260000},"modelID":"claude-sonnet-4-5"}`, mid, sid))
	f.write(fmt.Sprintf("part/%s/prt_001.json", mid),
		fmt.Sprintf(`{"id":"prt_001","messageID":"%s","sessionID":"%s","type":"tool","tool":"bash","callID":"call_1","state":{"status":"completed","input":{"command":"ls"},"output":"file.txt"}}`, mid, sid))
	f.write(fmt.Sprintf("part/%s/prt_002.json", mid),
		fmt.Sprintf(`{"id":"prt_002","messageID":"%s","sessionID":"%s","type":"tool","tool":"read","callID":"call_2","state":{"status":"error","error":"permission denied"}}`, mid, sid))
	f.write(fmt.Sprintf("part/%s/prt_003.json", mid),
		fmt.Sprintf(`{"id":"prt_003","messageID":"%s","sessionID":"%s","type":"step-finish"}`, mid, sid))

	msgs, err := NewTailer(f.storageDir, sid).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	blocks := msgs[0].Blocks
	if len(blocks) != 4 {
		t.Fatalf("expected use+result per tool part, got %d blocks", len(blocks))
	}
	if blocks[0].Type != backend.BlockToolUse || blocks[0].ToolName != "bash" {
		t.Errorf("unexpected first block: %+v", blocks[0])
	}
	if blocks[1].Type != backend.BlockToolResult || blocks[1].Content != "file.txt" {
		t.Errorf("unexpected completed result: %+v", blocks[1])
	}
	if !blocks[3].IsError || blocks[3].Content != "permission denied" {
		t.Errorf("expected error result, got %+v", blocks[3])
	}
}

func TestUsageFromStepFinish(t *testing.T) {
	f := newFixture(t)
	f.userMessage("ses_06", "msg_001", "hello")
	f.assistantMessage("ses_06", "msg_002", "hi", true)

	msgs, err := NewTailer(f.storageDir, "ses_06").ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	u := msgs[1].Usage
	if u == nil {
		t.Fatal("expected usage from the step-finish part")
	}
	if u.InputTokens != 120 || u.OutputTokens != 45 {
		t.Errorf("expected 120/45 tokens, got %d/%d", u.InputTokens, u.OutputTokens)
	}
	if u.CacheReadTokens != 800 || u.CacheCreationTokens != 200 {
		t.Errorf("expected cache 800/200, got %d/%d", u.CacheReadTokens, u.CacheCreationTokens)
	}
	if u.CostUSD <= 0 {
		t.Error("expected cost computed from rate table")
	}
}

func TestExplicitCostWins(t *testing.T) {
	f := newFixture(t)
	sid, mid := "ses_07", "msg_001"
	f.write(fmt.Sprintf("message/%s/%s.json", sid, mid),
		fmt.Sprintf(`{"id":"%s","sessionID":"%s","role":"assistant","time":{"created":1769767260000},"modelID":"claude-sonnet-4-5","cost":0.42,"tokens":{"input":100,"output":50}}`, mid, sid))
	f.write(fmt.Sprintf("part/%s/prt_001.json", mid),
		fmt.Sprintf(`{"id":"prt_001","messageID":"%s","sessionID":"%s","type":"step-finish"}`, mid, sid))

	msgs, err := NewTailer(f.storageDir, sid).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Usage == nil {
		t.Fatalf("expected a message with usage, got %+v", msgs)
	}
	if msgs[0].Usage.CostUSD != 0.42 {
		t.Errorf("expected the recorded cost 0.42, got %f", msgs[0].Usage.CostUSD)
	}
}

func TestWaitingForInput(t *testing.T) {
	f := newFixture(t)
	f.userMessage("ses_08", "msg_001", "hello")
	f.assistantMessage("ses_08", "msg_002", "done", true)

	waiting, err := NewTailer(f.storageDir, "ses_08").WaitingForInput()
	if err != nil {
		t.Fatal(err)
	}
	if !waiting {
		t.Error("finished assistant text tail should mean waiting")
	}

	f.userMessage("ses_08", "msg_003", "more")
	waiting, err = NewTailer(f.storageDir, "ses_08").WaitingForInput()
	if err != nil {
		t.Fatal(err)
	}
	if waiting {
		t.Error("user tail should not mean waiting")
	}
}
