package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/llm"
	"github.com/stellarlinkco/aicore/internal/memory"
	"github.com/stellarlinkco/aicore/internal/store"
)

type scriptedClient struct {
	replies []string
	err     error
	calls   int
	lastReq llm.Request
}

func (c *scriptedClient) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	c.calls++
	c.lastReq = req
	if c.err != nil {
		return llm.Result{}, c.err
	}
	if len(c.replies) == 0 {
		return llm.Result{Content: "ok"}, nil
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return llm.Result{Content: reply}, nil
}

func (c *scriptedClient) StartStream(ctx context.Context, req llm.Request) (string, error) {
	return "", fmt.Errorf("not supported")
}

func (c *scriptedClient) PollStream(ctx context.Context, streamID string, cursor int) (llm.Poll, error) {
	return llm.Poll{}, fmt.Errorf("not supported")
}

func (c *scriptedClient) EndStream(ctx context.Context, streamID string) error { return nil }

func (c *scriptedClient) Summarize(ctx context.Context, msgs []llm.Message) (string, error) {
	return "", fmt.Errorf("not supported")
}

func setupHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func staticFactory(c llm.Client) ClientFactory {
	return func(*config.Config) (llm.Client, error) { return c, nil }
}

func TestRunChatSingleMessage(t *testing.T) {
	setupHome(t)
	messageFlag = "hello"
	defer func() { messageFlag = "" }()

	client := &scriptedClient{replies: []string{"hi there"}}
	var out bytes.Buffer
	err := runChatWithOptions(ChatOptions{
		ClientFactory: staticFactory(client),
		Stdout:        &out,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions() error = %v", err)
	}
	if !strings.Contains(out.String(), "hi there") {
		t.Errorf("output = %q", out.String())
	}
	if client.calls != 1 {
		t.Errorf("chat calls = %d", client.calls)
	}
	if len(client.lastReq.Messages) != 2 || client.lastReq.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", client.lastReq.Messages)
	}
}

func TestRunChatREPL(t *testing.T) {
	setupHome(t)

	client := &scriptedClient{replies: []string{"first", "second"}}
	var out, errBuf bytes.Buffer
	stdin := strings.NewReader("one\ntwo\nexit\n")

	err := runChatWithOptions(ChatOptions{
		ClientFactory: staticFactory(client),
		Stdin:         stdin,
		Stdout:        &out,
		Stderr:        &errBuf,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions() error = %v", err)
	}
	if client.calls != 2 {
		t.Errorf("chat calls = %d, want 2", client.calls)
	}
	if !strings.Contains(out.String(), "first") || !strings.Contains(out.String(), "second") {
		t.Errorf("output = %q", out.String())
	}
	// History carries the whole exchange: system, user, assistant, user.
	if len(client.lastReq.Messages) != 4 {
		t.Errorf("last request carried %d messages, want 4", len(client.lastReq.Messages))
	}
}

func TestRunChatREPLModelError(t *testing.T) {
	setupHome(t)

	client := &scriptedClient{err: fmt.Errorf("model down")}
	var out, errBuf bytes.Buffer
	stdin := strings.NewReader("hello\nexit\n")

	err := runChatWithOptions(ChatOptions{
		ClientFactory: staticFactory(client),
		Stdin:         stdin,
		Stdout:        &out,
		Stderr:        &errBuf,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions() error = %v", err)
	}
	if !strings.Contains(errBuf.String(), "model down") {
		t.Errorf("stderr = %q", errBuf.String())
	}
}

func TestRunChatFactoryError(t *testing.T) {
	setupHome(t)

	err := runChatWithOptions(ChatOptions{
		ClientFactory: func(*config.Config) (llm.Client, error) {
			return nil, fmt.Errorf("no key")
		},
	})
	if err == nil || !strings.Contains(err.Error(), "no key") {
		t.Errorf("error = %v", err)
	}
}

func TestDefaultClientFactoryRequiresKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := defaultClientFactory(cfg); err == nil {
		t.Error("expected error with empty API key")
	}
	cfg.Provider.APIKey = "sk-test"
	client, err := defaultClientFactory(cfg)
	if err != nil {
		t.Fatalf("defaultClientFactory() error = %v", err)
	}
	if client == nil {
		t.Fatal("nil client")
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-1234567890abcdef", "sk-1...cdef"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestRunOnboardCreatesConfigAndData(t *testing.T) {
	setupHome(t)

	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("runOnboard() error = %v", err)
	}
	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Errorf("config not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(config.ConfigDir(), "data", "cron")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}

	// Second run leaves the existing config alone.
	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("second runOnboard() error = %v", err)
	}
}

func TestLoadMemoryStores(t *testing.T) {
	setupHome(t)
	cfg := config.DefaultConfig()
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "sessions.db")

	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, id := range []string{"webui:a", "webui:b"} {
		mem := memory.NewStore(id, 10, 10, 5)
		if err := mem.Add(context.Background(), memory.AddParams{
			Text: "remembers " + id, Keywords: []string{"note"},
		}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if err := db.SaveSession(id, map[string]int{"version": 1}); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
		if err := db.SaveMemory(id, mem.Snapshot()); err != nil {
			t.Fatalf("SaveMemory() error = %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	stores, cleanup, err := loadMemoryStores(cfg, "")
	if err != nil {
		t.Fatalf("loadMemoryStores() error = %v", err)
	}
	cleanup()
	if len(stores) != 2 {
		t.Fatalf("stores = %d, want 2", len(stores))
	}
	if st := stores[0].Stats(); st.Units != 1 {
		t.Errorf("units = %d, want 1", st.Units)
	}

	filtered, cleanup, err := loadMemoryStores(cfg, "webui:b")
	if err != nil {
		t.Fatalf("loadMemoryStores(filtered) error = %v", err)
	}
	cleanup()
	if len(filtered) != 1 || filtered[0].Session() != "webui:b" {
		t.Errorf("filtered = %d stores", len(filtered))
	}
}

func TestRunStatusWithoutStore(t *testing.T) {
	setupHome(t)
	// Status must not fail when nothing is set up yet.
	if err := runStatus(nil, nil); err != nil {
		t.Errorf("runStatus() error = %v", err)
	}
}
