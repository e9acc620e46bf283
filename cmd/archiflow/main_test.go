package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archiflow/internal/chatbot"
)

type recordingCompleter struct {
	mu       sync.Mutex
	contexts []string
}

func (r *recordingCompleter) Submit(_ context.Context, req *chatbot.PendingRequest, done func(string, error)) {
	r.mu.Lock()
	r.contexts = append(r.contexts, req.ContextID)
	r.mu.Unlock()
	go done("Noted.", nil)
}

func TestRunChatTracksSelection(t *testing.T) {
	rec := &recordingCompleter{}
	m := chatbot.New(chatbot.Options{Completer: rec})
	in := strings.NewReader("hello\n/select CONT-7\nadd net 30\n/select\n/clear\nbye\n/quit\nignored\n")
	var out bytes.Buffer

	require.NoError(t, runChat(context.Background(), m, in, &out, ""))
	assert.Equal(t, []string{"", "CONT-7", ""}, rec.contexts)
	assert.Contains(t, out.String(), "[CONT-7]> ")
	assert.Contains(t, out.String(), "usage: /select <contract id>")
	assert.Equal(t, 3, strings.Count(out.String(), "Noted."))
}

func TestRunChatStartsWithFlagSelection(t *testing.T) {
	rec := &recordingCompleter{}
	m := chatbot.New(chatbot.Options{Completer: rec})
	require.NoError(t, runChat(context.Background(), m, strings.NewReader("status?\n"), &bytes.Buffer{}, "CONT-1"))
	assert.Equal(t, []string{"CONT-1"}, rec.contexts)
}
