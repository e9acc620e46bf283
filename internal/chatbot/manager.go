package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"archiflow/internal/logging"
)

const authFailureText = "Authentication failed. Please check your API key."

type Options struct {
	Contracts Contracts
	Completer Completer
	Logger    *zap.Logger
	// Typing is called with true when the first request goes out and with
	// false once no request is outstanding.
	Typing func(composing bool)
}

// Manager runs the compose, transport, interpret and dispatch pipeline for
// each user utterance.
type Manager struct {
	contracts Contracts
	completer Completer
	logger    *zap.Logger
	typing    func(bool)

	mu      sync.Mutex
	pending int
}

func New(opts Options) *Manager {
	return &Manager{
		contracts: opts.Contracts,
		completer: opts.Completer,
		logger:    logging.OrNop(opts.Logger),
		typing:    opts.Typing,
	}
}

// Send submits text to the model and returns a channel that receives exactly
// one Reply. It does not block on the network.
func (m *Manager) Send(ctx context.Context, text, selectedID string) <-chan Reply {
	out := make(chan Reply, 1)
	text = strings.TrimSpace(text)
	if text == "" {
		out <- failure("Please enter a message.")
		close(out)
		return out
	}
	if m.completer == nil {
		out <- failure("The assistant is not configured.")
		close(out)
		return out
	}
	req := &PendingRequest{
		Text:      text,
		Prompt:    Compose(text, selectedID),
		ContextID: selectedID,
		Attempt:   1,
	}
	m.begin()
	m.completer.Submit(ctx, req, func(content string, err error) {
		var reply Reply
		if err != nil {
			reply = m.errorReply(err)
		} else {
			reply = m.Handle(context.WithoutCancel(ctx), content, req.ContextID)
		}
		m.end()
		out <- reply
		close(out)
	})
	return out
}

// Ask is Send followed by a wait for the reply.
func (m *Manager) Ask(ctx context.Context, text, selectedID string) (Reply, error) {
	select {
	case r := <-m.Send(ctx, text, selectedID):
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Handle interprets an already received model response and dispatches it.
func (m *Manager) Handle(ctx context.Context, raw, selectedID string) Reply {
	in := Interpret(raw)
	switch in.Kind {
	case KindConversational:
		return Reply{Kind: ReplyMessage, Text: in.Text}
	case KindGreeting:
		return Reply{Kind: ReplyMessage, Text: greetingText}
	case KindUnknown:
		m.logger.Info("model returned an unsupported command", zap.String("type", in.Type))
		return Reply{Kind: ReplyMessage, Text: helpText()}
	}
	h, ok := handlers[in.Intent]
	if !ok {
		return Reply{Kind: ReplyMessage, Text: helpText()}
	}
	if m.contracts == nil {
		return Reply{Kind: ReplyError, Text: "No contract store is available.", Intent: in.Intent}
	}
	reply := h(ctx, m.contracts, command{payload: in.Payload, selectedID: strings.TrimSpace(selectedID)})
	reply.Intent = in.Intent
	m.logger.Debug("handled command", zap.String("intent", string(in.Intent)), zap.Stringer("kind", reply.Kind))
	return reply
}

func (m *Manager) errorReply(err error) Reply {
	var (
		authErr      *AuthenticationError
		exhaustedErr *ExhaustedRetriesError
		envelopeErr  *MalformedEnvelopeError
	)
	switch {
	case errors.As(err, &authErr):
		return Reply{Kind: ReplyError, Text: authFailureText}
	case errors.As(err, &exhaustedErr):
		return Reply{Kind: ReplyError, Text: fmt.Sprintf("Error communicating with the assistant: %v.", exhaustedErr)}
	case errors.As(err, &envelopeErr):
		return Reply{Kind: ReplyError, Text: "Unexpected response format: " + envelopeErr.Body}
	}
	m.logger.Error("chat request failed", zap.Error(err))
	return Reply{Kind: ReplyError, Text: fmt.Sprintf("Error communicating with the assistant: %v", err)}
}

func (m *Manager) begin() {
	m.mu.Lock()
	m.pending++
	first := m.pending == 1
	m.mu.Unlock()
	if first && m.typing != nil {
		m.typing(true)
	}
}

func (m *Manager) end() {
	m.mu.Lock()
	m.pending--
	last := m.pending == 0
	m.mu.Unlock()
	if last && m.typing != nil {
		m.typing(false)
	}
}
