package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"intelrelay/internal/retry"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

// ErrLoginAborted is returned when the operator interrupts the prompt.
var ErrLoginAborted = errors.New("login aborted")

// Prompter reads operator input. Secret prompts must not echo.
type Prompter interface {
	Prompt(label string, secret bool) (string, error)
	Close() error
}

// Verifier opens a short-lived session with cred and returns the identity it
// authenticates as. Rejected credentials must be retry.Permanent.
type Verifier func(ctx context.Context, cred transport.Credential) (transport.Identity, error)

// LoginFlow asks for a bot token, verifies it and persists it.
type LoginFlow struct {
	Store    *Store
	Verify   Verifier
	Prompter Prompter
	Out      io.Writer
	MaxTries int
	Log      logx.Logger
}

// Run executes the flow. It returns the stored credential and the identity
// it was verified against.
func (f *LoginFlow) Run(ctx context.Context) (transport.Credential, transport.Identity, error) {
	if f.Store == nil || f.Verify == nil {
		return transport.Credential{}, transport.Identity{}, errors.New("login flow is not configured")
	}
	p := f.Prompter
	if p == nil {
		rp, err := NewReadlinePrompter()
		if err != nil {
			return transport.Credential{}, transport.Identity{}, fmt.Errorf("interactive login needs a terminal: %w", err)
		}
		p = rp
	}
	defer p.Close()

	out := f.Out
	if out == nil {
		out = io.Discard
	}
	tries := f.MaxTries
	if tries <= 0 {
		tries = 3
	}

	fmt.Fprintln(out, "No stored session. Paste the bot token from @BotFather.")
	var lastErr error
	for i := 1; i <= tries; i++ {
		token, err := promptCtx(ctx, p, "Bot token: ", true)
		if err != nil {
			return transport.Credential{}, transport.Identity{}, err
		}
		token = strings.TrimSpace(token)
		if token == "" {
			fmt.Fprintln(out, "Empty token, try again.")
			continue
		}

		cred := transport.Credential{Token: token}
		id, err := f.Verify(ctx, cred)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return transport.Credential{}, transport.Identity{}, ctx.Err()
			}
			f.Log.Warn("login verification failed", logx.Int("try", i), logx.Bool("rejected", retry.IsPermanent(err)))
			if retry.IsPermanent(err) {
				fmt.Fprintln(out, "The token was rejected. Check it and try again.")
			} else {
				fmt.Fprintf(out, "Could not reach Telegram (%v). Try again.\n", err)
			}
			continue
		}

		if err := f.Store.Save(cred); err != nil {
			return transport.Credential{}, transport.Identity{}, err
		}
		fmt.Fprintf(out, "Logged in as %s. Session saved to %s\n", id, f.Store.Path())
		f.Log.Info("session stored", logx.String("identity", id.String()), logx.String("path", f.Store.Path()))
		return cred, id, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no token entered")
	}
	return transport.Credential{}, transport.Identity{}, retry.Permanent(fmt.Errorf("login failed after %d tries: %w", tries, lastErr))
}

func promptCtx(ctx context.Context, p Prompter, label string, secret bool) (string, error) {
	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := p.Prompt(label, secret)
		ch <- result{s, err}
	}()
	select {
	case <-ctx.Done():
		_ = p.Close()
		return "", ctx.Err()
	case r := <-ch:
		if errors.Is(r.err, readline.ErrInterrupt) || errors.Is(r.err, io.EOF) {
			return "", ErrLoginAborted
		}
		return r.s, r.err
	}
}

type readlinePrompter struct {
	rl *readline.Instance
}

// NewReadlinePrompter prompts on the controlling terminal.
func NewReadlinePrompter() (Prompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &readlinePrompter{rl: rl}, nil
}

func (r *readlinePrompter) Prompt(label string, secret bool) (string, error) {
	if secret {
		b, err := r.rl.ReadPassword(label)
		return string(b), err
	}
	r.rl.SetPrompt(label)
	return r.rl.Readline()
}

func (r *readlinePrompter) Close() error { return r.rl.Close() }
