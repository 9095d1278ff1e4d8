package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelrelay/internal/retry"
	"intelrelay/internal/transport"
)

func TestStoreRoundTripAndPermissions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "relay.session")
	s := NewStore(path)

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, s.Exists())

	require.NoError(t, s.Save(transport.Credential{Token: " 123:abc \n"}))
	assert.True(t, s.Exists())

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", got.Token)

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	}
}

func TestStoreRejectsEmptyAndHidesMalformedContent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.session")
	s := NewStore(path)

	assert.Error(t, s.Save(transport.Credential{}))

	require.NoError(t, os.WriteFile(path, []byte("token: [secret-value"), 0o600))
	_, err := s.Load()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-value")
}

type scriptedPrompter struct {
	answers []string
	closed  int
}

func (p *scriptedPrompter) Prompt(label string, secret bool) (string, error) {
	if len(p.answers) == 0 {
		return "", io.EOF
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *scriptedPrompter) Close() error { p.closed++; return nil }

func TestLoginFlowRetriesRejectedTokenThenSaves(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "relay.session"))
	prompter := &scriptedPrompter{answers: []string{"", "bad", "good"}}
	var out bytes.Buffer

	flow := &LoginFlow{
		Store:    store,
		Prompter: prompter,
		Out:      &out,
		MaxTries: 3,
		Verify: func(ctx context.Context, cred transport.Credential) (transport.Identity, error) {
			if cred.Token != "good" {
				return transport.Identity{}, retry.Permanent(errors.New("Unauthorized"))
			}
			return transport.Identity{ID: 42, Username: "relaybot"}, nil
		},
	}

	cred, id, err := flow.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good", cred.Token)
	assert.Equal(t, "@relaybot", id.String())
	assert.Contains(t, out.String(), "rejected")
	assert.NotContains(t, out.String(), "good")
	assert.GreaterOrEqual(t, prompter.closed, 1)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "good", stored.Token)
}

func TestLoginFlowGivesUpAsPermanent(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "relay.session"))
	flow := &LoginFlow{
		Store:    store,
		Prompter: &scriptedPrompter{answers: []string{"a", "b"}},
		MaxTries: 2,
		Verify: func(ctx context.Context, cred transport.Credential) (transport.Identity, error) {
			return transport.Identity{}, retry.Permanent(errors.New("Unauthorized"))
		},
	}
	_, _, err := flow.Run(context.Background())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.False(t, store.Exists())
}

func TestLoginFlowAbortOnEOF(t *testing.T) {
	t.Parallel()
	flow := &LoginFlow{
		Store:    NewStore(filepath.Join(t.TempDir(), "relay.session")),
		Prompter: &scriptedPrompter{},
		Verify: func(ctx context.Context, cred transport.Credential) (transport.Identity, error) {
			t.Fatal("verify must not be called")
			return transport.Identity{}, nil
		},
	}
	_, _, err := flow.Run(context.Background())
	assert.ErrorIs(t, err, ErrLoginAborted)
}
