package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mahaj/chatcore/pkg/api"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/room"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, devLogin bool) *httptest.Server {
	t.Helper()
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	svc, err := chat.NewService(chat.Deps{Store: store.NewMemory(), Emitter: fanout.NewLocal(room.NewMembership()), IDs: node})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer("verify-secret", time.Hour, "")
	require.NoError(t, err)

	deps := api.Deps{Chat: svc, Resolver: issuer, Presence: presence.LocalView{Registry: presence.NewRegistry()}}
	if devLogin {
		deps.Issuer = issuer
	}
	srv, err := api.NewServer(deps)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func TestVerifyAPI_RoundTrip(t *testing.T) {
	ts := newAPI(t, true)
	var out bytes.Buffer
	require.NoError(t, verifyAPI(context.Background(), ts.Client(), ts.URL+"/", &out))
	assert.Contains(t, out.String(), "read receipts ok")
	assert.Contains(t, out.String(), "cleaned up")
}

func TestVerifyAPI_NoDevLogin(t *testing.T) {
	ts := newAPI(t, false)
	err := verifyAPI(context.Background(), ts.Client(), ts.URL, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("CHAT_CONFIG", "")
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("STORE_BACKEND", "memory")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "alice", "--name", "Alice"})
	require.NoError(t, rootCmd.Execute())

	issuer, err := auth.NewTokenIssuer("cli-secret", time.Hour, "")
	require.NoError(t, err)
	claims, err := issuer.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Name)
}
