package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/chatcore/pkg/api"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/spf13/cobra"
)

var verifyAddr string

func init() {
	verifyCmd.Flags().StringVar(&verifyAddr, "addr", "http://localhost:8080", "base URL of the REST API")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a login, create, send, history and read round trip against a deployment",
	Long: `verify needs the development login (auth.dev_login) enabled on the
target. It creates two throwaway users and a direct chat between them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return verifyAPI(ctx, &http.Client{Timeout: 10 * time.Second}, verifyAddr, cmd.OutOrStdout())
	},
}

type apiClient struct {
	http *http.Client
	base string
}

func (c *apiClient) do(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) login(ctx context.Context, userID string) (string, error) {
	var resp api.LoginResponse
	if _, err := c.do(ctx, http.MethodPost, "/login", "", api.LoginRequest{UserID: userID, DisplayName: userID}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func verifyAPI(ctx context.Context, hc *http.Client, base string, out io.Writer) error {
	c := &apiClient{http: hc, base: strings.TrimRight(base, "/")}
	suffix := uuid.NewString()[:8]
	alice, bob := "verify-a-"+suffix, "verify-b-"+suffix

	aliceToken, err := c.login(ctx, alice)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	bobToken, err := c.login(ctx, bob)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "logged in %s and %s\n", alice, bob)

	var conv model.Conversation
	if _, err := c.do(ctx, http.MethodPost, "/api/chats", aliceToken, api.CreateChatRequest{ParticipantID: bob}, &conv); err != nil {
		return err
	}
	fmt.Fprintf(out, "created chat %s\n", conv.ID)

	content := "verify " + suffix
	var msg model.Message
	msgsPath := "/api/chats/" + conv.ID.String() + "/messages"
	if _, err := c.do(ctx, http.MethodPost, msgsPath, aliceToken, api.SendRequest{Content: content}, &msg); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent message %s\n", msg.ID)

	var page chat.HistoryPage
	if _, err := c.do(ctx, http.MethodGet, msgsPath, bobToken, nil, &page); err != nil {
		return err
	}
	found := false
	for _, m := range page.Messages {
		if m.ID == msg.ID && m.Content == content {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("message %s missing from history (%d messages)", msg.ID, len(page.Messages))
	}
	fmt.Fprintf(out, "history has %d message(s)\n", page.Pagination.TotalMessages)

	var read struct {
		Marked int `json:"marked"`
	}
	if _, err := c.do(ctx, http.MethodPut, "/api/chats/"+conv.ID.String()+"/read", bobToken, nil, &read); err != nil {
		return err
	}
	if read.Marked != 1 {
		return fmt.Errorf("expected 1 message marked read, got %d", read.Marked)
	}
	fmt.Fprintln(out, "read receipts ok")

	if _, err := c.do(ctx, http.MethodDelete, "/api/chats/"+conv.ID.String(), aliceToken, nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(out, "cleaned up")
	return nil
}
