package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/api"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

func postJSON(addr, path, token string, body, out any) error {
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, addr+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed: %s", path, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	apiAddr := flag.String("addr", "http://localhost:8080", "gateway address")
	userID := flag.String("user", "user1", "user id")
	dmUser := flag.String("dm", "", "open a direct chat with this user")
	chatID := flag.String("chat", "", "conversation id to join")
	flag.Parse()

	// 1. Login to get token
	log.Printf("Logging in as %s...", *userID)
	var login api.LoginResponse
	if err := postJSON(*apiAddr, "/login", "", api.LoginRequest{UserID: *userID, DisplayName: *userID}, &login); err != nil {
		log.Fatal("Login failed:", err)
	}

	var current snowflake.ID
	if *chatID != "" {
		id, err := snowflake.ParseID(*chatID)
		if err != nil {
			log.Fatal("bad -chat:", err)
		}
		current = id
	}
	if *dmUser != "" {
		var conv model.Conversation
		if err := postJSON(*apiAddr, "/api/chats", login.Token, api.CreateChatRequest{ParticipantID: *dmUser}, &conv); err != nil {
			log.Fatal(err)
		}
		current = conv.ID
		log.Printf("Chat with %s is %s", *dmUser, conv.ID)
	}

	// 2. Connect to WebSocket with token
	u, err := url.Parse(*apiAddr)
	if err != nil {
		log.Fatal(err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", login.Token)
	u.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	send := func(event string, payload any) {
		frame, err := model.Frame(event, payload)
		if err != nil {
			log.Println("encode:", err)
			return
		}
		if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Println("write:", err)
		}
	}

	// The token on the upgrade request already authenticated the connection.
	if !current.Zero() {
		send(model.EventJoinRoom, model.RoomPayload{ConversationID: current})
	}

	done := make(chan struct{})

	// 3. Start goroutine to read events
	go func() {
		defer close(done)
		for {
			_, frame, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			fmt.Printf("\r%s\n> ", render(frame, *userID))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read commands from stdin
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			cmd, arg := parseLine(scanner.Text())
			switch cmd {
			case "":
			case "/quit":
				interrupt <- os.Interrupt
				return
			case "/join":
				id, err := snowflake.ParseID(arg)
				if err != nil {
					fmt.Println("usage: /join <conversation id>")
					break
				}
				current = id
				send(model.EventJoinRoom, model.RoomPayload{ConversationID: id})
			case "/leave":
				send(model.EventLeaveRoom, model.RoomPayload{ConversationID: current})
			case "/typing":
				send(model.EventTyping, model.RoomPayload{ConversationID: current})
			case "/stop":
				send(model.EventStopTyping, model.RoomPayload{ConversationID: current})
			case "/read":
				id, err := snowflake.ParseID(arg)
				if err != nil {
					fmt.Println("usage: /read <message id>")
					break
				}
				send(model.EventMarkAsRead, model.MarkAsReadPayload{ConversationID: current, MessageID: id})
			default:
				if current.Zero() {
					fmt.Println("join a chat first: /join <conversation id>")
					break
				}
				send(model.EventSendMessage, model.SendMessagePayload{ConversationID: current, Content: arg})
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}

// parseLine splits a slash command from its argument. Plain text comes back
// as command "text" with the whole line as the argument.
func parseLine(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "text", line
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return cmd, strings.TrimSpace(arg)
}

func render(frame []byte, self string) string {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Sprintf("raw: %s", frame)
	}
	switch env.Event {
	case model.EventNewMessage:
		var m model.Message
		if json.Unmarshal(env.Data, &m) == nil {
			name := m.SenderID
			if m.Sender != nil && m.Sender.DisplayName != "" {
				name = m.Sender.DisplayName
			}
			return fmt.Sprintf("[%s] %s: %s", m.ID, name, m.Content)
		}
	case model.EventUserTyping:
		var p model.UserTypingPayload
		if json.Unmarshal(env.Data, &p) == nil && p.UserID != self {
			if p.IsTyping {
				return fmt.Sprintf("%s is typing...", p.UserID)
			}
			return fmt.Sprintf("%s stopped typing", p.UserID)
		}
	case model.EventMessageRead:
		var p model.MessageReadPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("%s read %s", p.UserID, p.MessageID)
		}
	case model.EventUserOnline, model.EventUserOffline:
		var p model.PresencePayload
		if json.Unmarshal(env.Data, &p) == nil {
			state := "online"
			if env.Event == model.EventUserOffline {
				state = "offline"
			}
			return fmt.Sprintf("%s is %s", p.UserID, state)
		}
	case model.EventAuthError, model.EventMessageError, model.EventError:
		var p model.ErrorPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("error (%s): %s", env.Event, p.Reason)
		}
	}
	return fmt.Sprintf("%s %s", env.Event, env.Data)
}
