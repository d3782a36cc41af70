// Command simserver impersonates a game server against a running gateway.
// It connects over WebSocket, answers status and command requests with
// canned data and emits periodic chat traffic, which makes it useful for
// exercising the full pipeline without a real game server.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craftbridge/craftbridge/internal/protocol"
)

func main() {
	var (
		gatewayURL = flag.String("gateway", "ws://localhost:8080/v1/ws", "gateway WebSocket endpoint")
		serverID   = flag.String("server", "Survival", "server id to impersonate")
		token      = flag.String("token", "", "shared secret for the server id")
		chatEvery  = flag.Duration("chat-every", 30*time.Second, "interval between simulated chat messages (0 = off)")
	)
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	u, err := url.Parse(*gatewayURL)
	if err != nil {
		log.Fatalf("parse gateway url: %v", err)
	}
	q := u.Query()
	q.Set("serverId", *serverID)
	q.Set("token", *token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()
	log.Printf("connected to %s as %s", *gatewayURL, *serverID)

	write := make(chan protocol.Message, 16)
	go writer(conn, write)

	if *chatEvery > 0 {
		go chatter(*serverID, *chatEvery, write)
	}

	done := make(chan struct{})
	go reader(conn, *serverID, write, done)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Println("shutting down")
	case <-done:
		log.Println("gateway closed the connection")
	}
}

func writer(conn *websocket.Conn, write <-chan protocol.Message) {
	for msg := range write {
		data, err := protocol.Encode(msg)
		if err != nil {
			log.Printf("encode %s: %v", msg.Type, err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("write %s: %v", msg.Type, err)
			return
		}
	}
}

func chatter(serverID string, every time.Duration, write chan<- protocol.Message) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	n := 0
	for range ticker.C {
		n++
		msg, err := protocol.New(protocol.TypeChat, serverID, protocol.ChatPayload{
			Content: fmt.Sprintf("simulated chat message %d", n),
			Sender:  "simserver",
		})
		if err == nil {
			write <- msg
		}
	}
}

func reader(conn *websocket.Conn, serverID string, write chan<- protocol.Message, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("read: %v", err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("decode: %v", err)
			continue
		}
		if reply := answer(serverID, msg); reply != nil {
			write <- *reply
		}
	}
}

// answer builds the canned response for one gateway message.
func answer(serverID string, msg protocol.Message) *protocol.Message {
	switch msg.Type {
	case protocol.TypeConnectionAck:
		log.Printf("gateway acknowledged connection")
		return nil

	case protocol.TypePing:
		reply, err := protocol.NewReply(protocol.TypePong, msg, nil)
		if err != nil {
			return nil
		}
		return &reply

	case protocol.TypeStatusRequest:
		decoded, err := protocol.DecodePayload(msg)
		if err != nil {
			log.Printf("bad status request: %v", err)
			return nil
		}
		scope := decoded.(*protocol.StatusRequestPayload).Scope
		payload := protocol.StatusResponsePayload{Scope: scope}
		if scope == protocol.ScopePlayers {
			payload.Players = &protocol.PlayerList{
				Online: 2,
				Max:    20,
				Players: []protocol.PlayerInfo{
					{Name: "alice", World: "world", Level: 30},
					{Name: "bob", World: "world_nether", Level: 12},
				},
			}
		} else {
			payload.Status = &protocol.StatusSnapshot{
				Online:        true,
				Version:       "1.20.4",
				OnlinePlayers: 2,
				MaxPlayers:    20,
				TPS:           []float64{20.0, 19.8, 19.9},
				Memory:        &protocol.MemoryUsage{UsedMB: 2048, MaxMB: 4096},
			}
		}
		reply, err := protocol.NewReply(protocol.TypeStatusResponse, msg, payload)
		if err != nil {
			return nil
		}
		return &reply

	case protocol.TypeCommand:
		decoded, err := protocol.DecodePayload(msg)
		if err != nil {
			log.Printf("bad command: %v", err)
			return nil
		}
		command := decoded.(*protocol.CommandPayload).Command
		log.Printf("executing console command: %s", command)
		reply, err := protocol.NewReply(protocol.TypeCommandResult, msg, protocol.CommandResultPayload{
			Command: command,
			Output:  "ok: " + command,
			Success: true,
		})
		if err != nil {
			return nil
		}
		return &reply

	case protocol.TypeBindConfirm:
		decoded, err := protocol.DecodePayload(msg)
		if err != nil {
			log.Printf("bad bind confirm: %v", err)
			return nil
		}
		code := decoded.(*protocol.BindConfirmPayload).Code
		log.Printf("accepting binding code %s", code)
		reply, err := protocol.NewReply(protocol.TypeBindResult, msg, protocol.BindResultPayload{
			Code:    code,
			Success: true,
		})
		if err != nil {
			return nil
		}
		return &reply

	case protocol.TypeChat:
		decoded, err := protocol.DecodePayload(msg)
		if err != nil {
			return nil
		}
		log.Printf("chat from gateway: %s", decoded.(*protocol.ChatPayload).Content)
		return nil

	default:
		log.Printf("ignoring %s", msg.Type)
		return nil
	}
}
