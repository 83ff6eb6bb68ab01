package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xhad/thrive/pkg/assembler"
	"github.com/xhad/thrive/pkg/llm"
	"github.com/xhad/thrive/pkg/retriever"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type Config struct {
	Port      string
	TopK      int
	Streaming bool
}

// WSServer answers questions over a WebSocket, streaming completion
// chunks as they arrive and finishing each answer with its sources.
type WSServer struct {
	config     Config
	retriever  *retriever.Retriever
	assembler  *assembler.Assembler
	chatEngine *llm.ChatEngine
}

func NewWSServer(config Config, rt *retriever.Retriever, asm *assembler.Assembler, ce *llm.ChatEngine) *WSServer {
	if config.Port == "" {
		config.Port = "8080"
	}
	return &WSServer{
		config:     config,
		retriever:  rt,
		assembler:  asm,
		chatEngine: ce,
	}
}

// ListenAndServe blocks serving /ws and /health until the listener fails.
func (s *WSServer) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := ":" + s.config.Port
	log.Printf("Starting WebSocket server on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Error reading message: %v", err)
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling message: %v", err)
			continue
		}

		s.handleMessage(r.Context(), conn, msg)
	}
}

func (s *WSServer) handleMessage(ctx context.Context, conn *websocket.Conn, msg Message) {
	question := strings.TrimSpace(msg.Content)
	if question == "" {
		return
	}

	results, err := s.retriever.Retrieve(ctx, question, s.config.TopK, nil)
	if err != nil {
		s.sendMessage(conn, "error", fmt.Sprintf("Retrieval failed: %v", err))
		return
	}

	block, err := s.assembler.Assemble(results, 0)
	if err != nil && err != assembler.ErrInsufficientBudget {
		s.sendMessage(conn, "error", fmt.Sprintf("Context assembly failed: %v", err))
		return
	}

	if s.config.Streaming {
		stream, err := s.chatEngine.AnswerStream(ctx, question, block)
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Error: %v", err))
			return
		}
		for chunk := range stream {
			if chunk.Err != nil {
				s.sendMessage(conn, "error", fmt.Sprintf("Error: %v", chunk.Err))
				return
			}
			s.sendMessage(conn, "stream", chunk.Content)
		}
	} else {
		answer, err := s.chatEngine.Answer(ctx, question, block)
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Error: %v", err))
			return
		}
		s.sendMessage(conn, "response", answer)
	}

	if sources := llm.FormatSources(block); sources != "" {
		s.sendMessage(conn, "sources", sources)
	}
}

func (s *WSServer) sendMessage(conn *websocket.Conn, msgType string, content string) {
	msg := Message{
		Type:    msgType,
		Content: content,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}
