package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmbench/llmbench/test/mockllm"
)

func main() {
	addr := flag.String("addr", ":8000", "Server address")
	firstToken := flag.Duration("first-token-delay", 50*time.Millisecond, "Delay before the first content frame")
	tokenDelay := flag.Duration("token-delay", 10*time.Millisecond, "Delay between content frames")
	serverTiming := flag.Bool("server-timing", false, "Report server_ttft and server_e2e_latency in a usage frame")
	flag.Parse()

	state := mockllm.NewState()
	state.SetBehavior(mockllm.Behavior{
		FirstTokenDelay: *firstToken,
		TokenDelay:      *tokenDelay,
		ServerTiming:    *serverTiming,
	})
	server := mockllm.NewServer(state)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down mock inference server...")
		os.Exit(0)
	}()

	log.Printf("Starting mock inference server on %s", *addr)
	if err := server.Run(*addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
