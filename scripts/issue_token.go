//go:build ignore

// Mints a session token for capture clients or viewers.
//
//	go run scripts/issue_token.go -session s1 -role capture
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/johnquangdev/meeting-session/pkg/config"
	"github.com/johnquangdev/meeting-session/pkg/jwt"
)

func main() {
	sessionID := flag.String("session", jwt.AnySession, "session id, or * for every session")
	role := flag.String("role", jwt.RoleCapture, "capture or viewer")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	manager := jwt.NewManager(cfg.Auth.Secret, cfg.Auth.TTL, cfg.Auth.Issuer)
	token, err := manager.GenerateToken(*sessionID, *role)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	log.Printf("🔑 %s token for session %q, valid %s", *role, *sessionID, manager.GetExpiry())
	fmt.Println(token)
}
