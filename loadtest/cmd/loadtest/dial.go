package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chat-matcher/internal/auth"
	"github.com/whisper/chat-matcher/loadtest/client"
)

// tokenSource signs gateway tokens for synthetic users.
type tokenSource struct {
	secret []byte
}

func newTokenSource(secret string) tokenSource {
	if secret == "" {
		log.Fatal("a JWT secret is required (-secret or JWT_SECRET)")
	}
	return tokenSource{secret: []byte(secret)}
}

func (ts tokenSource) token(userID string) (string, error) {
	return auth.IssueToken(ts.secret, userID, time.Hour)
}

// dial connects userID and waits for the connected greeting.
func dial(ctx context.Context, url, userID string, ts tokenSource) (*client.Client, error) {
	token, err := ts.token(userID)
	if err != nil {
		return nil, fmt.Errorf("token for %s: %w", userID, err)
	}
	c, err := client.New(ctx, url, userID, token)
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("greeting for %s: %w", userID, err)
	}
	return c, nil
}
