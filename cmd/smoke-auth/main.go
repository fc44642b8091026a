package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"zamok.org/internal/client"
)

// End-to-end smoke pass against a running instance: login, me, refresh
// rotation, replay rejection, logout, revoked-token rejection.
func main() {
	baseURL := os.Getenv("ZAMOK_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	login := os.Getenv("ZAMOK_SMOKE_LOGIN")
	password := os.Getenv("ZAMOK_SMOKE_PASSWORD")
	if login == "" || password == "" {
		log.Fatal("ZAMOK_SMOKE_LOGIN and ZAMOK_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := client.New(baseURL)
	if err := c.Healthz(ctx); err != nil {
		log.Fatalf("healthz at %s: %v", baseURL, err)
	}

	session, err := c.Login(ctx, login, password)
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	me, err := c.Me(ctx)
	if err != nil {
		log.Fatalf("me: %v", err)
	}
	if me.Email == "" {
		log.Fatal("me returned empty identity")
	}

	rotated, err := c.Refresh(ctx, session.RefreshToken)
	if err != nil {
		log.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		log.Fatal("refresh token was not rotated")
	}

	// The consumed token must be unusable.
	if _, err := c.Refresh(ctx, session.RefreshToken); !isStatus(err, 401) {
		log.Fatalf("expected 401 on refresh replay, got %v", err)
	}
	c.SetToken(rotated.AccessToken)

	if err := c.Logout(ctx, rotated.RefreshToken); err != nil {
		log.Fatalf("logout: %v", err)
	}

	// The blacklisted access token must be rejected.
	c.SetToken(rotated.AccessToken)
	if _, err := c.Me(ctx); !isStatus(err, 401) {
		log.Fatalf("expected 401 with revoked token, got %v", err)
	}

	fmt.Printf("✅ auth smoke test passed: user=%s\n", me.Email)
}

func isStatus(err error, status int) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
