package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"zamok.org/internal/client"
	"zamok.org/internal/sim"
)

// authsim replays a credential-stuffing scenario against a live instance
// and reports how much of the traffic the service blocked. Point it at a
// throwaway environment; the target accounts will end up locked.
func main() {
	log.SetFlags(0)
	var (
		baseURL  = flag.String("addr", "http://localhost:8080", "Base URL of the instance")
		attempts = flag.Int("n", 100, "Number of login attempts")
		seed     = flag.Int64("seed", 0, "Random seed (0 = wall clock)")
		delay    = flag.Duration("delay", 50*time.Millisecond, "Pause between attempts")
		seedAs   = flag.String("admin", "", "Admin login for seeding scenario accounts")
		seedPass = flag.String("admin-password", "", "Admin password for seeding")
	)
	flag.Parse()

	ctx := context.Background()
	gen := sim.NewGenerator(*seed)

	if *seedAs != "" {
		if err := seedAccounts(ctx, *baseURL, *seedAs, *seedPass, gen.Accounts()); err != nil {
			log.Fatalf("seed accounts: %v", err)
		}
	}

	c := client.New(*baseURL)
	var counter sim.Counter

	for i := 0; i < *attempts; i++ {
		attempt := gen.NextAttempt()
		_, err := c.Login(ctx, attempt.Login, attempt.Password)
		counter.Add(classify(err))
		c.SetToken("")
		time.Sleep(*delay)
	}

	fmt.Printf("scenario:     %s\n", "CredentialStuffing")
	fmt.Printf("attempts:     %d\n", counter.Attempts)
	fmt.Printf("successes:    %d\n", counter.Successes)
	fmt.Printf("denied:       %d\n", counter.Denied)
	fmt.Printf("locked:       %d\n", counter.Locked)
	fmt.Printf("rate-limited: %d\n", counter.RateLimited)
	fmt.Printf("errors:       %d\n", counter.Errors)
	fmt.Printf("blocked:      %.0f%%\n", counter.BlockedShare()*100)
}

func classify(err error) sim.Outcome {
	if err == nil {
		return sim.OutcomeSuccess
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return sim.OutcomeError
	}
	switch apiErr.Status {
	case 401:
		return sim.OutcomeDenied
	case 423:
		return sim.OutcomeLocked
	case 429:
		return sim.OutcomeRateLimited
	default:
		return sim.OutcomeError
	}
}

// seedAccounts creates the scenario's identities so failed logins hit real
// accounts. Existing accounts are fine; the run reuses them.
func seedAccounts(ctx context.Context, baseURL, adminLogin, adminPassword string, creds []sim.Credential) error {
	admin := client.New(baseURL)
	if _, err := admin.Login(ctx, adminLogin, adminPassword); err != nil {
		return err
	}
	for _, cred := range creds {
		_, err := admin.CreateUser(ctx, client.CreateUserInput{
			Email:    cred.Login,
			Password: cred.Password,
			Roles:    []string{"ROLE_USER"},
		})
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 409 {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
