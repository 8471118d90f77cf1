// boardctl is the operator CLI: it seeds usernames into the identity store
// and mints bcrypt hashes for the recovery answers.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"board/internal/auth"
	"board/internal/config"
	"board/internal/database"
	"board/internal/storage"
	"board/internal/storage/postgres"
)

func main() {
	if os.Getenv("ENV") != "production" {
		_ = config.LoadDotEnvIfPresent(".env")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "user":
		if len(os.Args) < 4 || os.Args[2] != "create" {
			usage()
			os.Exit(2)
		}
		createUser(os.Args[3])
	case "hash-answer":
		hashAnswer()
	default:
		usage()
		os.Exit(2)
	}
}

func createUser(username string) {
	username = strings.TrimSpace(username)
	if username == "" {
		fmt.Fprintln(os.Stderr, "username must not be empty")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	dbURL, err := cfg.PostgresURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "db url error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := database.OpenPostgres(ctx, dbURL, cfg.DBMaxConns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db connection error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	store := postgres.New(conn.DB())
	created, err := store.Create(ctx, storage.User{Username: username})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create user: %v\n", err)
		os.Exit(1)
	}
	if !created {
		fmt.Fprintln(os.Stderr, "user already exists")
		os.Exit(1)
	}
	fmt.Println("created")
}

// hashAnswer prompts for a recovery answer without echo and prints its
// bcrypt hash, ready for RECOVERY_ANSWER_HASHES.
func hashAnswer() {
	fmt.Fprint(os.Stderr, "answer: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read answer: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(string(raw)) == "" {
		fmt.Fprintln(os.Stderr, "answer must not be empty")
		os.Exit(1)
	}

	hash, err := auth.HashAnswer(string(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash answer: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  boardctl user create <username>
  boardctl hash-answer`)
}
