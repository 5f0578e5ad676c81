// Command relay-token mints a token for a relay client when JWT_SECRET is
// set on the server.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/lukasbauer/voicerelay/internal/httpapi"
)

func main() {
	envFile := pflag.String("env", ".env", "path to an optional .env file")
	subject := pflag.StringP("subject", "s", "", "token subject, e.g. a kiosk or user id")
	ttl := pflag.Duration("ttl", 24*time.Hour, "token lifetime")
	pflag.Parse()

	logger := log.New(os.Stderr, "", 0)

	if *subject == "" {
		logger.Fatal("--subject is required")
	}
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Printf("load %s: %v", *envFile, err)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET is not set")
	}

	token, expiresAt, err := httpapi.IssueToken(secret, *subject, *ttl)
	if err != nil {
		logger.Fatalf("issue token: %v", err)
	}

	fmt.Println(token)
	logger.Printf("expires %s", expiresAt.Format(time.RFC3339))
}
