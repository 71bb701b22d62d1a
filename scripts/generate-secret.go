//go:build ignore

// Package main is a development utility for generating a token signing secret.
// It prints a random 48-byte base64url value and the export line for
// ORGSVC_JWT_SECRET so developers can start the server outside dev mode
// without inventing a secret by hand. Run it with `go run scripts/generate-secret.go`.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func main() {
	randomBytes := make([]byte, 48)
	if _, err := rand.Read(randomBytes); err != nil {
		log.Fatal(err)
	}
	secret := base64.RawURLEncoding.EncodeToString(randomBytes)

	fmt.Println("Secret:", secret)
	fmt.Println()
	fmt.Printf("export ORGSVC_JWT_SECRET=%s\n", secret)
}
