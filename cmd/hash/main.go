// Package main is a utility for generating bcrypt hashes of organization
// admin passwords. The registry stores only bcrypt hashes, never the raw
// password, so this tool is used when manually seeding or repairing an
// organization record without running the full server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/org-partitions/org-service/internal/auth"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	verify := flag.String("verify", "", "check the password against this hash instead of hashing it")
	flag.Parse()

	password := flag.Arg(0)
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			log.Fatalf("usage: hash [-cost N] [-verify HASH] <password> (or pass it on stdin)")
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hasher := auth.NewBcryptHasher(*cost)
	if *verify != "" {
		if !hasher.Verify(*verify, password) {
			fmt.Println("mismatch")
			os.Exit(1)
		}
		fmt.Println("match")
		return
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	fmt.Println(hash)
}
