// Command hashpass prints an Argon2id hash for OPERATOR_PASSWORD_HASH or
// BIDDER_PASSWORD_HASH.
//
//	go run ./cmd/hashpass <password>
package main

import (
	"fmt"
	"os"

	"github.com/aaronwang/live-auction/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hashpass <password>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(os.Args[1], auth.DefaultParams)
	if err != nil {
		fmt.Printf("Failed to hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
