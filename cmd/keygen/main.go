package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/legisdraft/internal/auth"
)

func main() {
	var apiKey string
	switch len(os.Args) {
	case 1:
		apiKey = "ld_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	case 2:
		apiKey = os.Args[1]
	default:
		fmt.Println("Usage: keygen [api-key]")
		fmt.Println("Hashes the provided key (or a newly generated one) for use in config.yaml")
		os.Exit(1)
	}

	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("auth:\n")
	fmt.Printf("  api_keys:\n")
	fmt.Printf("    - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("      caller: \"\"\n")
	fmt.Printf("      description: \"Generated key\"\n")
}
