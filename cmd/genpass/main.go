// genpass generates a random secret plus the hash/salt pair to put in
// the config file, for the HTTP API token or the embedded broker
// password.
package main

import (
	"flag"
	"fmt"

	"github.com/LitBomb/meshcore-ha/pkg/auth"
)

func main() {
	length := flag.Int("length", 16, "Length of the secret in bytes (will be hex encoded, so output is 2x this)")
	flag.Parse()

	secret, err := auth.RandomHex(*length)
	if err != nil {
		fmt.Printf("Error generating secret: %v\n", err)
		return
	}

	hash, salt := auth.GenerateHashAndSalt(secret)

	fmt.Printf("Secret: %s\n", secret)
	fmt.Printf("Salt:   %s\n", salt)
	fmt.Printf("Hash:   %s\n", hash)
}
