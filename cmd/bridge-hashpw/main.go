package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	fmt.Println("docflow-scanner-bridge password hash generator")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Print("Enter password: ")

	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}

	if len(password) == 0 {
		fmt.Fprintf(os.Stderr, "Error: password cannot be empty\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Generated bcrypt hash:")
	fmt.Println(string(hash))
	fmt.Println()
	fmt.Println("Add this to your config.yml:")
	fmt.Println()
	fmt.Println("control_api:")
	fmt.Println("  basic_auth:")
	fmt.Println("    enabled: true")
	fmt.Println("    username: your_username")
	fmt.Printf("    password_hash: \"%s\"\n", string(hash))
	fmt.Println()
	fmt.Println("Note: do not set both 'password' and 'password_hash' — use only 'password_hash' in production.")
}
