// Package main is an offline helper for API key and password material. It
// generates keys with their stored digest and preview, digests an existing
// key for lookup by hand, and produces bcrypt password hashes. Useful when
// seeding or inspecting a local database without running the server.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/api-manager/api-manager/internal/auth"
)

const usage = `usage:
  keytool generate [-length N] [-email user@example.com]
  keytool digest <api-key>
  keytool hash-password [-cost N] <password>`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}

	switch args[0] {
	case "generate":
		fs := flag.NewFlagSet("generate", flag.ContinueOnError)
		length := fs.Int("length", auth.DefaultAPIKeyLength, "key length in characters")
		email := fs.String("email", "", "owner email for the generated INSERT statement")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return generate(out, *length, *email)
	case "digest":
		if len(args) != 2 {
			return fmt.Errorf("digest takes exactly one key\n%s", usage)
		}
		fmt.Fprintln(out, auth.HashAPIKey(args[1]))
		return nil
	case "hash-password":
		fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
		cost := fs.Int("cost", 0, "bcrypt cost (0 selects the library default)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("hash-password takes exactly one password\n%s", usage)
		}
		hash, err := auth.HashPassword(fs.Arg(0), *cost)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage)
	}
}

func generate(out io.Writer, length int, email string) error {
	rawKey, digest, preview, err := auth.NewAPIKey(length)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Key:     %s\n", rawKey)
	fmt.Fprintf(out, "Digest:  %s\n", digest)
	fmt.Fprintf(out, "Preview: %s\n", preview)
	if email != "" {
		fmt.Fprintf(out, `
INSERT INTO api_keys (id, user_id, key_hash, key_preview, name, status)
SELECT gen_random_uuid(), id, '%s', '%s', 'keytool', 'active'
FROM users WHERE email = '%s';
`, digest, preview, email)
	}
	return nil
}
