// Command hash-viewer-key prints the viewer_key_hash value for a stream's
// viewer key, or checks a key against an existing hash.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bitriver-relay/internal/auth"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash-viewer-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	key := fs.String("key", "", "viewer key to hash; read from stdin when empty")
	verify := fs.String("verify", "", "existing hash to check the key against instead of hashing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	value := *key
	if value == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(stderr, "read key: %v\n", err)
			return 1
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		fmt.Fprintln(stderr, "a viewer key is required (--key or stdin)")
		return 1
	}

	if hash := strings.TrimSpace(*verify); hash != "" {
		if err := auth.VerifyViewerKey(hash, value); err != nil {
			fmt.Fprintf(stderr, "key does not match: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "ok")
		return 0
	}

	hash, err := auth.HashViewerKey(value)
	if err != nil {
		fmt.Fprintf(stderr, "hash viewer key: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}
