package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"orbitgate/pkg/auth"
	"orbitgate/pkg/models"
	"orbitgate/pkg/pipeline"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign-request":
		return signRequest(args[1:], out)
	case "sign-intent":
		return signIntent(args[1:], out)
	case "verify":
		return verify(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "orbitctl commands:")
	fmt.Fprintln(out, "  gen-key --out secret.key --bytes 32")
	fmt.Fprintln(out, "  sign-request --secret secret.key --identity <id> --function <fn> [--timestamp RFC3339]")
	fmt.Fprintln(out, "  sign-intent --secret secret.key --intent intent.json")
	fmt.Fprintln(out, "  verify --request request.json --secret secret.key --role user")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPath := fs.String("out", "secret.key", "secret key output")
	size := fs.Int("bytes", 32, "secret length in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *size < 16 {
		return fmt.Errorf("secret must be at least 16 bytes, got %d", *size)
	}
	secret := make([]byte, *size)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(*outPath, []byte(base64.StdEncoding.EncodeToString(secret)), 0o600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func readSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return secret, nil
}

func signRequest(args []string, out io.Writer) error {
	fs := newFlagSet("sign-request")
	secretPath := fs.String("secret", "", "base64 secret key path")
	identity := fs.String("identity", "", "registered identity")
	function := fs.String("function", "", "target function")
	timestamp := fs.String("timestamp", "", "request timestamp, RFC3339")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secretPath == "" || *identity == "" || *function == "" {
		return errors.New("secret, identity, function required")
	}
	ts := time.Now().UTC()
	if *timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, *timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed
	}
	secret, err := readSecret(*secretPath)
	if err != nil {
		return err
	}
	msg := models.CanonicalAuthMessage(*identity, *function, ts.UTC().Unix())
	fmt.Fprintln(out, auth.HMACScheme{}.Sign(secret, msg))
	return nil
}

func signIntent(args []string, out io.Writer) error {
	fs := newFlagSet("sign-intent")
	secretPath := fs.String("secret", "", "base64 secret key path")
	intentPath := fs.String("intent", "", "intent json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secretPath == "" || *intentPath == "" {
		return errors.New("secret and intent required")
	}
	raw, err := os.ReadFile(*intentPath)
	if err != nil {
		return fmt.Errorf("read intent: %w", err)
	}
	var it models.ExecutionIntent
	if err := json.Unmarshal(raw, &it); err != nil {
		return fmt.Errorf("decode intent: %w", err)
	}
	secret, err := readSecret(*secretPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, auth.HMACScheme{}.Sign(secret, models.CanonicalIntentMessage(it)))
	return nil
}

// verify runs the full pipeline locally against one request file and
// prints the verdict. Useful for dry-running policy changes.
func verify(args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	requestPath := fs.String("request", "", "execution request json path")
	secretPath := fs.String("secret", "", "base64 secret key path")
	role := fs.String("role", models.RoleUser, "role to register the identity under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestPath == "" || *secretPath == "" {
		return errors.New("request and secret required")
	}
	raw, err := os.ReadFile(*requestPath)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	var req models.ExecutionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	secret, err := readSecret(*secretPath)
	if err != nil {
		return err
	}

	o, err := pipeline.New(pipeline.Config{})
	if err != nil {
		return fmt.Errorf("construct pipeline: %w", err)
	}
	if err := o.RegisterUser(req.Identity, req.Principal, *role, secret); err != nil {
		return fmt.Errorf("register identity: %w", err)
	}

	verdict := o.VerifyExecutionRequest(context.Background(), req)
	encoded, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}
