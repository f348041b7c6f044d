package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"blockmusic/cmd/internal/passphrase"
	"blockmusic/crypto"
	"blockmusic/rpc"
)

const (
	defaultEndpoint = "http://127.0.0.1:8545"
	signerPassEnv   = "LEDGERCTL_KEYSTORE_PASSPHRASE"
)

// ledgerCaller is the subset of rpc.Client the commands use.
type ledgerCaller interface {
	Call(ctx context.Context, method string, params interface{}, out interface{}) error
	CallSigned(ctx context.Context, method string, payload interface{}, out interface{}) error
}

type globalOptions struct {
	endpoint string
	token    string
	key      string
	keystore string
	timeout  time.Duration
}

var dialLedger = func(opts globalOptions) (ledgerCaller, error) {
	clientOpts := []rpc.ClientOption{rpc.WithAuthToken(opts.token)}
	if strings.TrimSpace(opts.key) != "" || strings.TrimSpace(opts.keystore) != "" {
		pass := ""
		if strings.TrimSpace(opts.keystore) != "" {
			var err error
			pass, err = passphrase.NewSource(signerPassEnv, "signer keystore").Get()
			if err != nil {
				return nil, err
			}
		}
		signer, err := crypto.LoadSigner(opts.key, opts.keystore, pass)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, rpc.WithSigner(signer))
	}
	return rpc.NewClient(opts.endpoint, clientOpts...), nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := globalOptions{}
	fs.StringVar(&opts.endpoint, "rpc", envOr("LEDGER_RPC_URL", defaultEndpoint), "ledger JSON-RPC endpoint")
	fs.StringVar(&opts.token, "token", os.Getenv("LEDGER_RPC_TOKEN"), "bearer token for the ledger RPC")
	fs.StringVar(&opts.key, "key", os.Getenv("LEDGERCTL_KEY"), "hex private key used to sign calls")
	fs.StringVar(&opts.keystore, "keystore", "", "keystore file used to sign calls (passphrase from "+signerPassEnv+")")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call timeout")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	name := rest[0]
	if name == "keygen" {
		return runKeygen(rest[1:], stdout, stderr)
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", name)
		fmt.Fprintln(stderr, usage())
		return 1
	}

	cmdFlags := flag.NewFlagSet("ledgerctl "+name, flag.ContinueOnError)
	cmdFlags.SetOutput(stderr)
	build := cmd.flags(cmdFlags)
	if err := cmdFlags.Parse(rest[1:]); err != nil {
		return 1
	}
	if cmdFlags.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	method, params, err := build()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	caller, err := dialLedger(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	var result json.RawMessage
	if cmd.signed {
		err = caller.CallSigned(ctx, method, params, &result)
	} else {
		err = caller.Call(ctx, method, params, &result)
	}
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			fmt.Fprintf(stderr, "Error: %s (code %d)\n", rpcErr.Message, rpcErr.Code)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return printResult(stdout, result)
}

func printResult(stdout io.Writer, result json.RawMessage) int {
	if len(result) == 0 {
		fmt.Fprintln(stdout, "ok")
		return 0
	}
	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(pretty)
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledgerctl keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "write the key to this keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		fmt.Fprintf(stdout, "address: %s\nprivate key: %x\n", key.Address().Hex(), key.Bytes())
		return 0
	}
	pass, err := passphrase.NewSource(signerPassEnv, "signer keystore").Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", key.Address().Hex(), *out)
	return 0
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func usage() string {
	return strings.TrimSpace(`
Usage: ledgerctl [--rpc URL] [--token TOKEN] [--key HEX | --keystore FILE] <command> [flags]

Signed commands:
  register-track   --track ID --artist ADDR
  increment        --track ID --delta N
  receive-revenue  [--native AMOUNT] [--stable AMOUNT]
  claim            [--asset native|stable|all]
  set              --field platform-wallet|music-nft|stable-token|aggregator|owner --address ADDR

Queries:
  claimable        --artist ADDR [--asset native|stable]
  summary          --artist ADDR
  pool             [--asset native|stable]
  track            --track ID
  sequence         --track ID
  total-plays
  config
  balance          --address ADDR [--asset native|stable]
  nonce            --address ADDR

Keys:
  keygen           [--out FILE]
`)
}
