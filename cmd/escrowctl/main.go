package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"jobescrow/cmd/internal/passphrase"
	"jobescrow/config"
	"jobescrow/core/state"
	"jobescrow/crypto"
	"jobescrow/native/bank"
	"jobescrow/services/escrowd/journal"
	"jobescrow/services/escrowd/server"
	"jobescrow/storage"
)

const defaultConfig = "./escrowd.toml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "identity":
		err = runIdentity(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "credit":
		err = runCredit(os.Args[2:])
	case "balance":
		err = runBalance(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: escrowctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen   generate an encrypted key file and print its identity")
	fmt.Fprintln(os.Stderr, "  identity print the identity controlled by a key file")
	fmt.Fprintln(os.Stderr, "  token    issue a bearer token for a caller identity")
	fmt.Fprintln(os.Stderr, "  export   write journaled events to a Parquet file")
	fmt.Fprintln(os.Stderr, "  credit   fund an identity balance in the record store")
	fmt.Fprintln(os.Stderr, "  balance  print the balance of an identity or job custody")
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "", "Output path for the key file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the key file passphrase")
	force := fs.Bool("force", false, "Overwrite an existing key file")
	fs.Parse(args)

	if strings.TrimSpace(*out) == "" {
		return fmt.Errorf("--out is required")
	}
	pass, err := passphrase.NewSource(*passEnv, "key file").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	id, err := crypto.WriteKeyFile(*out, key, pass, *force)
	if err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	fmt.Println(id.String())
	return nil
}

func runIdentity(args []string) error {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	keyPath := fs.String("key", "", "Path to the key file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the key file passphrase")
	fs.Parse(args)

	if strings.TrimSpace(*keyPath) == "" {
		return fmt.Errorf("--key is required")
	}
	pass, err := passphrase.NewSource(*passEnv, "key file").Get()
	if err != nil {
		return err
	}
	key, err := crypto.ReadKeyFile(*keyPath, pass)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	id := key.PubKey().Identity()
	fmt.Printf("%s %s\n", id.String(), id.Hex())
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the escrowd configuration file")
	subject := fs.String("caller", "", "Caller identity (bech32 or hex)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	caller, err := crypto.ParseIdentity(*subject)
	if err != nil {
		return fmt.Errorf("--caller: %w", err)
	}
	token, err := server.IssueToken(cfg.Auth.HMACSecret, caller, cfg.Auth.Issuer, cfg.Auth.Audience, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the escrowd configuration file")
	out := fs.String("out", "escrow-events.parquet", "Output Parquet file")
	since := fs.Duration("since", 0, "Only export events newer than this age (0 exports everything)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	db, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	j, err := journal.New(db, nil)
	if err != nil {
		return err
	}
	var from time.Time
	if *since > 0 {
		from = time.Now().Add(-*since)
	}
	written, err := j.ExportParquet(context.Background(), *out, from)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d events to %s\n", written, *out)
	return nil
}

func openManager(configPath string) (*state.Manager, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open record store: %w", err)
	}
	manager := state.NewManager(db)
	if err := manager.EnsureStateVersion(cfg.Storage.AllowMigrate); err != nil {
		db.Close()
		return nil, nil, err
	}
	return manager, db.Close, nil
}

func runCredit(args []string) error {
	fs := flag.NewFlagSet("credit", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the escrowd configuration file")
	target := fs.String("to", "", "Identity to credit (bech32 or hex)")
	amount := fs.Uint64("amount", 0, "Amount to credit")
	fs.Parse(args)

	id, err := crypto.ParseIdentity(*target)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if *amount == 0 {
		return fmt.Errorf("--amount must be positive")
	}
	manager, closeFn, err := openManager(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	bal, err := manager.Credit(bank.IdentityAccount(id), *amount)
	if err != nil {
		return err
	}
	fmt.Printf("%s balance %s\n", id.String(), bal.Dec())
	return nil
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the escrowd configuration file")
	target := fs.String("of", "", "Identity (bech32 or hex), id:<hex> or custody:<jobID>")
	fs.Parse(args)

	account, err := bank.ParseAccount(*target)
	if err != nil {
		return err
	}
	manager, closeFn, err := openManager(*configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	bal, err := manager.Balance(account)
	if err != nil {
		return err
	}
	fmt.Println(bal.Dec())
	return nil
}
