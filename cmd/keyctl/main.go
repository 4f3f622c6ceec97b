// Command keyctl inspects and rotates the signing keys in a key directory.
// A running server picks up an offline rotation on SIGHUP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"aegis.org/internal/keys"
	"aegis.org/internal/obs"
)

func main() {
	var (
		dir   = flag.String("dir", envOr("AEGIS_KEY_DIR", "var/keys"), "Key directory")
		grace = flag.Duration("grace", 30*time.Minute, "Verification grace period for retired keys")
		bits  = flag.Int("bits", 2048, "RSA key size for new keys")
	)
	flag.Parse()

	logger, err := obs.NewLogger("development", os.Getenv("AEGIS_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if flag.NArg() == 0 {
		logger.Fatal("usage: keyctl [status|rotate|revoke <kid>|jwks]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := keys.NewFileStore(*dir)
	if err != nil {
		logger.Fatal("open key directory", zap.Error(err))
	}
	custodian, err := keys.New(keys.WithStore(store), keys.WithGrace(*grace), keys.WithKeyBits(*bits))
	if err != nil {
		logger.Fatal("configure custodian", zap.Error(err))
	}
	if err := custodian.Init(ctx); err != nil {
		logger.Fatal("load keys", zap.Error(err))
	}

	switch flag.Arg(0) {
	case "status":
		err = printJSON(custodian.Keys())
	case "rotate":
		var key *keys.Key
		if key, err = custodian.Rotate(ctx); err == nil {
			logger.Info("rotated signing key", zap.String("kid", key.ID), zap.String("dir", store.Dir()))
		}
	case "revoke":
		if flag.NArg() < 2 {
			logger.Fatal("usage: keyctl revoke <kid>")
		}
		err = custodian.Revoke(ctx, flag.Arg(1))
	case "jwks":
		err = printJSON(custodian.JWKS())
	default:
		logger.Fatal("unknown command", zap.String("command", flag.Arg(0)))
	}
	if err != nil {
		logger.Fatal("keyctl failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
