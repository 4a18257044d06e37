// migrate applies the token store schema from embedded SQL; run via go run ./cmd/migrate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/config"
	"github.com/tomojanga/Bematore-NSER-RG-sub002/internal/tokenstore"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.TokenStoreDriver == config.StoreDriverMemory {
		fmt.Fprintln(os.Stderr, "TOKEN_STORE_DRIVER=memory has no schema; set sqlite or postgres")
		os.Exit(1)
	}

	if err := tokenstore.Migrate(context.Background(), tokenstore.Dialect(cfg.TokenStoreDriver), cfg.TokenStoreDSN, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
