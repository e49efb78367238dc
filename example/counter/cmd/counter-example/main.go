// Command counter-example wires aggstore.Store to the disk keystore
// backend and drives a small counter through Add, one Increment of 7,
// a concurrent-modification conflict, and a reload through Store.Get on
// the same Store, mirroring the end-to-end flow a real embedding
// application follows.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryomak/aggstore"
	"github.com/ryomak/aggstore/example/counter"
	"github.com/ryomak/aggstore/keystore/disk"
)

func main() {
	ctx := context.Background()

	workDir := os.Getenv("AGGSTORE_WORK_DIR")
	if workDir == "" {
		workDir = "./aggstore-data"
	}

	keys, err := disk.Open(workDir, "counters")
	if err != nil {
		log.Fatalf("open disk store: %v", err)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	store, err := aggstore.New(ctx, keys, counter.Scheme(), aggstore.WithLogger(logger))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	handle := aggstore.Handle("Counter:" + uuid.NewString())

	agg, err := store.Add(ctx, counter.Created{Handle_: handle})
	if err != nil {
		log.Fatalf("add: %v", err)
	}
	fmt.Printf("created %s at version %d\n", handle, agg.Version())

	agg, err = store.Command(ctx, counter.Increment{Handle_: handle, N: 7})
	if err != nil {
		log.Fatalf("increment: %v", err)
	}
	fmt.Printf("after +7: value=%d version=%d\n", agg.(*counter.Counter).Value(), agg.Version())

	staleVersion := uint64(0)
	_, err = store.Command(ctx, counter.Increment{Handle_: handle, N: 1, ExpectedVersion_: &staleVersion})
	if err != nil {
		fmt.Printf("expected conflict: %v\n", err)
	}

	reloaded, err := store.Get(ctx, handle)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("reloaded: value=%d version=%d\n", reloaded.(*counter.Counter).Value(), reloaded.Version())
}
