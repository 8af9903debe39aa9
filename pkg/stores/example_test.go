package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/stratus/pkg/model"
	"github.com/openfroyo/stratus/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_PutInstanceState records the state of an applied instance.
func ExampleSQLiteStore_PutInstanceState() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	err := store.PutInstanceState(ctx, "demo", &model.InstanceState{
		ID:         "net.vpc:main",
		Status:     model.InstanceStatusDeployed,
		InputHash:  42,
		OutputHash: 7,
	})
	if err != nil {
		log.Fatal(err)
	}

	state, _ := store.GetInstanceState(ctx, "demo", "net.vpc:main")
	fmt.Println(state.Status, state.InputHash, state.OutputHash)
	// Output: deployed 42 7
}
