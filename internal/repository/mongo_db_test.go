package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/blockedby/chatlog/internal/database"
)

func TestMongoStore(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	mongoURL := os.Getenv("MONGO_URL")
	if mongoURL == "" {
		t.Skip("MONGO_URL not set")
	}

	ctx := context.Background()
	client, err := database.NewMongo(ctx, mongoURL)
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	defer client.Disconnect(ctx)

	runStoreContract(t, func(t *testing.T) Store {
		db := client.Database(fmt.Sprintf("chatlog_test_%d", time.Now().UnixNano()))
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		return NewMongoStore(db)
	})
}
