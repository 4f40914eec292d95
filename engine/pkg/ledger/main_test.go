package ledger_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	ledgertesting "github.com/malbeclabs/affiliate/engine/pkg/ledger/testing"
)

var testDB *ledgertesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = ledgertesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start ClickHouse container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
