package registry_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	registrytesting "github.com/malbeclabs/affiliate/engine/pkg/registry/testing"
)

var testDB *registrytesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = registrytesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
