package main

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenStoreSelectsSQLiteForFilePath(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "gateway.db")
	st, err := openStore(dsn)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()

	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestInitLoggerDoesNotPanic(t *testing.T) {
	initLogger()
}
